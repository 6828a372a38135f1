// Command pitcrewctl manages coach profiles and deployments and runs the
// batch repairs over stored telemetry.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(defaultEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
