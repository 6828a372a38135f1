package crew_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCrew(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Crew Pipeline Suite")
}
