// Command migrate applies and inspects the pitcrew database schema.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/rjsadow/pitcrew/internal/config"
	"github.com/rjsadow/pitcrew/internal/db"
)

const usage = `Usage: migrate [-type sqlite|postgres] [-dsn path] <command>

Commands:
  up       Apply all pending migrations
  down     Roll back the most recent migration
  version  Show current migration version
  force N  Force migration version to N
`

func main() {
	dbType, dsn := config.DefaultDBType, config.DefaultDBPath
	if cfg, err := config.Load(); err == nil {
		dbType, dsn = cfg.DBType, cfg.DSN()
	}

	typeFlag := flag.String("type", dbType, "Database type: sqlite or postgres")
	dsnFlag := flag.String("dsn", dsn, "Database DSN (file path for sqlite, connection string for postgres)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Print(usage)
		os.Exit(1)
	}

	m, err := db.NewMigrator(*typeFlag, *dsnFlag)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer m.Close()

	if err := runCommand(m, os.Stdout, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

// migrator is the part of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
}

func runCommand(m migrator, out io.Writer, args []string) error {
	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration up failed: %w", err)
		}
		fmt.Fprintln(out, "Migrations applied successfully")

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("migration down failed: %w", err)
		}
		fmt.Fprintln(out, "Rolled back one migration")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "Version: none")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		suffix := ""
		if dirty {
			suffix = " (dirty)"
		}
		fmt.Fprintf(out, "Version: %d%s\n", version, suffix)

	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version number: migrate force N")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %w", err)
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		fmt.Fprintf(out, "Forced version to %d\n", version)

	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage)
	}
	return nil
}
