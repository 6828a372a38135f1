// Package dbtest opens throwaway databases for tests.
//
// PITCREW_TEST_DB_TYPE selects the backend ("sqlite" by default). Postgres
// runs share the database named by PITCREW_TEST_POSTGRES_DSN and empty it
// before every test; without a DSN they are skipped.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rjsadow/pitcrew/internal/db"
)

const (
	typeEnv        = "PITCREW_TEST_DB_TYPE"
	postgresDSNEnv = "PITCREW_TEST_POSTGRES_DSN"
)

// Backend returns the database type tests run against.
func Backend() string {
	if v := os.Getenv(typeEnv); v != "" {
		return v
	}
	return "sqlite"
}

// Target returns the type and DSN of a database the test may use. SQLite
// targets are fresh files in the test's temp dir.
func Target(tb testing.TB) (dbType, dsn string) {
	tb.Helper()
	switch dbType = Backend(); dbType {
	case "sqlite":
		return dbType, filepath.Join(tb.TempDir(), "pitcrew.db")
	case "postgres":
		dsn = os.Getenv(postgresDSNEnv)
		if dsn == "" {
			tb.Skipf("%s not set", postgresDSNEnv)
		}
		return dbType, dsn
	default:
		tb.Fatalf("dbtest: unsupported %s %q", typeEnv, dbType)
		return "", ""
	}
}

// NewTestDB opens a migrated, empty database that is closed when the test
// ends.
func NewTestDB(tb testing.TB) *db.DB {
	tb.Helper()

	dbType, dsn := Target(tb)
	database, err := db.OpenDB(dbType, dsn)
	if err != nil {
		tb.Fatalf("dbtest: open %s: %v", dbType, err)
	}
	tb.Cleanup(func() { database.Close() })

	if dbType == "postgres" {
		if err := database.Reset(context.Background()); err != nil {
			tb.Fatalf("dbtest: %v", err)
		}
	}
	return database
}
