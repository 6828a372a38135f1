package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// The db package cannot import dbtest, so the backend selection is repeated
// here.

func testDBType() string {
	if v := os.Getenv("PITCREW_TEST_DB_TYPE"); v != "" {
		return v
	}
	return "sqlite"
}

func newTestDatabase(t *testing.T) *DB {
	t.Helper()

	dbType := testDBType()
	dsn := filepath.Join(t.TempDir(), "pitcrew.db")
	if dbType == "postgres" {
		if dsn = os.Getenv("PITCREW_TEST_POSTGRES_DSN"); dsn == "" {
			t.Skip("PITCREW_TEST_POSTGRES_DSN not set")
		}
	}

	database, err := OpenDB(dbType, dsn)
	if err != nil {
		t.Fatalf("OpenDB(%s) error = %v", dbType, err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	return database
}
