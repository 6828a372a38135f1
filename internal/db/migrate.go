package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationFiles embed.FS

// dialect ties a database type to its database/sql driver and schema history.
type dialect struct {
	sqlDriver string
	schemaDir string
	migrateTo func(conn *sql.DB) (database.Driver, error)
}

var dialects = map[string]dialect{
	"sqlite": {
		sqlDriver: "sqlite",
		schemaDir: "migrations/sqlite",
		migrateTo: func(conn *sql.DB) (database.Driver, error) {
			return migratesqlite.WithInstance(conn, &migratesqlite.Config{})
		},
	},
	"postgres": {
		sqlDriver: "postgres",
		schemaDir: "migrations/postgres",
		migrateTo: func(conn *sql.DB) (database.Driver, error) {
			return migratepostgres.WithInstance(conn, &migratepostgres.Config{})
		},
	},
}

func lookupDialect(dbType string) (dialect, error) {
	d, ok := dialects[dbType]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database type: %s", dbType)
	}
	return d, nil
}

// NewMigrator returns a migrator over the embedded schema for dbType. It owns
// a dedicated connection; Close releases it.
func NewMigrator(dbType, dsn string) (*migrate.Migrate, error) {
	d, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrationFiles, d.schemaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s migrations: %w", dbType, err)
	}

	conn, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	target, err := d.migrateTo(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare %s for migration: %w", dbType, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbType, target)
	if err != nil {
		target.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// runMigrations brings the schema up to date. It never touches the
// application's connection because closing the migrator closes its own.
func runMigrations(dbType, dsn string) error {
	m, err := NewMigrator(dbType, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
