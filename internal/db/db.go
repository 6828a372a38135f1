package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// Coach modes. The mode is stored for the coach process; pitcrew itself only
// looks at Enabled.
const (
	CoachModeDefault    = "default"
	CoachModeTrackGuide = "track_guide"
	CoachModeCopilots   = "copilots"
	CoachModeDebug      = "debug"
)

// Driver is a person sending telemetry.
type Driver struct {
	bun.BaseModel `bun:"table:drivers"`

	ID        int64     `json:"id" bun:"id,pk,autoincrement"`
	Name      string    `json:"name" bun:"name,unique,notnull"`
	CreatedAt time.Time `json:"created_at" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Coach is a driver's coaching profile.
type Coach struct {
	bun.BaseModel `bun:"table:coaches"`

	ID        int64     `json:"id" bun:"id,pk,autoincrement"`
	DriverID  int64     `json:"driver_id" bun:"driver_id,unique,notnull"`
	Enabled   bool      `json:"enabled" bun:"enabled,notnull"`
	Mode      string    `json:"mode" bun:"mode,notnull"`
	UpdatedAt time.Time `json:"updated_at" bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Session is a persisted telemetry session, keyed by driver and the
// game-provided session id.
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	ID          int64     `json:"id" bun:"id,pk,autoincrement"`
	DriverID    int64     `json:"driver_id" bun:"driver_id,notnull"`
	SessionID   string    `json:"session_id" bun:"session_id,notnull"`
	Game        string    `json:"game" bun:"game,notnull"`
	Track       string    `json:"track" bun:"track,notnull"`
	Car         string    `json:"car" bun:"car,notnull"`
	CarClass    string    `json:"car_class" bun:"car_class"`
	SessionType string    `json:"session_type" bun:"session_type"`
	Start       time.Time `json:"start" bun:"start_time,notnull"`
	End         time.Time `json:"end" bun:"end_time,notnull"`
}

// Lap is one completed lap of a persisted session.
type Lap struct {
	bun.BaseModel `bun:"table:laps"`

	ID           int64     `json:"id" bun:"id,pk,autoincrement"`
	SessionRowID int64     `json:"session_row_id" bun:"session_row_id,notnull"`
	FastLapID    *int64    `json:"fast_lap_id,omitempty" bun:"fast_lap_id"`
	Number       int       `json:"number" bun:"number,notnull"`
	Start        time.Time `json:"start" bun:"start_time,notnull"`
	End          time.Time `json:"end" bun:"end_time,notnull"`
	Time         float64   `json:"time" bun:"lap_time,notnull"`
	Valid        bool      `json:"valid" bun:"valid,notnull"`
}

// FastLap is a reference lap. Data holds the JSON-encoded segment analysis.
type FastLap struct {
	bun.BaseModel `bun:"table:fast_laps"`

	ID        int64     `json:"id" bun:"id,pk,autoincrement"`
	Game      string    `json:"game" bun:"game"`
	Track     string    `json:"track" bun:"track"`
	Car       string    `json:"car" bun:"car"`
	DriverID  *int64    `json:"driver_id,omitempty" bun:"driver_id"`
	Data      string    `json:"data" bun:"data"`
	CreatedAt time.Time `json:"created_at" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// DB wraps the database connection.
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns the database type ("sqlite" or "postgres").
func (db *DB) DBType() string {
	return db.dbType
}

// Open opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	return OpenDB("sqlite", dbPath)
}

// OpenDB opens a database of the given type and applies all pending
// migrations before returning.
func OpenDB(dbType, dsn string) (*DB, error) {
	d, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}

	// the migrator opens its own connection; a private in-memory database
	// would be invisible to it
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	conn, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var bunDB *bun.DB
	if dbType == "sqlite" {
		for _, pragma := range sqlitePragmas {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
		// keep one connection around so shared in-memory databases survive
		conn.SetMaxIdleConns(1)
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	} else {
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	if err := runMigrations(dbType, dsn); err != nil {
		bunDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &DB{bun: bunDB, dbType: dbType}, nil
}

// sqlitePragmas are applied to every SQLite connection pool on open.
var sqlitePragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.bun.Close()
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.bun.PingContext(ctx)
}

// AllTables lists application tables in foreign-key-safe deletion order.
var AllTables = []string{"laps", "fast_laps", "sessions", "coaches", "drivers"}

// Reset deletes every row from every application table, children first.
func (db *DB) Reset(ctx context.Context) error {
	return db.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, table := range AllTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}
