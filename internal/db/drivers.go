package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// EnsureDriver creates the driver record if it does not exist yet.
func (db *DB) EnsureDriver(ctx context.Context, name string) error {
	_, err := ensureDriver(ctx, db.bun, name)
	return err
}

func ensureDriver(ctx context.Context, idb bun.IDB, name string) (*Driver, error) {
	driver := Driver{Name: name, CreatedAt: time.Now()}
	if _, err := idb.NewInsert().Model(&driver).
		On("CONFLICT (name) DO NOTHING").
		Exec(ctx); err != nil {
		return nil, err
	}

	var existing Driver
	if err := idb.NewSelect().Model(&existing).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, err
	}
	return &existing, nil
}

// GetDriverByName returns nil, nil when no driver has the given name.
func (db *DB) GetDriverByName(ctx context.Context, name string) (*Driver, error) {
	var driver Driver
	err := db.bun.NewSelect().Model(&driver).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &driver, nil
}

// ListDrivers returns all drivers ordered by name.
func (db *DB) ListDrivers(ctx context.Context) ([]Driver, error) {
	var drivers []Driver
	err := db.bun.NewSelect().Model(&drivers).Order("name ASC").Scan(ctx)
	return drivers, err
}

// SetCoachEnabled creates or updates the coach profile of a driver, creating
// the driver as needed.
func (db *DB) SetCoachEnabled(ctx context.Context, name string, enabled bool) error {
	return db.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		driver, err := ensureDriver(ctx, tx, name)
		if err != nil {
			return err
		}
		coach := Coach{
			DriverID:  driver.ID,
			Enabled:   enabled,
			Mode:      CoachModeDefault,
			UpdatedAt: time.Now(),
		}
		_, err = tx.NewInsert().Model(&coach).
			On("CONFLICT (driver_id) DO UPDATE").
			Set("enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

// GetCoach returns nil, nil when the driver has no coach profile.
func (db *DB) GetCoach(ctx context.Context, name string) (*Coach, error) {
	var coach Coach
	err := db.bun.NewSelect().Model(&coach).
		Join("JOIN drivers AS d ON d.id = coach.driver_id").
		Where("d.name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &coach, nil
}

// CoachingEnabled reports for each name whether the driver has an enabled
// coach profile. Names without a driver or profile map to false.
func (db *DB) CoachingEnabled(ctx context.Context, names []string) (map[string]bool, error) {
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = false
	}
	if len(names) == 0 {
		return result, nil
	}

	var rows []struct {
		Name    string `bun:"name"`
		Enabled bool   `bun:"enabled"`
	}
	err := db.bun.NewSelect().
		TableExpr("coaches AS c").
		ColumnExpr("d.name, c.enabled").
		Join("JOIN drivers AS d ON d.id = c.driver_id").
		Where("d.name IN (?)", bun.In(names)).
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.Name] = row.Enabled
	}
	return result, nil
}
