package db

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// CreateFastLap inserts a fast lap and sets its ID.
func (db *DB) CreateFastLap(ctx context.Context, fl *FastLap) error {
	if fl.CreatedAt.IsZero() {
		fl.CreatedAt = time.Now()
	}
	_, err := db.bun.NewInsert().Model(fl).Returning("id").Exec(ctx)
	return err
}

// ListFastLaps returns all fast laps ordered by ID.
func (db *DB) ListFastLaps(ctx context.Context) ([]FastLap, error) {
	var fastLaps []FastLap
	err := db.bun.NewSelect().Model(&fastLaps).Order("id ASC").Scan(ctx)
	return fastLaps, err
}

// ListFastLapIDs returns the IDs of all fast laps.
func (db *DB) ListFastLapIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := db.bun.NewSelect().Model((*FastLap)(nil)).Column("id").Order("id ASC").Scan(ctx, &ids)
	return ids, err
}

// ListLapFastLapIDs returns the distinct fast lap IDs referenced by laps.
func (db *DB) ListLapFastLapIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := db.bun.NewSelect().Model((*Lap)(nil)).
		ColumnExpr("DISTINCT fast_lap_id").
		Where("fast_lap_id IS NOT NULL").
		Scan(ctx, &ids)
	return ids, err
}

// DeleteFastLaps deletes the given fast laps and returns how many were removed.
func (db *DB) DeleteFastLaps(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := db.bun.NewDelete().Model((*FastLap)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// DeleteDriverFastLaps deletes every fast lap attributed to a driver. Laps
// referencing them are detached first.
func (db *DB) DeleteDriverFastLaps(ctx context.Context) (int, error) {
	var deleted int
	err := db.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		driverFastLaps := tx.NewSelect().Model((*FastLap)(nil)).
			Column("id").
			Where("driver_id IS NOT NULL")

		if _, err := tx.NewUpdate().Model((*Lap)(nil)).
			Set("fast_lap_id = NULL").
			Where("fast_lap_id IN (?)", driverFastLaps).
			Exec(ctx); err != nil {
			return err
		}

		result, err := tx.NewDelete().Model((*FastLap)(nil)).
			Where("driver_id IS NOT NULL").
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		deleted = int(n)
		return err
	})
	return deleted, err
}
