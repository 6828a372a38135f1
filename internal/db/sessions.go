package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
)

// UpsertSession stores a session and appends laps to it in one transaction.
// The driver is created if needed. An existing session keeps its start time
// and gets its end time and car class refreshed. It returns the stored row.
func (db *DB) UpsertSession(ctx context.Context, driverName string, session Session, laps []Lap) (*Session, error) {
	var stored Session
	err := db.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		driver, err := ensureDriver(ctx, tx, driverName)
		if err != nil {
			return err
		}

		err = tx.NewSelect().Model(&stored).
			Where("driver_id = ?", driver.ID).
			Where("session_id = ?", session.SessionID).
			Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			stored = session
			stored.ID = 0
			stored.DriverID = driver.ID
			if _, err := tx.NewInsert().Model(&stored).Returning("id").Exec(ctx); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if session.End.After(stored.End) {
				stored.End = session.End
			}
			if session.CarClass != "" {
				stored.CarClass = session.CarClass
			}
			if _, err := tx.NewUpdate().Model(&stored).
				Column("end_time", "car_class").
				WherePK().
				Exec(ctx); err != nil {
				return err
			}
		}

		if len(laps) == 0 {
			return nil
		}
		rows := make([]Lap, len(laps))
		for i, lap := range laps {
			lap.ID = 0
			lap.SessionRowID = stored.ID
			rows[i] = lap
		}
		_, err = tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetSessionByKey returns nil, nil when the driver has no such session.
func (db *DB) GetSessionByKey(ctx context.Context, driverName, sessionID string) (*Session, error) {
	var session Session
	err := db.bun.NewSelect().Model(&session).
		Join("JOIN drivers AS d ON d.id = session.driver_id").
		Where("d.name = ?", driverName).
		Where("session.session_id = ?", sessionID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListLaps returns the laps of a session row in insertion order.
func (db *DB) ListLaps(ctx context.Context, sessionRowID int64) ([]Lap, error) {
	var laps []Lap
	err := db.bun.NewSelect().Model(&laps).
		Where("session_row_id = ?", sessionRowID).
		Order("id ASC").
		Scan(ctx)
	return laps, err
}

// QueryLapsByGame returns every lap recorded in sessions of the given game.
func (db *DB) QueryLapsByGame(ctx context.Context, game string) ([]Lap, error) {
	var laps []Lap
	err := db.bun.NewSelect().Model(&laps).
		Join("JOIN sessions AS s ON s.id = lap.session_row_id").
		Where("s.game = ?", game).
		Order("lap.id ASC").
		Scan(ctx)
	return laps, err
}

// UpdateLap writes back a lap's number, times and fast lap reference.
func (db *DB) UpdateLap(ctx context.Context, lap Lap) error {
	result, err := db.bun.NewUpdate().Model(&lap).
		Column("number", "start_time", "end_time", "lap_time", "valid", "fast_lap_id").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
