// Package persist writes registry snapshots to the database.
package persist

import (
	"context"
	"log/slog"

	"github.com/rjsadow/pitcrew/internal/db"
	"github.com/rjsadow/pitcrew/internal/sessions"
	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// Store is the database surface the saver needs.
type Store interface {
	UpsertSession(ctx context.Context, driverName string, session db.Session, laps []db.Lap) (*db.Session, error)
}

// Archive receives a copy of every saved snapshot.
type Archive interface {
	Archive(ctx context.Context, snap telemetry.SessionSnapshot) (string, error)
}

// SessionSaver implements sessions.Saver on top of a Store.
type SessionSaver struct {
	store   Store
	archive Archive
}

var _ sessions.Saver = (*SessionSaver)(nil)

// NewSessionSaver creates a saver. archive may be nil.
func NewSessionSaver(store Store, archive Archive) *SessionSaver {
	return &SessionSaver{store: store, archive: archive}
}

// SaveSessions upserts every snapshot. A failing session is logged and
// skipped; its laps stay pending for the next save.
func (s *SessionSaver) SaveSessions(ctx context.Context, snapshots []telemetry.SessionSnapshot) (*sessions.SaveResult, error) {
	result := &sessions.SaveResult{LapsSaved: make(map[string]int, len(snapshots))}

	for _, snap := range snapshots {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		row, laps := toRows(snap)
		if _, err := s.store.UpsertSession(ctx, snap.Driver, row, laps); err != nil {
			slog.Error("Failed to save session",
				"topic", snap.Topic,
				"driver", snap.Driver,
				"session_id", snap.SessionID,
				"error", err)
			result.Failed++
			continue
		}
		result.Saved++
		result.LapsSaved[snap.Topic] = len(laps)

		if s.archive != nil {
			if path, err := s.archive.Archive(ctx, snap); err != nil {
				slog.Warn("Failed to archive session snapshot", "topic", snap.Topic, "error", err)
			} else {
				slog.Debug("Archived session snapshot", "topic", snap.Topic, "path", path)
			}
		}
	}

	slog.Debug("Saved sessions", "saved", result.Saved, "failed", result.Failed)
	return result, nil
}

func toRows(snap telemetry.SessionSnapshot) (db.Session, []db.Lap) {
	row := db.Session{
		SessionID:   snap.SessionID,
		Game:        snap.Game,
		Track:       snap.Track,
		Car:         snap.Car,
		CarClass:    snap.CarClass,
		SessionType: snap.SessionType,
		Start:       snap.Start,
		End:         snap.End,
	}

	laps := make([]db.Lap, 0, len(snap.Laps))
	for _, l := range snap.Laps {
		laps = append(laps, db.Lap{
			FastLapID: l.FastLapID,
			Number:    l.Number,
			Start:     l.Start,
			End:       l.End,
			Time:      l.Time,
			Valid:     l.Valid,
		})
	}
	return row, laps
}
