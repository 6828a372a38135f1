// Package maintenance holds batch repairs over the persisted telemetry:
// orphaned fast laps, fast lap data validation and lap end time correction.
//
// Every operation keeps going past individual bad rows. Failures are logged
// and counted in the returned Report.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rjsadow/pitcrew/internal/db"
	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// Store is the subset of the database the repairs need.
type Store interface {
	ListFastLaps(ctx context.Context) ([]db.FastLap, error)
	ListFastLapIDs(ctx context.Context) ([]int64, error)
	ListLapFastLapIDs(ctx context.Context) ([]int64, error)
	DeleteFastLaps(ctx context.Context, ids []int64) (int, error)
	DeleteDriverFastLaps(ctx context.Context) (int, error)
	QueryLapsByGame(ctx context.Context, game string) ([]db.Lap, error)
	UpdateLap(ctx context.Context, lap db.Lap) error
}

var _ Store = (*db.DB)(nil)

// Report summarizes one batch run.
type Report struct {
	Checked int
	Changed int
	Failed  int
}

// OrphanFastLaps returns the fast lap IDs no lap references, in ascending order.
func OrphanFastLaps(fastLapIDs, referenced []int64) []int64 {
	used := make(map[int64]struct{}, len(referenced))
	for _, id := range referenced {
		used[id] = struct{}{}
	}
	var orphans []int64
	for _, id := range fastLapIDs {
		if _, ok := used[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	return orphans
}

// SweepOrphanFastLaps deletes every fast lap that no lap references.
func SweepOrphanFastLaps(ctx context.Context, store Store) (int, error) {
	all, err := store.ListFastLapIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list fast laps: %w", err)
	}
	referenced, err := store.ListLapFastLapIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list referenced fast laps: %w", err)
	}

	orphans := OrphanFastLaps(all, referenced)
	if len(orphans) == 0 {
		return 0, nil
	}
	n, err := store.DeleteFastLaps(ctx, orphans)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned fast laps: %w", err)
	}
	slog.Info("Deleted orphaned fast laps", "count", n)
	return n, nil
}

// DeleteDriverFastLaps removes every fast lap attributed to a driver.
func DeleteDriverFastLaps(ctx context.Context, store Store) (int, error) {
	n, err := store.DeleteDriverFastLaps(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete driver fast laps: %w", err)
	}
	slog.Info("Deleted driver fast laps", "count", n)
	return n, nil
}

// ErrNoSegments is returned for fast lap data without a segment list.
var ErrNoSegments = errors.New("fast lap data has no segment list")

type segment struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

// CheckFastLapData validates one fast lap's data: a JSON object whose
// "segment" key holds a list of objects with numeric start and end, start
// not after end.
func CheckFastLapData(data string) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return fmt.Errorf("invalid fast lap data: %w", err)
	}
	raw, ok := doc["segment"]
	if !ok {
		return ErrNoSegments
	}
	var segments []segment
	if err := json.Unmarshal(raw, &segments); err != nil {
		return fmt.Errorf("invalid segment list: %w", err)
	}
	for i, s := range segments {
		if s.Start == nil || s.End == nil {
			return fmt.Errorf("segment %d: missing start or end", i)
		}
		if *s.Start > *s.End {
			return fmt.Errorf("segment %d: start %v after end %v", i, *s.Start, *s.End)
		}
	}
	return nil
}

// ValidateFastLapData checks the data of every fast lap. Malformed entries
// are logged and counted; nothing is modified.
func ValidateFastLapData(ctx context.Context, store Store) (Report, error) {
	var report Report
	fastLaps, err := store.ListFastLaps(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list fast laps: %w", err)
	}
	for _, fl := range fastLaps {
		report.Checked++
		if err := CheckFastLapData(fl.Data); err != nil {
			report.Failed++
			slog.Warn("Malformed fast lap data",
				"fast_lap", fl.ID,
				"game", fl.Game,
				"track", fl.Track,
				"car", fl.Car,
				"error", err)
		}
	}
	return report, nil
}

// RepairLapEndTimes applies the game's lap correction to every stored lap of
// that game. Laps the correction leaves untouched are not written.
func RepairLapEndTimes(ctx context.Context, store Store, game string) (Report, error) {
	var report Report
	laps, err := store.QueryLapsByGame(ctx, game)
	if err != nil {
		return report, fmt.Errorf("failed to query laps: %w", err)
	}

	variant := telemetry.SelectVariant(game)
	for _, lap := range laps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		fixed := variant.CorrectLap(telemetry.Lap{
			Number: lap.Number,
			Start:  lap.Start,
			End:    lap.End,
			Time:   lap.Time,
			Valid:  lap.Valid,
		})
		if fixed.Number == lap.Number && fixed.End.Equal(lap.End) {
			continue
		}

		lap.Number = fixed.Number
		lap.End = fixed.End
		if err := store.UpdateLap(ctx, lap); err != nil {
			report.Failed++
			slog.Error("Failed to repair lap", "lap", lap.ID, "error", err)
			continue
		}
		report.Changed++
	}
	slog.Info("Repaired lap end times",
		"game", game,
		"variant", variant.String(),
		"checked", report.Checked,
		"changed", report.Changed,
		"failed", report.Failed)
	return report, nil
}
