// Package archive stores JSON snapshots of saved sessions in a file or
// object store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// Store abstracts snapshot blob storage.
type Store interface {
	// Save writes the blob under key and returns the storage path.
	Save(ctx context.Context, key string, r io.Reader) (storagePath string, err error)

	// Get returns a ReadCloser for the blob at the given storage path.
	Get(ctx context.Context, storagePath string) (io.ReadCloser, error)

	// Delete removes the blob at the given storage path.
	Delete(ctx context.Context, storagePath string) error
}

// SnapshotKey returns the key a session snapshot is archived under:
// <yyyy>/<mm>/<driver>/<session_id>.json, dated by the session start.
func SnapshotKey(snap telemetry.SessionSnapshot) string {
	return fmt.Sprintf("%d/%02d/%s/%s.json", snap.Start.Year(), snap.Start.Month(), snap.Driver, snap.SessionID)
}

// Archiver writes session snapshots to a Store.
type Archiver struct {
	store Store
}

// New returns an Archiver writing to store.
func New(store Store) *Archiver {
	return &Archiver{store: store}
}

// Archive writes one snapshot and returns its storage path.
func (a *Archiver) Archive(ctx context.Context, snap telemetry.SessionSnapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return a.store.Save(ctx, SnapshotKey(snap), bytes.NewReader(data))
}

// Load reads back an archived snapshot.
func (a *Archiver) Load(ctx context.Context, storagePath string) (*telemetry.SessionSnapshot, error) {
	rc, err := a.store.Get(ctx, storagePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var snap telemetry.SessionSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
