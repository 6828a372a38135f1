// Package runner provides a pluggable interface for coach orchestration
// backends. The reconciler starts and stops one coach per driver through it
// without knowing whether coaches run as Kubernetes deployments or as
// in-process tasks.
package runner

import (
	"context"
	"fmt"
)

// Type identifies the coach orchestration backend.
type Type string

const (
	TypeKubernetes Type = "kubernetes"
	TypeLocal      Type = "local"
)

// ParseType validates a backend name.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeKubernetes, TypeLocal:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown runner type %q (want %q or %q)", s, TypeKubernetes, TypeLocal)
	}
}

// Backend manages the coach workloads of drivers. Start and Stop are
// idempotent: starting a running coach or stopping a missing one succeeds
// and reports false.
type Backend interface {
	// Type returns the backend type.
	Type() Type

	// Start ensures a coach runs for driver. It reports whether a coach was
	// actually created.
	Start(ctx context.Context, driver string) (bool, error)

	// Stop ensures no coach runs for driver. It reports whether a coach was
	// actually removed.
	Stop(ctx context.Context, driver string) (bool, error)

	// List returns the sanitized driver identities of all running coaches.
	List(ctx context.Context) ([]string, error)

	// Healthy returns true if the backend is reachable.
	Healthy(ctx context.Context) bool

	// Close releases any resources held by the backend.
	Close() error
}
