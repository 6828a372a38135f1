package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rjsadow/pitcrew/internal/k8s"
)

// Coach is the coaching work run for one driver. Run blocks until ctx is
// cancelled or the coach gives up.
type Coach interface {
	Run(ctx context.Context, driver string) error
}

// CoachFunc adapts a function to Coach.
type CoachFunc func(ctx context.Context, driver string) error

func (f CoachFunc) Run(ctx context.Context, driver string) error { return f(ctx, driver) }

type task struct {
	driver string
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// LocalRunner implements Backend with supervised in-process coach tasks. A
// coach that returns or panics is reported as not running, so the next
// reconcile pass starts it again.
type LocalRunner struct {
	coach Coach
	base  context.Context

	mu    sync.Mutex
	tasks map[string]*task
}

var _ Backend = (*LocalRunner)(nil)

// NewLocalRunner creates a runner that starts coach for each driver.
func NewLocalRunner(coach Coach) *LocalRunner {
	return &LocalRunner{
		coach: coach,
		base:  context.Background(),
		tasks: make(map[string]*task),
	}
}

// Type returns TypeLocal.
func (r *LocalRunner) Type() Type {
	return TypeLocal
}

// Start launches a coach task unless one is already running.
func (r *LocalRunner) Start(_ context.Context, driver string) (bool, error) {
	key := k8s.SanitizeName(driver)
	if key == "" {
		return false, fmt.Errorf("driver name %q has no valid identity", driver)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[key]; ok && !t.exited() {
		return false, nil
	}

	ctx, cancel := context.WithCancel(r.base)
	t := &task{driver: driver, cancel: cancel, done: make(chan struct{})}
	r.tasks[key] = t
	go r.supervise(ctx, t)

	slog.Info("Started coach", "driver", driver)
	return true, nil
}

func (r *LocalRunner) supervise(ctx context.Context, t *task) {
	defer close(t.done)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Coach panicked", "driver", t.driver, "panic", p)
		}
	}()

	if err := r.coach.Run(ctx, t.driver); err != nil && ctx.Err() == nil {
		slog.Error("Coach exited", "driver", t.driver, "error", err)
		return
	}
	slog.Info("Coach stopped", "driver", t.driver)
}

// Stop cancels the driver's coach and waits for it to exit or for ctx to end.
func (r *LocalRunner) Stop(ctx context.Context, driver string) (bool, error) {
	key := k8s.SanitizeName(driver)

	r.mu.Lock()
	t, ok := r.tasks[key]
	if ok {
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}

	t.cancel()
	select {
	case <-t.done:
		return true, nil
	case <-ctx.Done():
		return true, fmt.Errorf("coach for %s did not stop: %w", driver, ctx.Err())
	}
}

// List returns the identities of coaches that are still running.
func (r *LocalRunner) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drivers := make([]string, 0, len(r.tasks))
	for key, t := range r.tasks {
		if !t.exited() {
			drivers = append(drivers, key)
		}
	}
	sort.Strings(drivers)
	return drivers, nil
}

// Healthy always returns true.
func (r *LocalRunner) Healthy(_ context.Context) bool {
	return true
}

// Close stops every coach and waits for them.
func (r *LocalRunner) Close() error {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*task)
	r.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	return nil
}
