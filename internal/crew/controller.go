// Package crew reconciles the set of running coaches with the drivers that
// are currently sending telemetry.
package crew

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/pitcrew/internal/k8s"
	"github.com/rjsadow/pitcrew/internal/metrics"
	"github.com/rjsadow/pitcrew/internal/runner"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

// ActiveDriverSource reports the drivers with live sessions.
type ActiveDriverSource interface {
	ActiveDrivers() []string
}

// CoachProfiles reports which drivers want a coach.
type CoachProfiles interface {
	CoachingEnabled(ctx context.Context, names []string) (map[string]bool, error)
}

// EvictionRequester is asked to sweep idle sessions after every pass.
type EvictionRequester interface {
	RequestEviction()
}

// Config holds reconcile timing.
type Config struct {
	Interval time.Duration
	// CallTimeout bounds every individual backend and profile call.
	CallTimeout time.Duration
}

// Result summarizes one reconcile pass.
type Result struct {
	ID      string
	Desired []string
	Actual  []string
	Started []string
	Stopped []string
	Failed  int
}

// Option configures a Controller.
type Option func(*Controller)

// WithProfiles restricts coaches to drivers with coaching enabled.
func WithProfiles(p CoachProfiles) Option {
	return func(c *Controller) { c.profiles = p }
}

// WithEvictionRequester sets who gets asked to sweep after each pass.
func WithEvictionRequester(e EvictionRequester) Option {
	return func(c *Controller) { c.evictor = e }
}

// WithMetrics instruments the controller.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller converges the backend's coaches to the desired driver set.
type Controller struct {
	source   ActiveDriverSource
	backend  runner.Backend
	profiles CoachProfiles
	evictor  EvictionRequester
	metrics  *metrics.Metrics
	config   Config

	live  atomic.Bool
	ready atomic.Bool
}

// NewController creates a controller. Zero config values get defaults.
func NewController(source ActiveDriverSource, backend runner.Backend, cfg Config, opts ...Option) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	c := &Controller{
		source:  source,
		backend: backend,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.live.Store(true)
	return c
}

// Live reports whether the controller has not died from a panic.
func (c *Controller) Live() bool {
	return c.live.Load()
}

// Ready reports whether the reconcile loop is running.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Run reconciles every Interval until ctx is done. After each pass it asks
// the eviction requester to sweep idle sessions. A panic is logged and
// re-raised.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		if p := recover(); p != nil {
			c.live.Store(false)
			c.ready.Store(false)
			slog.Error("Reconcile loop panicked", "panic", p, "stack", string(debug.Stack()))
			panic(p)
		}
	}()

	c.ready.Store(true)
	defer c.ready.Store(false)
	slog.Info("Reconcile loop started", "interval", c.config.Interval, "backend", c.backend.Type())

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconcile loop stopped")
			return nil
		case <-ticker.C:
		}

		if _, err := c.Reconcile(ctx); err != nil {
			slog.Warn("Reconcile pass skipped", "error", err)
		}
		if c.evictor != nil {
			c.evictor.RequestEviction()
		}
	}
}

// Reconcile runs one pass. It returns an error, and changes nothing, when the
// desired or actual state cannot be determined. Individual start and stop
// failures are logged and counted in the result.
func (c *Controller) Reconcile(ctx context.Context) (*Result, error) {
	started := time.Now()
	res := &Result{ID: uuid.NewString()}
	log := slog.With("pass", res.ID)

	desired, err := c.desired(ctx)
	if err != nil {
		return nil, fmt.Errorf("coach profile lookup failed: %w", err)
	}

	listCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	actual, err := c.backend.List(listCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("listing coaches failed: %w", err)
	}

	actualSet := make(map[string]struct{}, len(actual))
	for _, a := range actual {
		actualSet[a] = struct{}{}
	}

	var toStart, toStop []string
	for key := range desired {
		res.Desired = append(res.Desired, key)
		if _, ok := actualSet[key]; !ok {
			toStart = append(toStart, key)
		}
	}
	for key := range actualSet {
		res.Actual = append(res.Actual, key)
		if _, ok := desired[key]; !ok {
			toStop = append(toStop, key)
		}
	}
	sort.Strings(res.Desired)
	sort.Strings(res.Actual)
	sort.Strings(toStart)
	sort.Strings(toStop)

	for _, key := range toStop {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		_, err := c.backend.Stop(callCtx, key)
		cancel()
		c.metrics.ReconcileAction("stop", err == nil)
		if err != nil {
			log.Error("Failed to stop coach", "driver", key, "error", err)
			res.Failed++
			continue
		}
		res.Stopped = append(res.Stopped, key)
	}

	for _, key := range toStart {
		driver := desired[key]
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		_, err := c.backend.Start(callCtx, driver)
		cancel()
		c.metrics.ReconcileAction("start", err == nil)
		if err != nil {
			log.Error("Failed to start coach", "driver", driver, "error", err)
			res.Failed++
			continue
		}
		res.Started = append(res.Started, key)
	}

	c.metrics.ObserveReconcile(time.Since(started), len(desired))
	if len(toStart)+len(toStop) > 0 {
		log.Info("Reconciled coaches",
			"desired", len(res.Desired),
			"actual", len(res.Actual),
			"started", len(res.Started),
			"stopped", len(res.Stopped),
			"failed", res.Failed)
	}
	return res, nil
}

// desired maps sanitized identity to the first driver name carrying it.
func (c *Controller) desired(ctx context.Context) (map[string]string, error) {
	active := c.source.ActiveDrivers()

	if c.profiles != nil && len(active) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		enabled, err := c.profiles.CoachingEnabled(callCtx, active)
		cancel()
		if err != nil {
			return nil, err
		}
		filtered := active[:0:0]
		for _, d := range active {
			if enabled[d] {
				filtered = append(filtered, d)
			}
		}
		active = filtered
	}

	sort.Strings(active)
	desired := make(map[string]string, len(active))
	for _, d := range active {
		key := k8s.SanitizeName(d)
		if key == "" {
			slog.Warn("Driver name has no valid coach identity", "driver", d)
			continue
		}
		if prev, ok := desired[key]; ok {
			slog.Warn("Drivers share a coach identity", "identity", key, "driver", d, "kept", prev)
			continue
		}
		desired[key] = d
	}
	return desired, nil
}
