package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rjsadow/pitcrew/internal/metrics"
	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// DriverStore ensures a backing driver record exists before a session is
// registered for that driver.
type DriverStore interface {
	EnsureDriver(ctx context.Context, name string) error
}

// SaveResult reports the outcome of a bulk save.
type SaveResult struct {
	Saved  int
	Failed int
	// LapsSaved maps topic to the number of pending laps persisted for it.
	LapsSaved map[string]int
}

// Saver persists session snapshots.
type Saver interface {
	SaveSessions(ctx context.Context, snapshots []telemetry.SessionSnapshot) (*SaveResult, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithDriverStore makes session creation depend on a driver record. When the
// store fails the signal is dropped and no session is registered.
func WithDriverStore(store DriverStore) Option {
	return func(r *Registry) { r.drivers = store }
}

// WithSaver sets the bulk persistence collaborator.
func WithSaver(saver Saver) Option {
	return func(r *Registry) { r.saver = saver }
}

// WithMetrics instruments the registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry maps topics to live sessions. All mutation goes through its
// methods, which serialize on a single mutex.
type Registry struct {
	config  Config
	drivers DriverStore
	saver   Saver
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*telemetry.Session
	keeper   housekeeper
}

// NewRegistry creates an empty registry. Zero config values get defaults.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		config:   cfg.withDefaults(),
		sessions: make(map[string]*telemetry.Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Notify applies one telemetry event. Malformed topics are dropped silently.
// Every accepted event also advances the housekeeping counters.
func (r *Registry) Notify(ctx context.Context, topic string, payload telemetry.Payload, now time.Time) {
	r.mu.Lock()
	session, ok := r.sessions[topic]
	r.mu.Unlock()

	if !ok {
		session = r.createSession(ctx, topic, payload, now)
		if session == nil {
			return
		}
	}

	r.mu.Lock()
	// the session may have been evicted between lookup and lock
	if current, ok := r.sessions[topic]; ok {
		session = current
	} else {
		r.sessions[topic] = session
		r.metrics.SetActiveSessions(len(r.sessions))
		slog.Debug("New session", "topic", topic, "variant", session.Variant.String())
	}
	if lap, completed := session.Signal(payload, now); completed {
		r.metrics.LapCompleted()
		slog.Debug("Lap completed",
			"topic", topic,
			"lap", lap.Number,
			"time", lap.Time,
			"valid", lap.Valid)
	}
	r.metrics.EventIngested()
	actions := r.keeper.tick(r.config)
	r.mu.Unlock()

	r.housekeep(ctx, actions, now)
}

// createSession builds a session for an unseen topic. The driver lookup runs
// outside the lock. It returns nil when the topic is malformed or the driver
// record cannot be ensured.
func (r *Registry) createSession(ctx context.Context, topic string, payload telemetry.Payload, now time.Time) *telemetry.Session {
	parsed, err := telemetry.ParseTopic(topic)
	if err != nil {
		r.metrics.EventDropped("malformed_topic")
		return nil
	}

	if r.drivers != nil {
		if err := r.drivers.EnsureDriver(ctx, parsed.Driver); err != nil {
			slog.Error("Error creating driver", "driver", parsed.Driver, "topic", topic, "error", err)
			r.metrics.EventDropped("driver_store")
			return nil
		}
	}

	return telemetry.NewSession(parsed, payload, now)
}

// ActiveDrivers returns the distinct drivers with at least one live session.
func (r *Registry) ActiveDrivers() []string {
	r.mu.Lock()
	seen := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		seen[s.Driver] = struct{}{}
	}
	r.mu.Unlock()

	drivers := make([]string, 0, len(seen))
	for d := range seen {
		drivers = append(drivers, d)
	}
	sort.Strings(drivers)
	return drivers
}

// EvictIdle removes every session without a signal for longer than threshold
// and returns how many were removed. Idle sessions holding unsaved laps are
// saved first and stay registered if that save fails.
func (r *Registry) EvictIdle(ctx context.Context, now time.Time, threshold time.Duration) int {
	return r.evict(ctx, now, threshold, EvictionIdleFlag)
}

// ClearSessions removes sessions older than the configured max session age.
func (r *Registry) ClearSessions(ctx context.Context, now time.Time) int {
	return r.evict(ctx, now, r.config.MaxSessionAge, EvictionMaxAge)
}

func (r *Registry) evict(ctx context.Context, now time.Time, threshold time.Duration, policy EvictionPolicy) int {
	if err := r.saveIdle(ctx, now, threshold); err != nil {
		slog.Error("Failed to save sessions before eviction", "policy", policy, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(now, threshold, string(policy))
}

func (r *Registry) evictLocked(now time.Time, threshold time.Duration, policy string) int {
	persisting := r.persisting()
	removed := 0
	for topic, s := range r.sessions {
		if !s.Idle(now, threshold) {
			continue
		}
		if pending := s.PendingLaps(); persisting && pending > 0 {
			slog.Warn("Keeping idle session with unsaved laps", "topic", topic, "pending", pending)
			continue
		}
		delete(r.sessions, topic)
		removed++
		slog.Debug("Deleting inactive session", "topic", topic, "end", s.End)
	}
	if removed > 0 {
		slog.Info("Evicted inactive sessions",
			"policy", policy,
			"removed", removed,
			"active", len(r.sessions))
	}
	r.metrics.SessionsEvicted(policy, removed)
	r.metrics.SetActiveSessions(len(r.sessions))
	return removed
}

// RequestEviction asks the next Notify to sweep idle sessions. It is used by
// the idle-flag policy, where a slower external loop decides when to sweep.
func (r *Registry) RequestEviction() {
	r.mu.Lock()
	r.keeper.evictRequested = true
	r.mu.Unlock()
}

// SaveSessions persists a snapshot of every session. Laps reported as saved
// are removed from the sessions' pending lists.
func (r *Registry) SaveSessions(ctx context.Context) error {
	if !r.persisting() {
		return nil
	}
	return r.save(ctx, r.Snapshot())
}

// saveIdle saves the sessions an eviction at now would drop while they still
// hold unsaved laps.
func (r *Registry) saveIdle(ctx context.Context, now time.Time, threshold time.Duration) error {
	if !r.persisting() {
		return nil
	}

	var snapshots []telemetry.SessionSnapshot
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.PendingLaps() > 0 && s.Idle(now, threshold) {
			snapshots = append(snapshots, s.Snapshot())
		}
	}
	r.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Topic < snapshots[j].Topic })
	return r.save(ctx, snapshots)
}

func (r *Registry) persisting() bool {
	return r.saver != nil && !r.config.Replay
}

func (r *Registry) save(ctx context.Context, snapshots []telemetry.SessionSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	// a partial result is applied even when the save was interrupted
	result, err := r.saver.SaveSessions(ctx, snapshots)
	if result != nil {
		r.mu.Lock()
		for topic, n := range result.LapsSaved {
			if s, ok := r.sessions[topic]; ok {
				s.MarkSaved(n)
			}
		}
		r.mu.Unlock()
		r.metrics.SessionsSaved(result.Saved)
	}
	return err
}

// Snapshot copies every live session, ordered by topic.
func (r *Registry) Snapshot() []telemetry.SessionSnapshot {
	r.mu.Lock()
	snapshots := make([]telemetry.SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshots = append(snapshots, s.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Topic < snapshots[j].Topic })
	return snapshots
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Lookup returns a snapshot of the session for topic.
func (r *Registry) Lookup(topic string) (telemetry.SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[topic]
	if !ok {
		return telemetry.SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}
