// Package ingest fans telemetry events out to a fixed set of shards so that
// events for one topic are always applied in arrival order by one goroutine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/rjsadow/pitcrew/internal/metrics"
	"github.com/rjsadow/pitcrew/internal/telemetry"
)

const (
	// DefaultShards is the number of worker goroutines.
	DefaultShards = 4

	// DefaultBufferSize is the per-shard queue capacity.
	DefaultBufferSize = 1024
)

// ErrStopped is returned by OnMessage after Stop.
var ErrStopped = errors.New("ingest dispatcher stopped")

// QueueFullError is returned when a shard's queue is at capacity and the
// event was dropped.
type QueueFullError struct {
	Shard int
	Size  int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("ingest shard %d full (%d events)", e.Shard, e.Size)
}

// Notifier applies one event to session state.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload telemetry.Payload, now time.Time)
}

// Config holds dispatcher sizing.
type Config struct {
	Shards     int
	BufferSize int
	// Clock stamps events on arrival. Defaults to time.Now.
	Clock func() time.Time
}

type event struct {
	topic   string
	payload telemetry.Payload
	at      time.Time
}

// Dispatcher is a bounded, topic-sharded event queue in front of a Notifier.
type Dispatcher struct {
	notifier Notifier
	config   Config
	metrics  *metrics.Metrics

	shards []chan event

	// mu is held for reading across OnMessage's send so Stop cannot begin
	// draining while an accepted event is still in flight.
	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Zero config values get defaults.
func NewDispatcher(notifier Notifier, cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	d := &Dispatcher{
		notifier: notifier,
		config:   cfg,
		metrics:  m,
		shards:   make([]chan event, cfg.Shards),
	}
	for i := range d.shards {
		d.shards[i] = make(chan event, cfg.BufferSize)
	}
	return d
}

// OnMessage enqueues an event without blocking. It returns a *QueueFullError
// when the topic's shard is full.
func (d *Dispatcher) OnMessage(topic string, payload telemetry.Payload) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.metrics.EventDropped("stopped")
		return ErrStopped
	}

	idx := d.shardFor(topic)
	select {
	case d.shards[idx] <- event{topic: topic, payload: payload, at: d.config.Clock()}:
		return nil
	default:
		d.metrics.EventDropped("queue_full")
		return &QueueFullError{Shard: idx, Size: d.config.BufferSize}
	}
}

func (d *Dispatcher) shardFor(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Start launches one worker per shard. Workers run until Stop is called or
// ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, i, ch)
	}
	slog.Info("Ingest dispatcher started", "shards", len(d.shards), "buffer", d.config.BufferSize)
}

// Stop refuses new events, drains what is queued and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Run starts the dispatcher and blocks until ctx is done, then drains.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Start(ctx)
	<-ctx.Done()
	d.Stop()
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, shard int, ch chan event) {
	defer d.wg.Done()
	// Notify gets a context that outlives the stop signal so the drain
	// can still reach the driver store.
	notifyCtx := context.WithoutCancel(ctx)
	for {
		select {
		case ev := <-ch:
			d.apply(notifyCtx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-ch:
					d.apply(notifyCtx, ev)
				default:
					slog.Debug("Ingest shard drained", "shard", shard)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, ev event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic applying telemetry event", "topic", ev.topic, "panic", r)
			d.metrics.EventDropped("panic")
		}
	}()
	d.notifier.Notify(ctx, ev.topic, ev.payload, ev.at)
}

// Pending returns the number of queued events across all shards.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, ch := range d.shards {
		n += len(ch)
	}
	return n
}
