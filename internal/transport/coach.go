package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rjsadow/pitcrew/internal/sessions"
	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// MQTTCoach follows one driver's telemetry on a shared broker connection and
// reports completed laps. It is the in-process coach run by the local runner.
type MQTTCoach struct {
	client mqtt.Client
	prefix string
	qos    byte
	now    func() time.Time
}

// NewMQTTCoach creates a coach on a connected client. Streams are read from
// "<prefix>/<driver>/#"; prefix defaults to "crewchief".
func NewMQTTCoach(client mqtt.Client, prefix string) *MQTTCoach {
	if prefix == "" {
		prefix = "crewchief"
	}
	return &MQTTCoach{client: client, prefix: prefix, now: time.Now}
}

// TopicFor returns the subscription filter for a driver.
func (c *MQTTCoach) TopicFor(driver string) string {
	return fmt.Sprintf("%s/%s/#", c.prefix, driver)
}

// Run follows the driver until ctx is done.
func (c *MQTTCoach) Run(ctx context.Context, driver string) error {
	topic := c.TopicFor(driver)
	follower := newLapFollower(driver)

	token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		follower.observe(msg.Topic(), msg.Payload(), c.now())
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	slog.Info("Coach following driver", "driver", driver, "topic", topic)

	<-ctx.Done()

	if t := c.client.Unsubscribe(topic); !t.WaitTimeout(connectTimeout) {
		slog.Warn("Coach unsubscribe timed out", "driver", driver)
	}
	slog.Info("Coach stopped", "driver", driver, "laps", follower.laps())
	return nil
}

// lapFollower tracks the driver's sessions by topic. Sessions idle for longer
// than sessions.DefaultIdleThreshold are forgotten.
type lapFollower struct {
	driver string

	mu        sync.Mutex
	sessions  map[string]*telemetry.Session
	completed int
}

func newLapFollower(driver string) *lapFollower {
	return &lapFollower{driver: driver, sessions: make(map[string]*telemetry.Session)}
}

func (f *lapFollower) observe(topic string, data []byte, now time.Time) {
	payload, err := telemetry.DecodePayload(data)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pruneLocked(now)
	session, ok := f.sessions[topic]
	if !ok {
		parsed, err := telemetry.ParseTopic(topic)
		if err != nil || parsed.Driver != f.driver {
			return
		}
		session = telemetry.NewSession(parsed, payload, now)
		f.sessions[topic] = session
	}
	if lap, done := session.Signal(payload, now); done {
		f.completed++
		slog.Info("Lap completed",
			"driver", f.driver,
			"track", session.Track,
			"car", session.Car,
			"lap", lap.Number,
			"time", lap.Time,
			"valid", lap.Valid)
		// reported laps are not persisted by the coach
		session.MarkSaved(session.PendingLaps())
	}
}

func (f *lapFollower) pruneLocked(now time.Time) {
	for topic, s := range f.sessions {
		if s.Idle(now, sessions.DefaultIdleThreshold) {
			delete(f.sessions, topic)
			slog.Debug("Coach forgot idle session", "driver", f.driver, "topic", topic)
		}
	}
}

func (f *lapFollower) tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *lapFollower) laps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}
