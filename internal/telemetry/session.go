package telemetry

import "time"

// Lap is a completed lap derived from a session's telemetry.
type Lap struct {
	Number    int
	Start     time.Time
	End       time.Time
	Time      float64 // seconds
	Valid     bool
	FastLapID *int64
}

// Session is the live state of one telemetry stream. It is not safe for
// concurrent use; the registry serializes access.
type Session struct {
	Topic       string
	Driver      string
	SessionID   string
	Game        string
	Track       string
	Car         string
	CarClass    string
	SessionType string
	Variant     Variant

	Start time.Time
	End   time.Time

	hasLap     bool
	currentLap int
	lapStart   time.Time
	lapValid   bool
	lapCount   int

	// completed laps not yet persisted
	pending []Lap
}

// NewSession creates a session for a parsed topic. The variant is chosen from
// the topic's game and fixed for the session's lifetime.
func NewSession(topic Topic, payload Payload, now time.Time) *Session {
	return &Session{
		Topic:       topic.Raw,
		Driver:      topic.Driver,
		SessionID:   topic.SessionID,
		Game:        topic.Game,
		Track:       topic.Track,
		Car:         topic.Car,
		CarClass:    payload.String(KeyCarClass),
		SessionType: topic.SessionType,
		Variant:     SelectVariant(topic.Game),
		Start:       now,
		End:         now,
		lapValid:    true,
	}
}

// Signal applies one telemetry event. It returns the lap completed by this
// event, if any. Events older than the last applied one are ignored, and
// replaying an event with the same timestamp has no further effect.
func (s *Session) Signal(payload Payload, now time.Time) (*Lap, bool) {
	if now.Before(s.End) {
		return nil, false
	}

	var completed *Lap
	if lap, ok := payload.Int(KeyCurrentLap); ok {
		switch {
		case !s.hasLap:
			s.hasLap = true
			s.currentLap = lap
			s.lapStart = now
		case lap > s.currentLap:
			completed = s.completeLap(payload, now)
			s.currentLap = lap
			s.lapStart = now
			s.lapValid = true
		case lap < s.currentLap:
			// session restarted in-game; start counting again
			s.currentLap = lap
			s.lapStart = now
			s.lapValid = true
		}
	}

	if valid, ok := payload.Bool(KeyLapValid); ok && !valid {
		s.lapValid = false
	}

	s.End = now
	return completed, completed != nil
}

func (s *Session) completeLap(payload Payload, now time.Time) *Lap {
	lapTime := now.Sub(s.lapStart).Seconds()
	if t, ok := payload.Float(KeyLastLapTime); ok && t > 0 {
		lapTime = t
	}

	lap := Lap{
		Number: s.currentLap,
		Start:  s.lapStart,
		End:    now,
		Time:   lapTime,
		Valid:  s.lapValid,
	}
	s.pending = append(s.pending, lap)
	s.lapCount++
	return &lap
}

// CurrentLap returns the lap number in progress and whether one has been seen.
func (s *Session) CurrentLap() (int, bool) {
	return s.currentLap, s.hasLap
}

// LapCount returns the number of laps completed in this session.
func (s *Session) LapCount() int {
	return s.lapCount
}

// PendingLaps returns the number of completed laps not yet marked saved.
func (s *Session) PendingLaps() int {
	return len(s.pending)
}

// Idle reports whether the session has had no signal for longer than threshold.
func (s *Session) Idle(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.End) > threshold
}

// SessionSnapshot is a copy of a session's persistable state.
type SessionSnapshot struct {
	Topic       string    `json:"topic"`
	Driver      string    `json:"driver"`
	SessionID   string    `json:"session_id"`
	Game        string    `json:"game"`
	Track       string    `json:"track"`
	Car         string    `json:"car"`
	CarClass    string    `json:"car_class"`
	SessionType string    `json:"session_type"`
	Variant     string    `json:"variant"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Laps        []Lap     `json:"laps"`
}

// Snapshot copies the session state together with the laps that have not
// been persisted yet.
func (s *Session) Snapshot() SessionSnapshot {
	laps := make([]Lap, len(s.pending))
	copy(laps, s.pending)
	return SessionSnapshot{
		Topic:       s.Topic,
		Driver:      s.Driver,
		SessionID:   s.SessionID,
		Game:        s.Game,
		Track:       s.Track,
		Car:         s.Car,
		CarClass:    s.CarClass,
		SessionType: s.SessionType,
		Variant:     s.Variant.String(),
		Start:       s.Start,
		End:         s.End,
		Laps:        laps,
	}
}

// MarkSaved drops the first n pending laps after they have been persisted.
// Laps completed after the snapshot was taken stay pending.
func (s *Session) MarkSaved(n int) {
	if n > len(s.pending) {
		n = len(s.pending)
	}
	if n <= 0 {
		return
	}
	s.pending = append(s.pending[:0:0], s.pending[n:]...)
}
