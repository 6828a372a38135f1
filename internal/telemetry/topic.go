// Package telemetry holds the live per-stream state built from telemetry events:
// topic parsing, sessions, lap tracking and the game-specific session variants.
//
// Nothing in this package performs I/O. The sessions package owns the registry
// that creates and mutates these values.
package telemetry

import (
	"errors"
	"strings"
)

// topicFields is the number of '/'-separated fields in a telemetry topic.
const topicFields = 7

// ErrMalformedTopic is returned when a topic does not have exactly seven fields.
var ErrMalformedTopic = errors.New("malformed telemetry topic")

// Topic identifies one telemetry stream:
// <prefix>/<driver>/<session_id>/<game>/<track>/<car>/<session_type>
type Topic struct {
	Raw         string
	Prefix      string
	Driver      string
	SessionID   string
	Game        string
	Track       string
	Car         string
	SessionType string
}

// ParseTopic splits a raw topic into its fields.
func ParseTopic(raw string) (Topic, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != topicFields {
		return Topic{}, ErrMalformedTopic
	}
	return Topic{
		Raw:         raw,
		Prefix:      parts[0],
		Driver:      parts[1],
		SessionID:   parts[2],
		Game:        parts[3],
		Track:       parts[4],
		Car:         parts[5],
		SessionType: parts[6],
	}, nil
}

// String returns the raw topic.
func (t Topic) String() string {
	return t.Raw
}
