// Package transport feeds telemetry into pitcrew. Sources decode messages
// from an MQTT broker or from WebSocket clients and hand them to a Handler.
package transport

import "github.com/rjsadow/pitcrew/internal/telemetry"

// Handler accepts one decoded telemetry message. It must not block; the
// ingest dispatcher satisfies it.
type Handler interface {
	OnMessage(topic string, payload telemetry.Payload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(topic string, payload telemetry.Payload) error

// OnMessage calls f.
func (f HandlerFunc) OnMessage(topic string, payload telemetry.Payload) error {
	return f(topic, payload)
}
