package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// WebSocketPath is where the probe server mounts the WebSocket source.
const WebSocketPath = "/ws/telemetry"

// Per-connection frame limits.
const (
	DefaultFrameRate  = rate.Limit(120)
	DefaultFrameBurst = 240

	maxFrameBytes = 1 << 20
	pongWait      = 60 * time.Second
)

// Frame is one telemetry message sent by a WebSocket client.
type Frame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// telemetry publishers are not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketSource accepts telemetry frames over WebSocket connections.
// Every connection gets its own frame rate limiter; frames over the limit are
// dropped.
type WebSocketSource struct {
	handler Handler
	rate    rate.Limit
	burst   int
}

// NewWebSocketSource creates a source. A zero limit uses the defaults.
func NewWebSocketSource(handler Handler, limit rate.Limit, burst int) *WebSocketSource {
	if limit <= 0 {
		limit = DefaultFrameRate
	}
	if burst <= 0 {
		burst = DefaultFrameBurst
	}
	return &WebSocketSource{handler: handler, rate: limit, burst: burst}
}

// ServeHTTP upgrades the connection and reads frames until the client goes
// away.
func (s *WebSocketSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade telemetry connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(s.rate, s.burst)
	var accepted, dropped int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !isCloseError(err) {
				slog.Debug("Telemetry connection read failed", "remote", r.RemoteAddr, "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			dropped++
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Topic == "" {
			dropped++
			continue
		}
		payload := telemetry.Payload{}
		if len(frame.Payload) > 0 {
			if payload, err = telemetry.DecodePayload(frame.Payload); err != nil {
				dropped++
				continue
			}
		}
		if err := s.handler.OnMessage(frame.Topic, payload); err != nil {
			dropped++
			continue
		}
		accepted++
	}
	slog.Debug("Telemetry connection closed", "remote", r.RemoteAddr, "accepted", accepted, "dropped", dropped)
}

func isCloseError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
