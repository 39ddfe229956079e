package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Socket is a Signal backed by a websocket to a realtime endpoint.
//
// While the connection is up the state is online. Every message the server
// sends is treated as a hint that remote state changed; the optional
// OnMessage callback receives it (typically the engine's Trigger). Message
// contents are not interpreted.
type Socket struct {
	broadcaster

	url        string
	header     http.Header
	onMessage  func()
	minBackoff time.Duration
	maxBackoff time.Duration
}

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithOnMessage sets the callback invoked for each server message.
func WithOnMessage(fn func()) SocketOption {
	return func(s *Socket) {
		s.onMessage = fn
	}
}

// WithHeader sets headers sent on dial (e.g. Authorization).
func WithHeader(h http.Header) SocketOption {
	return func(s *Socket) {
		s.header = h
	}
}

// WithReconnectBackoff bounds the delay between reconnect attempts.
func WithReconnectBackoff(min, max time.Duration) SocketOption {
	return func(s *Socket) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

// NewSocket creates a Socket for url. Call Run to connect.
func NewSocket(url string, opts ...SocketOption) *Socket {
	s := &Socket{
		url:        url,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run keeps the connection open until ctx is done, reconnecting with
// exponential backoff. Always returns ctx.Err().
func (s *Socket) Run(ctx context.Context) error {
	delay := s.minBackoff
	for {
		connected := s.session(ctx)
		if ctx.Err() != nil {
			s.set(State{Online: false})
			return ctx.Err()
		}
		if s.set(State{Online: false}) {
			slog.Info("connectivity changed", "state", "offline", "url", s.url)
		}

		if connected {
			delay = s.minBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

// session dials and reads until the connection fails. Returns whether the
// dial succeeded.
func (s *Socket) session(ctx context.Context) bool {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	if err != nil {
		slog.Debug("realtime dial failed", "url", s.url, "error", err)
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if s.set(State{Online: true}) {
		slog.Info("connectivity changed", "state", "online", "url", s.url)
	}

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("realtime connection closed", "url", s.url, "error", err)
			return true
		}
		if s.onMessage != nil {
			s.onMessage()
		}
	}
}
