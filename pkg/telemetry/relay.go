package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Message is the relay envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Relay keeps a websocket open to the relay server, redialing after
// every drop.
type Relay struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	ReconnectDelay time.Duration
	PingInterval   time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRelay identifies the device to the relay with a deviceId query
// parameter.
func NewRelay(rawURL, hostID string, logger *slog.Logger) *Relay {
	if u, err := url.Parse(rawURL); err == nil {
		q := u.Query()
		q.Set("deviceId", hostID)
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}
	return &Relay{
		url:            rawURL,
		logger:         logger.With("component", "relay"),
		dialer:         websocket.DefaultDialer,
		ReconnectDelay: reconnectDelay,
		PingInterval:   pingInterval,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := r.session(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("relay connection failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.ReconnectDelay):
		}
	}
}

// session dials once and serves the connection until it closes.
func (r *Relay) session(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	r.logger.Info("relay connected")

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	go r.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// the relay has nothing to say to the device yet; reading keeps
	// control frames flowing and notices the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay read: %w", err)
		}
	}
}

func (r *Relay) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				r.logger.Debug("ping failed", "err", err)
				return
			}
		}
	}
}

func (r *Relay) Publish(ctx context.Context, rep Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	r.conn.SetWriteDeadline(deadline)
	return r.conn.WriteJSON(Message{Type: "status", Payload: payload})
}

// Connected reports whether a relay session is open.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}
