// Package telemetry periodically reports device health to a relay
// (websocket) or broker (MQTT).
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"capy-firmware/pkg/metrics"
	"capy-firmware/pkg/power"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
	"capy-firmware/pkg/wifi"
)

var ErrNotConnected = errors.New("telemetry link not connected")

type Report struct {
	HostID         string    `json:"host_id"`
	Session        string    `json:"session"`
	Version        string    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	WiFiState      string    `json:"wifi_state"`
	Attempts       int       `json:"wifi_attempts"`
	Failures       int       `json:"wifi_failures"`
	Provisioned    bool      `json:"provisioned"`
	BatteryPercent int       `json:"battery_pct"`
	OnACPower      bool      `json:"on_ac_power"`
	UptimeSeconds  uint64    `json:"uptime_s"`
	LastFetch      time.Time `json:"last_fetch,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Publisher carries reports off the device. Run owns the connection and
// returns when ctx is done.
type Publisher interface {
	Run(ctx context.Context) error
	Publish(ctx context.Context, r Report) error
}

// NewPublisher picks the transport from the URL scheme. An empty URL
// disables telemetry and returns (nil, nil).
func NewPublisher(rawURL, hostID string, logger *slog.Logger) (Publisher, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return NewRelay(rawURL, hostID, logger), nil
	case "tcp", "mqtt", "ssl", "tls":
		return NewMQTT(rawURL, hostID, logger), nil
	default:
		return nil, fmt.Errorf("unsupported telemetry scheme %q", u.Scheme)
	}
}

// WiFiStatus is the part of *wifi.Manager a report needs.
type WiFiStatus interface {
	State() wifi.State
	Attempts() int
	Failures() int
}

type Sources struct {
	Config    *state.Cell[store.Config]
	Dashboard *state.Cell[metrics.Dashboard]
	WiFi      WiFiStatus
	Power     *power.Monitor
}

// HostID returns the machine id, falling back to the hostname.
func HostID(ctx context.Context) string {
	if id, err := host.HostIDWithContext(ctx); err == nil && id != "" {
		return id
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}

type Reporter struct {
	pub     Publisher
	src     Sources
	hostID  string
	session string
	version string
	logger  *slog.Logger
	uptime  func(ctx context.Context) (uint64, error)

	Interval time.Duration

	mu   sync.Mutex
	sent int
}

func NewReporter(pub Publisher, src Sources, hostID, version string, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		pub:      pub,
		src:      src,
		hostID:   hostID,
		session:  uuid.Must(uuid.NewV4()).String(),
		version:  version,
		logger:   logger.With("component", "telemetry"),
		uptime:   host.UptimeWithContext,
		Interval: interval,
	}
}

// Collect copies the current device state into a Report.
func (r *Reporter) Collect(ctx context.Context) Report {
	rep := Report{
		HostID:    r.hostID,
		Session:   r.session,
		Version:   r.version,
		Timestamp: time.Now().UTC(),
	}

	if r.src.Config != nil {
		cfg, ok := r.src.Config.Get()
		rep.Provisioned = ok && cfg.HasWiFi()
	}
	if r.src.Dashboard != nil {
		if d, ok := r.src.Dashboard.Get(); ok {
			rep.LastFetch, rep.LastError = d.FetchedAt, d.LastError
		}
	}
	if r.src.WiFi != nil {
		rep.WiFiState = r.src.WiFi.State().String()
		rep.Attempts = r.src.WiFi.Attempts()
		rep.Failures = r.src.WiFi.Failures()
	}
	if s, err := r.src.Power.Read(); err == nil {
		rep.BatteryPercent, rep.OnACPower = s.Percent, s.OnAC
	}
	if up, err := r.uptime(ctx); err == nil {
		rep.UptimeSeconds = up
	}
	return rep
}

// Run keeps the publisher connected and sends a report every Interval.
// Publish failures are logged and never end the loop.
func (r *Reporter) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pub.Run(ctx)
	}()
	defer wg.Wait()

	r.logger.Info("telemetry started", "host", r.hostID, "session", r.session, "interval", r.Interval)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := r.pub.Publish(ctx, r.Collect(ctx)); err != nil {
			r.logger.Warn("failed to publish report", "err", err)
			continue
		}
		r.mu.Lock()
		r.sent++
		r.mu.Unlock()
	}
}

// Sent counts reports delivered to the publisher.
func (r *Reporter) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}
