package wifi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBackoff      = 5 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateConnecting
	StateConnected
	StateDisconnected
	StateScanningAfterFailure
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateScanningAfterFailure:
		return "scanning"
	default:
		return "idle"
	}
}

// Manager connects with whatever credentials are in the config cell and
// retries forever with a fixed backoff.
type Manager struct {
	radio  Radio
	cell   *state.Cell[store.Config]
	logger *slog.Logger

	PollInterval time.Duration
	Backoff      time.Duration

	mu       sync.Mutex
	state    State
	attempts int
	failures int
	subs     []chan State

	applied    Credentials
	hasApplied bool
}

func NewManager(r Radio, cell *state.Cell[store.Config], logger *slog.Logger) *Manager {
	return &Manager{
		radio:        r,
		cell:         cell,
		logger:       logger.With("component", "wifi"),
		PollInterval: DefaultPollInterval,
		Backoff:      DefaultBackoff,
	}
}

// Run only returns once ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateIdle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.setState(StateStarting)
		creds, err := m.credentials(ctx)
		if err != nil {
			return err
		}

		if !m.radio.IsStarted() || !m.hasApplied || creds != m.applied {
			if err := m.start(ctx, creds); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.fail(ctx, "start", err)
				if err := m.sleep(ctx, m.Backoff); err != nil {
					return err
				}
				continue
			}
		}

		m.setState(StateConnecting)
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()
		m.logger.Info("connecting", "ssid", creds.SSID, "attempt", attempt)

		if err := m.radio.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.fail(ctx, "connect", err)
			if err := m.sleep(ctx, m.Backoff); err != nil {
				return err
			}
			continue
		}

		m.setState(StateConnected)
		m.logger.Info("connected", "ssid", creds.SSID)

		changed, err := m.hold(ctx, creds)
		if err != nil {
			return err
		}
		if changed {
			m.logger.Info("credentials changed, restarting")
			continue
		}

		m.setState(StateDisconnected)
		m.logger.Warn("disconnected", "ssid", creds.SSID, "retry_in", m.Backoff)
		if err := m.sleep(ctx, m.Backoff); err != nil {
			return err
		}
	}
}

func (m *Manager) credentials(ctx context.Context) (Credentials, error) {
	cfg, err := m.cell.Wait(ctx, m.PollInterval, store.Config.HasWiFi)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{SSID: cfg.WiFi.SSID, Password: cfg.WiFi.Password}, nil
}

func (m *Manager) start(ctx context.Context, creds Credentials) error {
	if m.radio.IsStarted() {
		if err := m.radio.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop radio", "err", err)
		}
	}
	if err := m.radio.Configure(creds); err != nil {
		return err
	}
	if err := m.radio.Start(ctx); err != nil {
		return err
	}
	m.applied, m.hasApplied = creds, true
	return nil
}

// hold blocks while associated. It reports true when the credentials in
// the cell changed underneath the connection.
func (m *Manager) hold(ctx context.Context, creds Credentials) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				cfg, ok := m.cell.Get()
				if !ok || cfg.WiFi.SSID != creds.SSID || cfg.WiFi.Password != creds.Password {
					close(changed)
					cancel()
					return
				}
			}
		}
	}()

	err := m.radio.WaitDisconnect(connCtx)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	select {
	case <-changed:
		return true, nil
	default:
	}
	if err != nil {
		m.logger.Warn("wait for disconnect failed", "err", err)
	}
	return false, nil
}

func (m *Manager) fail(ctx context.Context, op string, err error) {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
	m.logger.Error("wifi "+op+" failed", "err", err)

	m.setState(StateScanningAfterFailure)
	aps, serr := m.radio.Scan(ctx)
	if serr != nil {
		m.logger.Warn("scan failed", "err", serr)
	} else {
		m.logger.Info("scan complete", "count", len(aps))
		for _, ap := range aps {
			m.logger.Info("access point", "ssid", ap.SSID, "channel", ap.Channel, "rssi", ap.RSSI, "auth", ap.Auth.String())
		}
	}
	m.setState(StateDisconnected)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == s {
		return
	}
	m.state = s
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts counts connect attempts since boot.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Failures counts failed starts and connects since boot.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Subscribe returns a channel of state transitions. Slow readers miss
// transitions rather than stall the manager.
func (m *Manager) Subscribe() <-chan State {
	ch := make(chan State, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}
