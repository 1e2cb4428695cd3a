package wifi

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	associateTimeout = 15 * time.Second
	commandTimeout   = 20 * time.Second
	supplicantHeader = "ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev\nupdate_config=1\n\n"
)

// runFunc runs one command, feeding stdin when non-nil, and returns stdout.
type runFunc func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Linux drives wpa_supplicant on a Raspberry Pi style host. It is both the
// Radio and the Driver: Run watches the association and wakes
// WaitDisconnect when it drops.
type Linux struct {
	iface    string
	confPath string
	logger   *slog.Logger
	run      runFunc
	poll     time.Duration

	mu         sync.Mutex
	started    bool
	creds      Credentials
	associated bool
	lost       chan struct{}
}

func NewLinux(iface, confPath string, logger *slog.Logger) *Linux {
	return &Linux{
		iface:    iface,
		confPath: confPath,
		logger:   logger.With("component", "wpa"),
		run:      execRun,
		poll:     time.Second,
		lost:     make(chan struct{}, 1),
	}
}

func (l *Linux) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Configure replaces wpa_supplicant.conf with a single network block for c.
func (l *Linux) Configure(c Credentials) error {
	block, err := networkBlock(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	conf := []byte(supplicantHeader + block)
	if _, err := l.run(ctx, conf, "sudo", "tee", l.confPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	l.mu.Lock()
	l.creds = c
	l.mu.Unlock()
	l.logger.Info("wrote network block", "ssid", c.SSID, "path", l.confPath)
	return nil
}

func (l *Linux) Start(ctx context.Context) error {
	if _, err := l.run(ctx, nil, "sudo", "ip", "link", "set", l.iface, "up"); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", l.iface, err)
	}
	if _, err := l.run(ctx, nil, "wpa_cli", "-i", l.iface, "reconfigure"); err != nil {
		return fmt.Errorf("failed to reconfigure: %w", err)
	}

	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	return nil
}

func (l *Linux) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.started = false
	l.associated = false
	l.mu.Unlock()

	if _, err := l.run(ctx, nil, "wpa_cli", "-i", l.iface, "disconnect"); err != nil {
		l.logger.Warn("wpa_cli disconnect failed", "err", err)
	}
	if _, err := l.run(ctx, nil, "sudo", "ip", "link", "set", l.iface, "down"); err != nil {
		return fmt.Errorf("failed to bring down %s: %w", l.iface, err)
	}
	return nil
}

// Connect asks wpa_supplicant to reassociate and waits up to 15 seconds for
// iwgetid to report the configured SSID.
func (l *Linux) Connect(ctx context.Context) error {
	l.mu.Lock()
	want := l.creds.SSID
	l.mu.Unlock()

	// clear a stale disconnect signal from the previous association
	select {
	case <-l.lost:
	default:
	}

	if _, err := l.run(ctx, nil, "wpa_cli", "-i", l.iface, "reconnect"); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	deadline := time.NewTimer(associateTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("failed to associate with %q within %s", want, associateTimeout)
		case <-ticker.C:
		}

		if ssid := l.currentSSID(ctx); ssid != "" && ssid == want {
			l.mu.Lock()
			l.associated = true
			l.mu.Unlock()
			return nil
		}
	}
}

func (l *Linux) WaitDisconnect(ctx context.Context) error {
	select {
	case <-l.lost:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls the association every second while connected.
func (l *Linux) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		l.mu.Lock()
		watching := l.associated
		l.mu.Unlock()
		if !watching {
			continue
		}

		if l.currentSSID(ctx) != "" {
			continue
		}

		l.mu.Lock()
		l.associated = false
		l.mu.Unlock()
		l.logger.Warn("association lost", "iface", l.iface)
		select {
		case l.lost <- struct{}{}:
		default:
		}
	}
}

func (l *Linux) currentSSID(ctx context.Context) string {
	out, err := l.run(ctx, nil, "iwgetid", "-r", l.iface)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Scan prefers `iw` and falls back to nmcli when iw is missing or fails.
func (l *Linux) Scan(ctx context.Context) ([]AccessPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := l.run(ctx, nil, "sudo", "iw", "dev", l.iface, "scan")
	if err == nil {
		return parseIWScan(string(out)), nil
	}
	l.logger.Debug("iw scan failed, trying nmcli", "err", err)

	out, nerr := l.run(ctx, nil, "nmcli", "-t", "-f", "BSSID,SSID,CHAN,SIGNAL,SECURITY", "dev", "wifi", "list", "ifname", l.iface)
	if nerr != nil {
		return nil, fmt.Errorf("scan failed: %w", nerr)
	}
	return parseNmcliScan(string(out)), nil
}
