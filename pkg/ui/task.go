package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"capy-firmware/pkg/logger"
	"capy-firmware/pkg/metrics"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

// Display shows one full frame. E-paper refreshes are slow, so callers
// should only push frames that changed.
type Display interface {
	Show(frame string) error
}

// TerminalDisplay prints frames to w, clearing the screen first when Clear
// is set.
type TerminalDisplay struct {
	W     io.Writer
	Clear bool
}

func (d TerminalDisplay) Show(frame string) error {
	if d.Clear {
		if _, err := io.WriteString(d.W, "\x1b[H\x1b[2J"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(d.W, frame)
	return err
}

// Sources are the live inputs a Snapshot is copied from. Nil fields are
// left out of the frame.
type Sources struct {
	Config    *state.Cell[store.Config]
	Dashboard *state.Cell[metrics.Dashboard]
	WiFi      func() string
	Battery   func() (percent int, onAC bool, ok bool)
	Logs      *logger.Ring
}

func (s Sources) Snapshot() Snapshot {
	var snap Snapshot
	if s.Config != nil {
		snap.Config, snap.Provisioned = s.Config.Get()
		snap.Provisioned = snap.Provisioned && snap.Config.HasWiFi()
	}
	if s.Dashboard != nil {
		snap.Dashboard, snap.HasDashboard = s.Dashboard.Get()
	}
	if s.WiFi != nil {
		snap.WiFi = s.WiFi()
	}
	if s.Battery != nil {
		snap.BatteryPercent, snap.OnACPower, snap.HasBattery = s.Battery()
	}
	for _, e := range s.Logs.Tail(maxLogTail) {
		snap.Logs = append(snap.Logs, logMessage(e))
	}
	return snap
}

// logMessage pulls msg out of a JSON log line; other lines pass through.
func logMessage(e logger.Entry) string {
	var rec struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal([]byte(e.Msg), &rec) == nil && rec.Msg != "" {
		return e.Time + " " + rec.Msg
	}
	return e.Time + " " + e.Msg
}

type Task struct {
	snapshot func() Snapshot
	display  Display
	width    int
	logger   *slog.Logger

	Interval time.Duration

	mu     sync.Mutex
	last   string
	frames int
}

func NewTask(snapshot func() Snapshot, display Display, width int, interval time.Duration, logger *slog.Logger) *Task {
	return &Task{
		snapshot: snapshot,
		display:  display,
		width:    width,
		logger:   logger.With("component", "ui"),
		Interval: interval,
	}
}

// Run draws immediately and then every Interval until ctx is done.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		t.draw()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Task) draw() {
	frame := Render(t.snapshot(), t.width)

	t.mu.Lock()
	unchanged := frame == t.last
	t.mu.Unlock()
	if unchanged {
		return
	}

	if err := t.display.Show(frame); err != nil {
		t.logger.Warn("failed to refresh display", "err", err)
		return
	}

	t.mu.Lock()
	t.last = frame
	t.frames++
	t.mu.Unlock()
}

// Frames counts the frames pushed to the display.
func (t *Task) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(frame string) error

func (f DisplayFunc) Show(frame string) error { return f(frame) }
