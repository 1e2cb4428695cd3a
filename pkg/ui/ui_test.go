package ui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"

	"capy-firmware/pkg/logger"
	"capy-firmware/pkg/metrics"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRender(t *testing.T) {
	provisionedCfg := store.Config{WiFi: store.WiFi{SSID: "home", Password: "secret123"}, Token: "ghp_abcdefgh"}

	tests := []struct {
		name    string
		snap    Snapshot
		want    []string
		notWant []string
	}{
		{
			name: "unprovisioned",
			snap: Snapshot{Logs: []string{"10:00:00 advertising"}},
			want: []string{"CapyCoder", "Connect with the CapyCoder app", "advertising"},
		},
		{
			name:    "provisioned waiting",
			snap:    Snapshot{Config: provisionedCfg, Provisioned: true, WiFi: "connecting"},
			want:    []string{"home (connecting)", "Waiting for metrics"},
			notWant: []string{"secret123", "ghp_abcdefgh", "Connect with"},
		},
		{
			name: "dashboard",
			snap: Snapshot{
				Config: provisionedCfg, Provisioned: true, WiFi: "connected",
				HasDashboard: true,
				Dashboard: metrics.Dashboard{
					Commits:      metrics.CommitCounts{AllTime: 120, Week: 8, Month: 31},
					PullRequests: []metrics.PullRequest{{Number: 12, Title: "Fix flash", State: "open"}},
					Workflows:    []metrics.WorkflowRun{{Name: "ci", Status: "completed", Conclusion: "success"}},
					LastError:    "timeout",
				},
				HasBattery: true, BatteryPercent: 87, OnACPower: true,
			},
			want: []string{"120 total", "8/7d", "31/30d", "#12 O Fix flash", "✓ ci", "! timeout", "87% AC"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Render(tt.snap, 48)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("Render() missing %q:\n%s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("Render() contains %q:\n%s", w, out)
				}
			}
			for _, line := range strings.Split(out, "\n") {
				if w := lipgloss.Width(line); w != 48 {
					t.Fatalf("line width = %d, want 48: %q", w, line)
				}
			}
		})
	}
}

func TestRender_ClampsWidth(t *testing.T) {
	out := Render(Snapshot{}, 5)
	for _, line := range strings.Split(out, "\n") {
		if w := lipgloss.Width(line); w != MinWidth {
			t.Fatalf("line width = %d, want %d", w, MinWidth)
		}
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"too long", 5, "too …"},
		{"ünïcode", 4, "ünï…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.n); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestSources_Snapshot(t *testing.T) {
	ring := logger.NewRing("")
	ring.Write([]byte(`{"time":"x","level":"INFO","msg":"advertising","component":"ble"}` + "\n"))
	ring.Write([]byte("plain line\n"))

	src := Sources{
		Config:    state.NewCellWith(store.Config{Token: "ghp_x"}),
		Dashboard: state.NewCell[metrics.Dashboard](),
		WiFi:      func() string { return "starting" },
		Battery:   func() (int, bool, bool) { return 50, false, true },
		Logs:      ring,
	}
	snap := src.Snapshot()

	if snap.Provisioned {
		t.Errorf("Provisioned = true for a token without wifi")
	}
	if snap.HasDashboard || snap.WiFi != "starting" || snap.BatteryPercent != 50 || !snap.HasBattery {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Logs) != 2 || !strings.HasSuffix(snap.Logs[0], " advertising") || !strings.HasSuffix(snap.Logs[1], " plain line") {
		t.Errorf("Logs = %q", snap.Logs)
	}
}

type recordingDisplay struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (d *recordingDisplay) Show(frame string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.frames = append(d.frames, frame)
	return nil
}

func TestTask_PushesOnlyChanges(t *testing.T) {
	cell := state.NewCell[store.Config]()
	disp := &recordingDisplay{}
	task := NewTask(Sources{Config: cell}.Snapshot, disp, 40, time.Millisecond, testLogger())

	task.draw()
	task.draw()
	if task.Frames() != 1 {
		t.Fatalf("Frames() = %d after identical draws, want 1", task.Frames())
	}

	cell.Set(store.Config{WiFi: store.WiFi{SSID: "home"}})
	task.draw()
	if task.Frames() != 2 {
		t.Fatalf("Frames() = %d after a change, want 2", task.Frames())
	}
	if !strings.Contains(disp.frames[1], "home") {
		t.Fatalf("second frame missing ssid:\n%s", disp.frames[1])
	}
}

func TestTask_DisplayErrorRetries(t *testing.T) {
	disp := &recordingDisplay{err: errors.New("spi timeout")}
	task := NewTask(func() Snapshot { return Snapshot{} }, disp, 40, time.Millisecond, testLogger())

	task.draw()
	if task.Frames() != 0 {
		t.Fatalf("Frames() = %d after a failed refresh, want 0", task.Frames())
	}

	disp.mu.Lock()
	disp.err = nil
	disp.mu.Unlock()
	task.draw()
	if task.Frames() != 1 {
		t.Fatalf("Frames() = %d, want the frame retried", task.Frames())
	}
}

func TestTask_Run(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	disp := DisplayFunc(func(frame string) error {
		mu.Lock()
		defer mu.Unlock()
		return TerminalDisplay{W: &buf}.Show(frame)
	})
	task := NewTask(func() Snapshot { return Snapshot{} }, disp, 40, time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := task.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Count(buf.String(), "CapyCoder app") != 1 {
		t.Fatalf("terminal got %d frames, want 1:\n%s", strings.Count(buf.String(), "CapyCoder app"), buf.String())
	}
}
