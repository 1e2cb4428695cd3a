package logger

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"capy-firmware/pkg/config"
)

func TestRing_TailAndBound(t *testing.T) {
	r := NewRing("")
	for i := 0; i < maxLogs+5; i++ {
		r.Write([]byte("line\n"))
	}
	if got := len(r.Tail(0)); got != maxLogs {
		t.Fatalf("len(Tail(0)) = %d, want %d", got, maxLogs)
	}
	tail := r.Tail(2)
	if len(tail) != 2 || tail[1].Msg != "line" {
		t.Fatalf("Tail(2) = %+v, want two trimmed entries", tail)
	}
}

func TestRing_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.json")
	r := NewRing(path)
	r.Write([]byte("hello\n"))

	again := NewRing(path)
	tail := again.Tail(1)
	if len(tail) != 1 || tail[0].Msg != "hello" {
		t.Fatalf("reloaded Tail(1) = %+v, want hello", tail)
	}
}

func TestNew_DevStripsColorInRing(t *testing.T) {
	var out bytes.Buffer
	ring := NewRing("")
	l := newLogger(config.Config{AppEnv: "dev", LogLevel: slog.LevelInfo}, "test", &out, ring)

	l.Info("provisioned", "ssid", "home")

	tail := ring.Tail(1)
	if len(tail) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(tail))
	}
	if strings.Contains(tail[0].Msg, "\x1b[") {
		t.Errorf("ring entry %q still has ANSI sequences", tail[0].Msg)
	}
	if !strings.Contains(tail[0].Msg, "provisioned") {
		t.Errorf("ring entry %q, want message text", tail[0].Msg)
	}
}

func TestNew_ProdIsJSON(t *testing.T) {
	var out bytes.Buffer
	l := newLogger(config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo}, "1.2.3", &out, nil)
	l.Debug("hidden")
	l.Info("shown")

	s := out.String()
	if strings.Contains(s, "hidden") {
		t.Errorf("debug line logged at info level: %s", s)
	}
	if !strings.Contains(s, `"msg":"shown"`) || !strings.Contains(s, `"version":"1.2.3"`) {
		t.Errorf("output = %s, want JSON with msg and version", s)
	}
}
