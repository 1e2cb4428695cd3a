package logger

import (
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"capy-firmware/pkg/config"
)

const maxLogs = 1000

type Entry struct {
	Time string `json:"time"`
	Msg  string `json:"msg"`
}

// Ring keeps the most recent log lines and mirrors them to a JSON file so
// they survive a reboot. A zero path keeps it in memory only.
type Ring struct {
	mu   sync.Mutex
	path string
	logs []Entry
}

func NewRing(path string) *Ring {
	return &Ring{path: path, logs: load(path)}
}

func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, Entry{
		Time: time.Now().Format("15:04:05"),
		Msg:  strings.TrimRight(string(p), "\n"),
	})

	if len(r.logs) > maxLogs {
		r.logs = r.logs[len(r.logs)-maxLogs:]
	}

	r.save()
	return len(p), nil
}

// Tail returns up to n of the newest entries, oldest first.
func (r *Ring) Tail(n int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.logs) {
		n = len(r.logs)
	}
	return append([]Entry{}, r.logs[len(r.logs)-n:]...)
}

func load(path string) []Entry {
	if path == "" {
		return []Entry{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return []Entry{}
	}
	var logs []Entry
	if json.Unmarshal(data, &logs) != nil {
		return []Entry{}
	}
	return logs
}

func (r *Ring) save() {
	if r.path == "" {
		return
	}
	data, _ := json.Marshal(r.logs)
	os.MkdirAll(filepath.Dir(r.path), 0755)
	os.WriteFile(r.path, data, 0644)
}

// New builds the process logger: colored tint output in dev, JSON in prod.
// Every record is also copied into ring. The stdlib log package is routed
// through the same writer so stray log.Printf calls are kept too.
func New(cfg config.Config, version string, ring *Ring) *slog.Logger {
	return newLogger(cfg, version, os.Stdout, ring)
}

func newLogger(cfg config.Config, version string, out io.Writer, ring *Ring) *slog.Logger {
	w := out
	if ring != nil {
		w = io.MultiWriter(out, &plain{ring: ring})
	}
	log.SetOutput(w)

	if cfg.AppEnv == "dev" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", "capyd")
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With(
		"app", "capyd",
		"version", version,
		"env", cfg.AppEnv,
	)
}

// plain strips ANSI color sequences before they reach the ring.
type plain struct {
	ring *Ring
}

func (p *plain) Write(b []byte) (int, error) {
	if _, err := p.ring.Write(stripANSI(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func stripANSI(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == 0x1b && i+1 < len(b) && b[i+1] == '[' {
			i += 2
			for i < len(b) && (b[i] < 0x40 || b[i] > 0x7e) {
				i++
			}
			continue
		}
		out = append(out, b[i])
	}
	return out
}
