package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for k := range knownKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "prod" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "prod")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.WiFiIface != "wlan0" {
		t.Errorf("WiFiIface = %q, want %q", got.WiFiIface, "wlan0")
	}
	if got.MetricsInterval != 5*time.Minute {
		t.Errorf("MetricsInterval = %v, want %v", got.MetricsInterval, 5*time.Minute)
	}
	if got.TelemetryURL != "" {
		t.Errorf("TelemetryURL = %q, want empty", got.TelemetryURL)
	}
	if got.FlashPath == "" {
		t.Errorf("FlashPath is empty, want default image path")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", " dev ")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("METRICS_BASE_URL", "http://localhost:8080/")
	t.Setenv("METRICS_USER", "octocat")
	t.Setenv("METRICS_PER_PAGE", "10")
	t.Setenv("TELEMETRY_URL", "mqtt://broker:1883")
	t.Setenv("RENDER_INTERVAL", "250ms")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelDebug)
	}
	if got.MetricsBaseURL != "http://localhost:8080" {
		t.Errorf("MetricsBaseURL = %q, want trailing slash trimmed", got.MetricsBaseURL)
	}
	if got.MetricsUser != "octocat" || got.MetricsPerPage != 10 {
		t.Errorf("metrics = %q/%d, want octocat/10", got.MetricsUser, got.MetricsPerPage)
	}
	if got.RenderInterval != 250*time.Millisecond {
		t.Errorf("RenderInterval = %v, want 250ms", got.RenderInterval)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "app env", key: "APP_ENV", value: "staging"},
		{name: "log level", key: "LOG_LEVEL", value: "verbose"},
		{name: "base url scheme", key: "METRICS_BASE_URL", value: "ftp://example.com"},
		{name: "per page zero", key: "METRICS_PER_PAGE", value: "0"},
		{name: "per page too big", key: "METRICS_PER_PAGE", value: "101"},
		{name: "negative interval", key: "METRICS_INTERVAL", value: "-1s"},
		{name: "bad duration", key: "RENDER_INTERVAL", value: "soon"},
		{name: "telemetry scheme", key: "TELEMETRY_URL", value: "http://example.com"},
		{name: "ble device", key: "BLE_DEVICE_ID", value: "hci0"},
		{name: "narrow display", key: "DISPLAY_WIDTH", value: "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want non-nil for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	body := `{"METRICS_USER": "from-file", "METRICS_PER_PAGE": 7, "WIFI_IFACE": "wlp2s0"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("METRICS_USER", "from-env")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if got.MetricsUser != "from-env" {
		t.Errorf("MetricsUser = %q, want env to win", got.MetricsUser)
	}
	if got.MetricsPerPage != 7 {
		t.Errorf("MetricsPerPage = %d, want 7 from file", got.MetricsPerPage)
	}
	if got.WiFiIface != "wlp2s0" {
		t.Errorf("WiFiIface = %q, want wlp2s0 from file", got.WiFiIface)
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"relayUrl": "wss://x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() error = nil, want unknown key error")
	}
}
