package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"capy-firmware/pkg/globals"
)

// Config holds the runtime settings of the device firmware. Credentials are
// not part of it; those live in the flash record (see pkg/store).
type Config struct {
	AppEnv   string
	LogLevel slog.Level

	FlashPath string
	WiFiIface string
	BLEDevice int

	MetricsBaseURL  string
	MetricsUser     string
	MetricsPerPage  int
	MetricsInterval time.Duration

	TelemetryURL      string
	TelemetryInterval time.Duration

	ResetPin       string
	RenderInterval time.Duration
	DisplayWidth   int
}

var defaults = map[string]string{
	"APP_ENV":            "prod",
	"LOG_LEVEL":          "info",
	"WIFI_IFACE":         "wlan0",
	"BLE_DEVICE_ID":      "0",
	"METRICS_BASE_URL":   "https://capycoding.fly.dev",
	"METRICS_PER_PAGE":   "5",
	"METRICS_INTERVAL":   "5m",
	"TELEMETRY_INTERVAL": "1m",
	"RENDER_INTERVAL":    "5s",
	"DISPLAY_WIDTH":      "48",
}

// Load builds the settings from defaults, then the optional JSON file at path,
// then the environment. A missing file is not an error.
func Load(path string) (Config, error) {
	raw := make(map[string]string, len(defaults))
	for k, v := range defaults {
		raw[k] = v
	}
	raw["FLASH_PATH"] = globals.FlashImagePath

	if path != "" {
		if err := overlayFile(raw, path); err != nil {
			return Config{}, err
		}
	}
	for k := range knownKeys {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
			raw[k] = v
		}
	}

	return parse(raw)
}

// LoadFromEnv ignores any settings file.
func LoadFromEnv() (Config, error) {
	return Load("")
}

var knownKeys = map[string]struct{}{
	"APP_ENV": {}, "LOG_LEVEL": {}, "FLASH_PATH": {}, "WIFI_IFACE": {}, "BLE_DEVICE_ID": {},
	"METRICS_BASE_URL": {}, "METRICS_USER": {}, "METRICS_PER_PAGE": {}, "METRICS_INTERVAL": {},
	"TELEMETRY_URL": {}, "TELEMETRY_INTERVAL": {}, "RESET_PIN": {}, "RENDER_INTERVAL": {},
	"DISPLAY_WIDTH": {},
}

func overlayFile(raw map[string]string, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	var file map[string]any
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}

	for k, v := range file {
		if _, ok := knownKeys[k]; !ok {
			return fmt.Errorf("unknown settings key %q", k)
		}
		if v == nil {
			continue
		}
		raw[k] = fmt.Sprint(v)
	}
	return nil
}

func parse(raw map[string]string) (Config, error) {
	get := func(k string) string { return strings.TrimSpace(raw[k]) }

	appEnv := get("APP_ENV")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(get("LOG_LEVEL"))
	if err != nil {
		return Config{}, err
	}

	flashPath := get("FLASH_PATH")
	if flashPath == "" {
		return Config{}, fmt.Errorf("FLASH_PATH must not be empty")
	}

	bleDevice, err := strconv.Atoi(get("BLE_DEVICE_ID"))
	if err != nil || bleDevice < 0 {
		return Config{}, fmt.Errorf("invalid BLE_DEVICE_ID %q", get("BLE_DEVICE_ID"))
	}

	baseURL := strings.TrimRight(get("METRICS_BASE_URL"), "/")
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid METRICS_BASE_URL %q", baseURL)
	}

	perPage, err := strconv.Atoi(get("METRICS_PER_PAGE"))
	if err != nil || perPage <= 0 || perPage > 100 {
		return Config{}, fmt.Errorf("invalid METRICS_PER_PAGE %q (allowed: 1-100)", get("METRICS_PER_PAGE"))
	}

	metricsInterval, err := positiveDuration("METRICS_INTERVAL", get("METRICS_INTERVAL"))
	if err != nil {
		return Config{}, err
	}

	telemetryURL := get("TELEMETRY_URL")
	if telemetryURL != "" {
		tu, err := url.Parse(telemetryURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TELEMETRY_URL %q: %w", telemetryURL, err)
		}
		switch tu.Scheme {
		case "ws", "wss", "tcp", "mqtt", "ssl", "tls":
		default:
			return Config{}, fmt.Errorf("invalid TELEMETRY_URL scheme %q (allowed: ws, wss, tcp, mqtt, ssl, tls)", tu.Scheme)
		}
	}

	telemetryInterval, err := positiveDuration("TELEMETRY_INTERVAL", get("TELEMETRY_INTERVAL"))
	if err != nil {
		return Config{}, err
	}

	renderInterval, err := positiveDuration("RENDER_INTERVAL", get("RENDER_INTERVAL"))
	if err != nil {
		return Config{}, err
	}

	width, err := strconv.Atoi(get("DISPLAY_WIDTH"))
	if err != nil || width < 20 {
		return Config{}, fmt.Errorf("invalid DISPLAY_WIDTH %q (minimum 20)", get("DISPLAY_WIDTH"))
	}

	return Config{
		AppEnv:            appEnv,
		LogLevel:          level,
		FlashPath:         flashPath,
		WiFiIface:         get("WIFI_IFACE"),
		BLEDevice:         bleDevice,
		MetricsBaseURL:    baseURL,
		MetricsUser:       get("METRICS_USER"),
		MetricsPerPage:    perPage,
		MetricsInterval:   metricsInterval,
		TelemetryURL:      telemetryURL,
		TelemetryInterval: telemetryInterval,
		ResetPin:          get("RESET_PIN"),
		RenderInterval:    renderInterval,
		DisplayWidth:      width,
	}, nil
}

func positiveDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
