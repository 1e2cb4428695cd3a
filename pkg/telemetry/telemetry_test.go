package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"capy-firmware/pkg/metrics"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
	"capy-firmware/pkg/wifi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewPublisher(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "", want: "<nil>"},
		{url: "ws://relay.local/device", want: "*telemetry.Relay"},
		{url: "wss://relay.example.com/device", want: "*telemetry.Relay"},
		{url: "tcp://broker.local:1883", want: "*telemetry.MQTT"},
		{url: "http://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			pub, err := NewPublisher(tt.url, "host1", testLogger())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewPublisher() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPublisher() error = %v, want nil", err)
			}
			got := "<nil>"
			switch pub.(type) {
			case *Relay:
				got = "*telemetry.Relay"
			case *MQTT:
				got = "*telemetry.MQTT"
			}
			if got != tt.want {
				t.Fatalf("NewPublisher() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTopic(t *testing.T) {
	if got := Topic("abc"); got != "capycoder/abc/status" {
		t.Fatalf("Topic() = %q", got)
	}
}

type fakeWiFi struct{}

func (fakeWiFi) State() wifi.State { return wifi.StateConnected }
func (fakeWiFi) Attempts() int     { return 4 }
func (fakeWiFi) Failures() int     { return 3 }

func TestReporter_Collect(t *testing.T) {
	fetched := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	src := Sources{
		Config:    state.NewCellWith(store.Config{WiFi: store.WiFi{SSID: "home"}}),
		Dashboard: state.NewCellWith(metrics.Dashboard{FetchedAt: fetched, LastError: "timeout"}),
		WiFi:      fakeWiFi{},
	}
	r := NewReporter(nil, src, "host1", "1.0.0", time.Minute, testLogger())
	r.uptime = func(context.Context) (uint64, error) { return 42, nil }

	rep := r.Collect(context.Background())
	if rep.HostID != "host1" || rep.Version != "1.0.0" || rep.Session == "" {
		t.Errorf("identity = %q %q %q", rep.HostID, rep.Version, rep.Session)
	}
	if !rep.Provisioned || rep.WiFiState != "connected" || rep.Attempts != 4 || rep.Failures != 3 {
		t.Errorf("wifi fields = %+v", rep)
	}
	if !rep.LastFetch.Equal(fetched) || rep.LastError != "timeout" {
		t.Errorf("metrics fields = %v %q", rep.LastFetch, rep.LastError)
	}
	if rep.UptimeSeconds != 42 || rep.BatteryPercent != 100 || !rep.OnACPower {
		t.Errorf("host fields = %+v", rep)
	}

	again := NewReporter(nil, src, "host1", "1.0.0", time.Minute, testLogger())
	if again.session == r.session {
		t.Errorf("two reporters share session %s", r.session)
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	reports []Report
	fail    bool
}

func (p *fakePublisher) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePublisher) Publish(_ context.Context, r Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return ErrNotConnected
	}
	p.reports = append(p.reports, r)
	return nil
}

func TestReporter_Run(t *testing.T) {
	pub := &fakePublisher{fail: true}
	r := NewReporter(pub, Sources{}, "host1", "dev", time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	if r.Sent() != 0 {
		t.Fatalf("Sent() = %d while the publisher fails", r.Sent())
	}

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for r.Sent() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("reporter never recovered")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan Message, 4)
	var deviceID string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		deviceID = req.URL.Query().Get("deviceId")
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			got <- msg
		}
	}))
	defer srv.Close()

	relay := NewRelay("ws"+strings.TrimPrefix(srv.URL, "http")+"/device", "host1", testLogger())
	relay.ReconnectDelay = 5 * time.Millisecond

	if err := relay.Publish(context.Background(), Report{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() before connect error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !relay.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("relay never connected")
		}
		time.Sleep(time.Millisecond)
	}

	if err := relay.Publish(ctx, Report{HostID: "host1", WiFiState: "connected"}); err != nil {
		t.Fatalf("Publish() error = %v, want nil", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "status" {
			t.Fatalf("message type = %q, want status", msg.Type)
		}
		var rep Report
		if err := json.Unmarshal(msg.Payload, &rep); err != nil || rep.WiFiState != "connected" {
			t.Fatalf("payload = %s, %v", msg.Payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay server got nothing")
	}

	mu.Lock()
	if deviceID != "host1" {
		t.Errorf("deviceId = %q, want host1", deviceID)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
	if relay.Connected() {
		t.Fatalf("relay still connected after stop")
	}
}
