package peripheral

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"capy-firmware/pkg/protocol"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLink struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan Event, 16), closed: make(chan struct{})}
}

func (l *fakeLink) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.closed:
		return Event{}, ErrLinkClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (l *fakeLink) Remote() string { return "AA:BB:CC:DD:EE:FF" }

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

type fakeTransport struct {
	links chan *fakeLink

	mu         sync.Mutex
	advertised int
}

func (t *fakeTransport) Advertise(ctx context.Context, name string) (Link, error) {
	t.mu.Lock()
	t.advertised++
	t.mu.Unlock()
	select {
	case l := <-t.links:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) advertiseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertised
}

type fakeStore struct {
	mu    sync.Mutex
	saves []store.Config
	err   error
}

func (s *fakeStore) Commit(cell *state.Cell[store.Config], fn func(*store.Config)) (store.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cell.Update(func(cur store.Config, _ bool) store.Config {
		fn(&cur)
		return cur
	})
	if s.err != nil {
		return c, s.err
	}
	s.saves = append(s.saves, c)
	return c, nil
}

func (s *fakeStore) last() (store.Config, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return store.Config{}, 0
	}
	return s.saves[len(s.saves)-1], len(s.saves)
}

type harness struct {
	t      *testing.T
	tr     *fakeTransport
	cell   *state.Cell[store.Config]
	store  *fakeStore
	p      *Peripheral
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cell *state.Cell[store.Config], st *fakeStore) *harness {
	t.Helper()
	tr := &fakeTransport{links: make(chan *fakeLink)}
	p := New(tr, cell, st, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, tr: tr, cell: cell, store: st, p: p, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(time.Second):
		}
	})
	return h
}

func (h *harness) connect() *fakeLink {
	h.t.Helper()
	l := newFakeLink()
	select {
	case h.tr.links <- l:
	case <-time.After(time.Second):
		h.t.Fatalf("peripheral never advertised")
	}
	return l
}

// send delivers one event and returns every reply it got within a short
// window.
func send(t *testing.T, l *fakeLink, op Op, c protocol.Characteristic, data []byte) []Response {
	t.Helper()
	var mu sync.Mutex
	var replies []Response
	got := make(chan struct{}, 4)
	l.events <- NewEvent(op, c, data, func(r Response) {
		mu.Lock()
		replies = append(replies, r)
		mu.Unlock()
		got <- struct{}{}
	})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("%v %v: no reply", op, c)
	}
	time.Sleep(5 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	return append([]Response(nil), replies...)
}

func one(t *testing.T, replies []Response) Response {
	t.Helper()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want exactly 1", len(replies))
	}
	return replies[0]
}

func TestPeripheral_WritePersists(t *testing.T) {
	h := start(t, state.NewCell[store.Config](), &fakeStore{})
	l := h.connect()

	writes := []struct {
		c    protocol.Characteristic
		data string
	}{
		{protocol.CharToken, "ghp_abc"},
		{protocol.CharSSID, "home"},
		{protocol.CharPassword, "secret123"},
	}
	for _, w := range writes {
		if r := one(t, send(t, l, OpWrite, w.c, []byte(w.data))); r.Status != StatusOK {
			t.Fatalf("write %v status = %#x, want OK", w.c, r.Status)
		}
	}

	want := store.Config{WiFi: store.WiFi{SSID: "home", Password: "secret123"}, Token: "ghp_abc"}
	got, ok := h.cell.Get()
	if !ok || got != want {
		t.Fatalf("cell = %+v, %v, want %+v", got, ok, want)
	}
	saved, n := h.store.last()
	if n != 3 || saved != want {
		t.Fatalf("store saw %d saves, last %+v, want 3 saves ending in %+v", n, saved, want)
	}
	for _, w := range writes {
		if v := string(h.p.Value(w.c)); v != w.data {
			t.Errorf("Value(%v) = %q, want %q", w.c, v, w.data)
		}
	}
}

func TestPeripheral_AlwaysAcknowledge(t *testing.T) {
	h := start(t, state.NewCell[store.Config](), &fakeStore{})
	l := h.connect()

	tests := []struct {
		name string
		op   Op
		c    protocol.Characteristic
		data []byte
		want ATTStatus
	}{
		{"read known", OpRead, protocol.CharSSID, nil, StatusOK},
		{"read unknown", OpRead, protocol.CharUnknown, nil, StatusAttrNotFound},
		{"write unknown", OpWrite, protocol.CharUnknown, []byte("x"), StatusRequestNotSupported},
		{"write too long", OpWrite, protocol.CharPassword, []byte(strings.Repeat("p", 25)), StatusInvalidLength},
		{"write invalid utf-8", OpWrite, protocol.CharToken, []byte{0xff, 0xfe}, StatusValueNotAllowed},
		{"bad tokens record", OpWrite, protocol.CharTokens, []byte("{"), StatusValueNotAllowed},
		{"other event", OpOther, protocol.CharUnknown, nil, StatusOK},
		{"valid write", OpWrite, protocol.CharSSID, []byte("home"), StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := one(t, send(t, l, tt.op, tt.c, tt.data))
			if r.Status != tt.want {
				t.Fatalf("status = %#x, want %#x", r.Status, tt.want)
			}
		})
	}
}

func TestPeripheral_RejectsOverlongSSID(t *testing.T) {
	seed := store.Config{WiFi: store.WiFi{SSID: "old"}}
	st := &fakeStore{}
	h := start(t, state.NewCellWith(seed), st)
	l := h.connect()

	ssid30 := strings.Repeat("n", 30)
	r := one(t, send(t, l, OpWrite, protocol.CharSSID, []byte(ssid30)))
	if r.Status != StatusInvalidLength {
		t.Fatalf("status = %#x, want StatusInvalidLength", r.Status)
	}

	if v := string(h.p.Value(protocol.CharSSID)); v != "old" {
		t.Errorf("buffer = %q, want unchanged %q", v, "old")
	}
	if got, _ := h.cell.Get(); got != seed {
		t.Errorf("cell = %+v, want unchanged %+v", got, seed)
	}
	if _, n := st.last(); n != 0 {
		t.Errorf("store saw %d saves, want 0", n)
	}

	// exactly at capacity is accepted
	ssid24 := strings.Repeat("n", protocol.WireCapacity)
	if r := one(t, send(t, l, OpWrite, protocol.CharSSID, []byte(ssid24))); r.Status != StatusOK {
		t.Fatalf("24-byte write status = %#x, want OK", r.Status)
	}
	if got, _ := h.cell.Get(); got.WiFi.SSID != ssid24 {
		t.Errorf("cell ssid = %q, want %q", got.WiFi.SSID, ssid24)
	}
}

func TestPeripheral_ReadSeededFromCell(t *testing.T) {
	cfg := store.Config{WiFi: store.WiFi{SSID: "home", Password: "pw"}, Token: strings.Repeat("t", 40)}
	h := start(t, state.NewCellWith(cfg), &fakeStore{})
	l := h.connect()

	r := one(t, send(t, l, OpRead, protocol.CharSSID, nil))
	if string(r.Value) != "home" {
		t.Errorf("read ssid = %q, want home", r.Value)
	}
	r = one(t, send(t, l, OpRead, protocol.CharToken, nil))
	if len(r.Value) != protocol.WireCapacity {
		t.Errorf("read token len = %d, want clipped to %d", len(r.Value), protocol.WireCapacity)
	}
	r = one(t, send(t, l, OpRead, protocol.CharTokens, nil))
	rec, err := protocol.DecodeTokens(r.Value)
	if err != nil || rec.GitHub != cfg.Token {
		t.Errorf("read tokens = %+v, %v, want full token", rec, err)
	}
}

func TestPeripheral_TokensRecordWrite(t *testing.T) {
	h := start(t, state.NewCell[store.Config](), &fakeStore{})
	l := h.connect()

	long := "ghp_" + strings.Repeat("z", 36)
	data, err := protocol.EncodeTokens(protocol.TokensRecord{GitHub: long})
	if err != nil {
		t.Fatal(err)
	}
	if r := one(t, send(t, l, OpWrite, protocol.CharTokens, data)); r.Status != StatusOK {
		t.Fatalf("status = %#x, want OK", r.Status)
	}
	if got, _ := h.cell.Get(); got.Token != long {
		t.Fatalf("cell token = %q, want %q", got.Token, long)
	}
	if v := h.p.Value(protocol.CharToken); string(v) != long[:protocol.WireCapacity] {
		t.Errorf("token buffer = %q, want clipped token", v)
	}
}

func TestPeripheral_TokenWriteRefreshesTokensRecord(t *testing.T) {
	cfg := store.Config{Token: "ghp_old"}
	h := start(t, state.NewCellWith(cfg), &fakeStore{})
	l := h.connect()

	if r := one(t, send(t, l, OpWrite, protocol.CharToken, []byte("ghp_new"))); r.Status != StatusOK {
		t.Fatalf("status = %#x, want OK", r.Status)
	}

	r := one(t, send(t, l, OpRead, protocol.CharTokens, nil))
	rec, err := protocol.DecodeTokens(r.Value)
	if err != nil || rec.GitHub != "ghp_new" {
		t.Fatalf("read tokens = %+v, %v, want ghp_new", rec, err)
	}
}

func TestPeripheral_OneLinkAtATime(t *testing.T) {
	h := start(t, state.NewCell[store.Config](), &fakeStore{})
	first := h.connect()
	one(t, send(t, first, OpWrite, protocol.CharSSID, []byte("a")))

	if n := h.tr.advertiseCount(); n != 1 {
		t.Fatalf("Advertise called %d times while a link is active, want 1", n)
	}
	if s := h.p.State(); s != StateConnected {
		t.Fatalf("State() = %v, want connected", s)
	}

	first.Close()
	second := h.connect()
	if n := h.tr.advertiseCount(); n != 2 {
		t.Fatalf("Advertise called %d times after disconnect, want 2", n)
	}
	one(t, send(t, second, OpWrite, protocol.CharSSID, []byte("b")))

	if got, _ := h.cell.Get(); got.WiFi.SSID != "b" {
		t.Fatalf("cell ssid = %q, want b", got.WiFi.SSID)
	}
	if h.p.Links() != 2 {
		t.Fatalf("Links() = %d, want 2", h.p.Links())
	}
}

func TestPeripheral_SaveFailureIsFatal(t *testing.T) {
	boom := errors.New("flash busy")
	h := start(t, state.NewCell[store.Config](), &fakeStore{err: boom})
	l := h.connect()

	r := one(t, send(t, l, OpWrite, protocol.CharSSID, []byte("home")))
	if r.Status != StatusUnlikely {
		t.Fatalf("status = %#x, want StatusUnlikely", r.Status)
	}

	select {
	case err := <-h.done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run() error = %v, want wrapped flash error", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run() did not return after a failed save")
	}
	select {
	case <-l.closed:
	default:
		t.Fatalf("link left open after fatal error")
	}
}

func TestEvent_ReplyOnce(t *testing.T) {
	n := 0
	ev := NewEvent(OpWrite, protocol.CharSSID, nil, func(Response) { n++ })
	if !ev.Reply(Response{}) {
		t.Fatalf("first Reply() = false, want true")
	}
	if ev.Reply(Response{}) {
		t.Fatalf("second Reply() = true, want false")
	}
	if n != 1 {
		t.Fatalf("reply fn called %d times, want 1", n)
	}
}
