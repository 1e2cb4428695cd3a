package peripheral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/gofrs/uuid"

	"capy-firmware/pkg/protocol"
)

var (
	errBusy           = errors.New("another central is connected")
	errNotAdvertising = errors.New("not accepting connections")
	errGone           = errors.New("connection already dropped")
)

// DefaultRSSIInterval is how often the link RSSI is logged.
const DefaultRSSIInterval = 2 * time.Second

// GoBLE is the Linux HCI transport. The first GATT request arriving from a
// connection claims the link; requests from any other connection are
// refused until it disconnects.
type GoBLE struct {
	dev    ble.Device
	logger *slog.Logger

	RSSIInterval time.Duration

	mu     sync.Mutex
	active *bleLink
	claim  chan *bleLink
}

// NewGoBLE opens HCI device hciN and registers the provisioning service.
func NewGoBLE(deviceID int, logger *slog.Logger) (*GoBLE, error) {
	d, err := linux.NewDevice(ble.OptDeviceID(deviceID))
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	return NewGoBLEWithDevice(d, logger)
}

func NewGoBLEWithDevice(d ble.Device, logger *slog.Logger) (*GoBLE, error) {
	g := &GoBLE{
		dev:          d,
		logger:       logger.With("component", "hci"),
		RSSIInterval: DefaultRSSIInterval,
	}

	svc := ble.NewService(bleUUID(protocol.ServiceUUID))
	for _, c := range protocol.Characteristics {
		c := c
		ch := svc.NewCharacteristic(bleUUID(c.UUID()))
		ch.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			g.dispatch(req, rsp, OpRead, c)
		}))
		ch.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			g.dispatch(req, rsp, OpWrite, c)
		}))
		// Subscriptions are accepted but nothing is ever pushed.
		ch.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			<-n.Context().Done()
		}))
	}

	if err := d.AddService(svc); err != nil {
		return nil, fmt.Errorf("failed to add service: %w", err)
	}
	return g, nil
}

func bleUUID(u uuid.UUID) ble.UUID {
	if short, ok := protocol.Short(u); ok {
		return ble.UUID16(short)
	}
	return ble.MustParse(u.String())
}

func (g *GoBLE) Advertise(ctx context.Context, name string) (Link, error) {
	claim := make(chan *bleLink, 1)
	g.mu.Lock()
	if g.active != nil {
		g.mu.Unlock()
		return nil, errBusy
	}
	g.claim = claim
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.claim = nil
		g.mu.Unlock()
	}()

	advCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- g.dev.AdvertiseNameAndServices(advCtx, name, bleUUID(protocol.ServiceUUID))
	}()

	select {
	case l := <-claim:
		cancel()
		<-errc
		return l, nil
	case err := <-errc:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = errors.New("advertising stopped")
		}
		return nil, fmt.Errorf("advertising: %w", err)
	case <-ctx.Done():
		<-errc
		return nil, ctx.Err()
	}
}

func (g *GoBLE) dispatch(req ble.Request, rsp ble.ResponseWriter, op Op, c protocol.Characteristic) {
	l, err := g.linkFor(req.Conn())
	if err != nil {
		g.logger.Warn("refusing gatt request", "remote", req.Conn().RemoteAddr().String(), "err", err)
		rsp.SetStatus(ble.ATTError(StatusUnlikely))
		return
	}

	resp, ok := l.deliver(op, c, append([]byte(nil), req.Data()...))
	if !ok {
		rsp.SetStatus(ble.ATTError(StatusUnlikely))
		return
	}
	if resp.Status != StatusOK {
		rsp.SetStatus(ble.ATTError(resp.Status))
		return
	}
	if op == OpRead {
		rsp.Write(resp.Value)
	}
}

func (g *GoBLE) linkFor(conn ble.Conn) (*bleLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != nil {
		if g.active.conn == conn {
			return g.active, nil
		}
		return nil, errBusy
	}
	if g.claim == nil {
		return nil, errNotAdvertising
	}
	select {
	case <-conn.Disconnected():
		return nil, errGone
	default:
	}

	l := &bleLink{
		conn:   conn,
		events: make(chan Event),
		closed: make(chan struct{}),
	}
	g.active = l
	g.claim <- l
	g.claim = nil

	go g.watch(l)
	return l, nil
}

// watch logs the link RSSI until the link ends, then frees the slot. The
// slot is freed before the link reports closed, so the next Advertise never
// sees a stale active link.
func (g *GoBLE) watch(l *bleLink) {
	ticker := time.NewTicker(g.RSSIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.conn.Disconnected():
		case <-l.closed:
		case <-ticker.C:
			g.logger.Debug("link rssi", "remote", l.Remote(), "rssi", l.conn.ReadRSSI())
			continue
		}
		break
	}

	g.mu.Lock()
	if g.active == l {
		g.active = nil
	}
	g.mu.Unlock()
	l.shutdown()
}

// Stop releases the HCI device.
func (g *GoBLE) Stop() error {
	return g.dev.Stop()
}

type bleLink struct {
	conn   ble.Conn
	events chan Event
	closed chan struct{}
	once   sync.Once
}

func (l *bleLink) deliver(op Op, c protocol.Characteristic, data []byte) (Response, bool) {
	done := make(chan Response, 1)
	ev := NewEvent(op, c, data, func(r Response) { done <- r })

	select {
	case l.events <- ev:
	case <-l.closed:
		return Response{}, false
	}
	select {
	case r := <-done:
		return r, true
	case <-l.closed:
		return Response{}, false
	}
}

func (l *bleLink) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.closed:
		return Event{}, ErrLinkClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (l *bleLink) Remote() string {
	return l.conn.RemoteAddr().String()
}

func (l *bleLink) Close() error {
	l.shutdown()
	return l.conn.Close()
}

func (l *bleLink) shutdown() {
	l.once.Do(func() { close(l.closed) })
}
