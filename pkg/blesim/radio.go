// Package blesim is an in-memory BLE medium. A Radio is both the
// peripheral's controller and the central's adapter, so the two sides of
// provisioning can run against each other without hardware.
package blesim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"capy-firmware/pkg/central"
	"capy-firmware/pkg/peripheral"
	"capy-firmware/pkg/protocol"
)

var (
	ErrBusy           = errors.New("peripheral already has a connection")
	ErrNotAdvertising = errors.New("peripheral is not advertising")
	ErrLinkLost       = errors.New("link lost")
)

const (
	PeripheralAddress = "CA:FE:00:00:BE:EF"
	centralAddress    = "DE:5C:70:00:00:01"
	scanPoll          = 10 * time.Millisecond
)

type advert struct {
	name  string
	claim chan *link
}

type Radio struct {
	logger *slog.Logger

	mu     sync.Mutex
	adv    *advert
	active *link
}

func NewRadio(logger *slog.Logger) *Radio {
	return &Radio{logger: logger.With("component", "blesim")}
}

// Advertise implements peripheral.Transport.
func (r *Radio) Advertise(ctx context.Context, name string) (peripheral.Link, error) {
	a := &advert{name: name, claim: make(chan *link, 1)}

	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	r.adv = a
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.adv == a {
			r.adv = nil
		}
		r.mu.Unlock()
	}()

	select {
	case l := <-a.claim:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scan implements central.Adapter. It returns as soon as the peripheral is
// seen, or empty-handed once window has elapsed.
func (r *Radio) Scan(ctx context.Context, window time.Duration) ([]central.Advertisement, error) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	tick := time.NewTicker(scanPoll)
	defer tick.Stop()

	for {
		r.mu.Lock()
		a := r.adv
		r.mu.Unlock()
		if a != nil {
			return []central.Advertisement{{Name: a.name, Address: PeripheralAddress, RSSI: -42}}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-tick.C:
		}
	}
}

// Connect implements central.Adapter.
func (r *Radio) Connect(ctx context.Context, adv central.Advertisement) (central.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrBusy
	}
	if r.adv == nil || adv.Address != PeripheralAddress {
		return nil, ErrNotAdvertising
	}

	l := &link{radio: r, wake: make(chan struct{}, 1)}
	r.active = l
	r.adv.claim <- l
	r.adv = nil

	r.logger.Debug("central connected")
	return &peer{link: l}, nil
}

func (r *Radio) release(l *link) {
	r.mu.Lock()
	if r.active == l {
		r.active = nil
		r.logger.Debug("link released")
	}
	r.mu.Unlock()
}

// Connected reports whether a link is currently held.
func (r *Radio) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

type link struct {
	radio *Radio
	wake  chan struct{}

	mu     sync.Mutex
	queue  []peripheral.Event
	hangup bool
	closed bool
}

func (l *link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) push(c protocol.Characteristic, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hangup || l.closed {
		return ErrLinkLost
	}
	ev := peripheral.NewEvent(peripheral.OpWrite, c, data, func(resp peripheral.Response) {
		if resp.Status != peripheral.StatusOK {
			l.radio.logger.Debug("write answered with error", "char", c.String(), "status", resp.Status)
		}
	})
	l.queue = append(l.queue, ev)
	l.signal()
	return nil
}

// Next hands out queued writes in order; after the central hangs up it
// drains the queue before reporting the link closed.
func (l *link) Next(ctx context.Context) (peripheral.Event, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return peripheral.Event{}, peripheral.ErrLinkClosed
		}
		if len(l.queue) > 0 {
			ev := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return ev, nil
		}
		if l.hangup {
			l.closed = true
			l.mu.Unlock()
			l.radio.release(l)
			return peripheral.Event{}, peripheral.ErrLinkClosed
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-ctx.Done():
			return peripheral.Event{}, ctx.Err()
		}
	}
}

func (l *link) Remote() string { return centralAddress }

func (l *link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	l.signal()
	l.radio.release(l)
	return nil
}

type peer struct {
	link *link
}

func (p *peer) DiscoverServices(ctx context.Context) ([]central.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svc := central.Service{UUID: protocol.ServiceUUID}
	for _, c := range protocol.Characteristics {
		svc.Characteristics = append(svc.Characteristics, c.UUID())
	}
	return []central.Service{svc}, nil
}

func (p *peer) WriteWithoutResponse(svc, char uuid.UUID, data []byte) error {
	c := protocol.CharUnknown
	if svc == protocol.ServiceUUID {
		c = protocol.ByUUID(char)
	}
	return p.link.push(c, append([]byte(nil), data...))
}

func (p *peer) Disconnect() error {
	p.link.mu.Lock()
	p.link.hangup = true
	p.link.mu.Unlock()
	p.link.signal()
	return nil
}
