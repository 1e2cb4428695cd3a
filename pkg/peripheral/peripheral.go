// Package peripheral is the device side of BLE provisioning.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"capy-firmware/pkg/protocol"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

// Persister applies a change to the config cell and writes the result to
// flash as one step. *store.Store implements it.
type Persister interface {
	Commit(cell *state.Cell[store.Config], fn func(*store.Config)) (store.Config, error)
}

type State int

const (
	StateIdle State = iota
	StateAdvertising
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAdvertising:
		return "advertising"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

type Peripheral struct {
	transport Transport
	cell      *state.Cell[store.Config]
	store     Persister
	logger    *slog.Logger
	name      string

	mu      sync.Mutex
	buffers map[protocol.Characteristic][]byte
	state   State
	links   int
}

// New seeds the characteristic buffers from the config currently in cell.
func New(t Transport, cell *state.Cell[store.Config], s Persister, logger *slog.Logger) *Peripheral {
	p := &Peripheral{
		transport: t,
		cell:      cell,
		store:     s,
		logger:    logger.With("component", "ble"),
		name:      protocol.PeripheralName,
		buffers:   make(map[protocol.Characteristic][]byte),
	}

	if cfg, ok := cell.Get(); ok {
		p.buffers[protocol.CharSSID] = clip(cfg.WiFi.SSID)
		p.buffers[protocol.CharPassword] = clip(cfg.WiFi.Password)
		p.buffers[protocol.CharToken] = clip(cfg.Token)
		if rec, err := protocol.EncodeTokens(protocol.TokensRecord{GitHub: cfg.Token}); err == nil {
			p.buffers[protocol.CharTokens] = rec
		}
	}
	return p
}

func clip(s string) []byte {
	if len(s) > protocol.WireCapacity {
		s = s[:protocol.WireCapacity]
	}
	return []byte(s)
}

// Run advertises, services one central at a time, and re-advertises after
// each disconnect. It returns on ctx cancellation or a fatal error from the
// controller or the flash.
func (p *Peripheral) Run(ctx context.Context) error {
	defer p.setState(StateStopped)

	for {
		p.setState(StateAdvertising)
		p.logger.Info("advertising", "name", p.name, "service", protocol.ServiceUUID)

		link, err := p.transport.Advertise(ctx, p.name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("advertise: %w", err)
		}

		p.mu.Lock()
		p.state = StateConnected
		p.links++
		p.mu.Unlock()
		p.logger.Info("central connected", "remote", link.Remote())

		err = p.serve(ctx, link)
		if errors.Is(err, ErrLinkClosed) {
			p.logger.Info("central disconnected", "remote", link.Remote())
			continue
		}
		link.Close()
		return err
	}
}

func (p *Peripheral) serve(ctx context.Context, link Link) error {
	for {
		ev, err := link.Next(ctx)
		if err != nil {
			return err
		}

		resp, err := p.handle(ev)
		ev.Reply(resp)
		if err != nil {
			return err
		}
	}
}

func (p *Peripheral) handle(ev Event) (Response, error) {
	switch ev.Op {
	case OpRead:
		if ev.Char == protocol.CharUnknown {
			p.logger.Debug("read of unknown characteristic")
			return Response{Status: StatusAttrNotFound}, nil
		}
		v := p.Value(ev.Char)
		p.logger.Debug("read", "char", ev.Char.String(), "len", len(v))
		return Response{Status: StatusOK, Value: v}, nil

	case OpWrite:
		return p.write(ev.Char, ev.Data)

	default:
		p.logger.Debug("unhandled gatt event")
		return Response{Status: StatusOK}, nil
	}
}

func (p *Peripheral) write(c protocol.Characteristic, data []byte) (Response, error) {
	if c == protocol.CharUnknown {
		p.logger.Warn("write to unknown characteristic", "len", len(data))
		return Response{Status: StatusRequestNotSupported}, nil
	}
	if len(data) > c.Capacity() {
		p.logger.Warn("write rejected: value too long", "char", c.String(), "len", len(data), "max", c.Capacity())
		return Response{Status: StatusInvalidLength}, nil
	}
	if !utf8.Valid(data) {
		p.logger.Warn("write rejected: not utf-8", "char", c.String())
		return Response{Status: StatusValueNotAllowed}, nil
	}

	value := string(data)
	var apply func(*store.Config)
	switch c {
	case protocol.CharSSID:
		apply = func(cfg *store.Config) { cfg.WiFi.SSID = value }
	case protocol.CharPassword:
		apply = func(cfg *store.Config) { cfg.WiFi.Password = value }
	case protocol.CharToken:
		apply = func(cfg *store.Config) { cfg.Token = value }
	case protocol.CharTokens:
		rec, err := protocol.DecodeTokens(data)
		if err != nil {
			p.logger.Warn("write rejected: bad tokens record", "err", err)
			return Response{Status: StatusValueNotAllowed}, nil
		}
		value = rec.GitHub
		apply = func(cfg *store.Config) { cfg.Token = value }
	}

	p.mu.Lock()
	p.buffers[c] = append([]byte(nil), data...)
	switch c {
	case protocol.CharTokens:
		p.buffers[protocol.CharToken] = clip(value)
	case protocol.CharToken:
		if rec, err := protocol.EncodeTokens(protocol.TokensRecord{GitHub: value}); err == nil {
			p.buffers[protocol.CharTokens] = rec
		}
	}
	p.mu.Unlock()

	cfg, err := p.store.Commit(p.cell, apply)
	if err != nil {
		p.logger.Error("failed to persist config", "char", c.String(), "err", err)
		return Response{Status: StatusUnlikely}, fmt.Errorf("persist %s: %w", c, err)
	}

	p.logger.Info("characteristic written", "char", c.String(), "config", cfg)
	return Response{Status: StatusOK}, nil
}

// Value returns a copy of the buffered value of c.
func (p *Peripheral) Value(c protocol.Characteristic) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte{}, p.buffers[c]...)
}

// Forget drops every buffered value, e.g. after a factory reset.
func (p *Peripheral) Forget() {
	p.mu.Lock()
	p.buffers = make(map[protocol.Characteristic][]byte)
	p.mu.Unlock()
}

func (p *Peripheral) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Links counts the connections serviced so far.
func (p *Peripheral) Links() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links
}

func (p *Peripheral) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
