// Package reset wipes the provisioned config, either from the front-panel
// button or once at boot.
package reset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

const (
	DefaultHold = 5 * time.Second
	pollEvery   = 50 * time.Millisecond
)

// Resetter erases the stored record and empties the cell as one step.
// *store.Store implements it.
type Resetter interface {
	Reset(cell *state.Cell[store.Config]) error
}

// FactoryReset erases the record and empties the cell. Each hook runs
// afterwards, so other components can drop what they cached.
func FactoryReset(r Resetter, cell *state.Cell[store.Config], logger *slog.Logger, hooks ...func()) error {
	if err := r.Reset(cell); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	for _, h := range hooks {
		h()
	}
	logger.Warn("factory reset: credentials erased")
	return nil
}

// Button triggers FactoryReset when an active-low pin is held down.
type Button struct {
	pin      gpio.PinIn
	resetter Resetter
	cell     *state.Cell[store.Config]
	logger   *slog.Logger
	hooks    []func()

	Hold time.Duration
	Poll time.Duration
}

// Open configures the named pin (e.g. "GPIO17") as a pulled-up input.
func Open(name string, r Resetter, cell *state.Cell[store.Config], logger *slog.Logger, hooks ...func()) (*Button, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize GPIO host: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no such GPIO pin %q", name)
	}
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("failed to configure %s: %w", name, err)
	}
	return New(p, r, cell, logger, hooks...), nil
}

func New(pin gpio.PinIn, r Resetter, cell *state.Cell[store.Config], logger *slog.Logger, hooks ...func()) *Button {
	return &Button{
		pin:      pin,
		resetter: r,
		cell:     cell,
		logger:   logger.With("component", "reset"),
		hooks:    hooks,
		Hold:     DefaultHold,
		Poll:     pollEvery,
	}
}

// Run fires at most once per press. An erase failure is returned since the
// flash can no longer be trusted.
func (b *Button) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()

	var since time.Time
	fired := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if b.pin.Read() == gpio.High {
			since, fired = time.Time{}, false
			continue
		}
		if since.IsZero() {
			since = time.Now()
			b.logger.Info("reset button pressed", "hold", b.Hold)
			continue
		}
		if fired || time.Since(since) < b.Hold {
			continue
		}

		fired = true
		if err := FactoryReset(b.resetter, b.cell, b.logger, b.hooks...); err != nil {
			return err
		}
	}
}
