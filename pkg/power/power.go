// Package power reads the battery HAT (an INA219 on I2C) found on some
// CapyCoder builds. A nil *Monitor means mains-only hardware.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	ina219Addr     = 0x43
	regBusVoltage  = 0x02
	regCurrent     = 0x04
	regCalibration = 0x05
	calValue       = 26868
	currentLSB     = 0.1524 // mA per bit at calValue
	busLSB         = 0.004  // V per bit

	emptyVolts    = 3.0
	fullVolts     = 4.2
	lowPowerLevel = 10
)

type Status struct {
	Percent int
	OnAC    bool
}

type Monitor struct {
	dev    conn.Conn
	logger *slog.Logger

	mu  sync.Mutex
	low bool
}

// Open probes the default I2C bus. It returns (nil, nil) when no INA219
// answers, which callers treat as always on AC.
func Open(logger *slog.Logger) (*Monitor, error) {
	logger = logger.With("component", "power")

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize I2C host: %w", err)
	}
	bus, err := i2creg.Open("")
	if err != nil {
		logger.Info("no I2C bus, battery monitoring disabled", "err", err)
		return nil, nil
	}

	m := New(&i2c.Dev{Bus: bus, Addr: ina219Addr}, logger)
	if err := m.dev.Tx([]byte{regBusVoltage}, make([]byte, 2)); err != nil {
		logger.Info("no UPS detected, battery monitoring disabled")
		bus.Close()
		return nil, nil
	}

	logger.Info("UPS initialized")
	return m, nil
}

func New(dev conn.Conn, logger *slog.Logger) *Monitor {
	return &Monitor{dev: dev, logger: logger}
}

func (m *Monitor) readRegister(reg byte) (int, error) {
	if err := m.dev.Tx([]byte{regCalibration, byte(calValue >> 8), byte(calValue & 0xFF)}, nil); err != nil {
		return 0, err
	}

	read := make([]byte, 2)
	if err := m.dev.Tx([]byte{reg}, read); err != nil {
		return 0, err
	}

	value := int(read[0])<<8 | int(read[1])
	if value > math.MaxInt16 {
		value -= 1 << 16
	}
	return value, nil
}

// Read samples the chip. A nil Monitor reports a full battery on AC.
func (m *Monitor) Read() (Status, error) {
	if m == nil {
		return Status{Percent: 100, OnAC: true}, nil
	}

	bus, err := m.readRegister(regBusVoltage)
	if err != nil {
		return Status{}, fmt.Errorf("read bus voltage: %w", err)
	}
	cur, err := m.readRegister(regCurrent)
	if err != nil {
		return Status{}, fmt.Errorf("read current: %w", err)
	}

	// negative current means the battery is discharging
	return Status{
		Percent: percentFromBus(bus),
		OnAC:    float64(cur)*currentLSB >= 0,
	}, nil
}

func percentFromBus(raw int) int {
	volts := float64(raw>>3) * busLSB
	percent := int(math.Round((volts - emptyVolts) / (fullVolts - emptyVolts) * 100))
	return min(100, max(0, percent))
}

// Battery adapts Read for the display: ok is false without a battery or
// when the chip did not answer.
func (m *Monitor) Battery() (percent int, onAC bool, ok bool) {
	if m == nil {
		return 0, true, false
	}
	s, err := m.Read()
	if err != nil {
		return 0, false, false
	}
	return s.Percent, s.OnAC, true
}

// LowPower is true at or below 10% while running on battery.
func (m *Monitor) LowPower() bool {
	if m == nil {
		return false
	}
	s, err := m.Read()
	return err == nil && s.Percent <= lowPowerLevel && !s.OnAC
}

// Run samples every interval and logs low-power transitions.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if m == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		low := m.LowPower()
		m.mu.Lock()
		changed := low != m.low
		m.low = low
		m.mu.Unlock()

		if changed && low {
			m.logger.Warn("battery low, connect power")
		} else if changed {
			m.logger.Info("battery no longer low")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
