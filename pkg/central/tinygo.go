package central

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"tinygo.org/x/bluetooth"
)

const stopRetry = 10 * time.Millisecond

// scanner is the scanning half of *bluetooth.Adapter.
type scanner interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// TinyGo is the desktop adapter on tinygo.org/x/bluetooth.
type TinyGo struct {
	adapter *bluetooth.Adapter
	scanner scanner
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

// NewTinyGo enables the default adapter.
func NewTinyGo(logger *slog.Logger) (*TinyGo, error) {
	a := bluetooth.DefaultAdapter
	if err := a.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth: %w", err)
	}
	return &TinyGo{
		adapter: a,
		scanner: a,
		logger:  logger.With("component", "adapter"),
		seen:    make(map[string]bluetooth.Address),
	}, nil
}

func (t *TinyGo) Scan(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	var (
		mu    sync.Mutex
		ads   []Advertisement
		index = make(map[string]int)
	)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go t.stopAfter(ctx, window, stop)

	err := t.scanner.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		adv := Advertisement{Name: result.LocalName(), Address: addr, RSSI: result.RSSI}

		t.mu.Lock()
		t.seen[addr] = result.Address
		t.mu.Unlock()

		mu.Lock()
		defer mu.Unlock()
		if i, ok := index[addr]; ok {
			if adv.Name == "" {
				adv.Name = ads[i].Name
			}
			ads[i] = adv
			return
		}
		index[addr] = len(ads)
		ads = append(ads, adv)
		t.logger.Debug("advertisement", "name", adv.Name, "address", addr, "rssi", adv.RSSI)
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]Advertisement(nil), ads...), nil
}

// stopAfter ends the scan once window elapses or ctx is done. StopScan
// fails while the scan has not started yet, so it is retried until it takes
// or the scan returns on its own.
func (t *TinyGo) stopAfter(ctx context.Context, window time.Duration, done <-chan struct{}) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-done:
		return
	}

	retry := time.NewTicker(stopRetry)
	defer retry.Stop()
	for {
		if err := t.scanner.StopScan(); err == nil {
			return
		}
		select {
		case <-done:
			return
		case <-retry.C:
		}
	}
}

func (t *TinyGo) Connect(ctx context.Context, adv Advertisement) (Peer, error) {
	t.mu.Lock()
	addr, ok := t.seen[adv.Address]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s was not seen in a scan: %w", adv.Address, ErrDeviceNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinyPeer{dev: dev, chars: make(map[[2]uuid.UUID]bluetooth.DeviceCharacteristic)}, nil
}

type tinyPeer struct {
	dev bluetooth.Device

	mu    sync.Mutex
	chars map[[2]uuid.UUID]bluetooth.DeviceCharacteristic
}

func (p *tinyPeer) DiscoverServices(ctx context.Context) ([]Service, error) {
	services, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Service, 0, len(services))
	for i := range services {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		svcUUID, err := uuid.FromString(services[i].UUID().String())
		if err != nil {
			continue
		}
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svcUUID, err)
		}

		svc := Service{UUID: svcUUID}
		for _, ch := range chars {
			chUUID, err := uuid.FromString(ch.UUID().String())
			if err != nil {
				continue
			}
			svc.Characteristics = append(svc.Characteristics, chUUID)
			p.chars[[2]uuid.UUID{svcUUID, chUUID}] = ch
		}
		out = append(out, svc)
	}
	return out, nil
}

func (p *tinyPeer) WriteWithoutResponse(svc, char uuid.UUID, data []byte) error {
	p.mu.Lock()
	ch, ok := p.chars[[2]uuid.UUID{svc, char}]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", char, ErrCharacteristicNotFound)
	}
	_, err := ch.WriteWithoutResponse(data)
	return err
}

func (p *tinyPeer) Disconnect() error {
	return p.dev.Disconnect()
}
