// Package central is the desktop side of BLE provisioning: it finds a
// CapyCoder, connects, and writes credentials to it.
package central

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"capy-firmware/pkg/protocol"
	"capy-firmware/pkg/store"
)

var (
	ErrDeviceNotFound         = errors.New("device not found")
	ErrServiceNotFound        = errors.New("provisioning service not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrNotConnected           = errors.New("not connected")
	ErrValueTooLong           = errors.New("value too long")
)

type Advertisement struct {
	Name    string
	Address string
	RSSI    int16
}

type Service struct {
	UUID            uuid.UUID
	Characteristics []uuid.UUID
}

func (s Service) has(c uuid.UUID) bool {
	for _, u := range s.Characteristics {
		if u == c {
			return true
		}
	}
	return false
}

// Adapter is the local BLE controller.
type Adapter interface {
	// Scan collects advertisements for window, or until ctx is done.
	Scan(ctx context.Context, window time.Duration) ([]Advertisement, error)
	Connect(ctx context.Context, adv Advertisement) (Peer, error)
}

// Peer is a connected peripheral.
type Peer interface {
	DiscoverServices(ctx context.Context) ([]Service, error)
	WriteWithoutResponse(svc, char uuid.UUID, data []byte) error
	Disconnect() error
}

type Client struct {
	adapter Adapter
	logger  *slog.Logger
	window  time.Duration

	mu      sync.Mutex
	peer    Peer
	device  Advertisement
	service Service
}

func New(a Adapter, logger *slog.Logger) *Client {
	return &Client{
		adapter: a,
		logger:  logger.With("component", "central"),
		window:  protocol.ScanWindow,
	}
}

// Scan lists the advertisements whose local name contains the product name.
func (c *Client) Scan(ctx context.Context) ([]Advertisement, error) {
	ads, err := c.adapter.Scan(ctx, c.window)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	var found []Advertisement
	for _, adv := range ads {
		if strings.Contains(adv.Name, protocol.PeripheralName) {
			found = append(found, adv)
		}
	}
	return found, nil
}

// Connect links to the first matching device. An existing link is reused.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer != nil {
		return nil
	}

	c.logger.Info("scanning", "name", protocol.PeripheralName, "window", c.window)
	found, err := c.Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("no %q advertising within %s: %w", protocol.PeripheralName, c.window, ErrDeviceNotFound)
	}
	adv := found[0]

	c.logger.Info("connecting", "name", adv.Name, "address", adv.Address, "rssi", adv.RSSI)
	peer, err := c.adapter.Connect(ctx, adv)
	if err != nil {
		return fmt.Errorf("connect %s: %w", adv.Address, err)
	}

	services, err := peer.DiscoverServices(ctx)
	if err != nil {
		peer.Disconnect()
		return fmt.Errorf("discover services: %w", err)
	}

	for _, svc := range services {
		if svc.UUID == protocol.ServiceUUID {
			c.peer, c.device, c.service = peer, adv, svc
			c.logger.Info("connected", "address", adv.Address, "characteristics", len(svc.Characteristics))
			return nil
		}
	}

	peer.Disconnect()
	return fmt.Errorf("%s: %w", protocol.ServiceUUID, ErrServiceNotFound)
}

// Device returns the advertisement of the linked device.
func (c *Client) Device() (Advertisement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device, c.peer != nil
}

type write struct {
	char protocol.Characteristic
	data []byte
}

// SendConfigData writes token, SSID and password, in that order. All
// lengths are checked before the first write; the first failed write
// aborts the rest.
func (c *Client) SendConfigData(ctx context.Context, ssid, password, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		return ErrNotConnected
	}

	for _, ch := range []protocol.Characteristic{protocol.CharToken, protocol.CharSSID, protocol.CharPassword} {
		if !c.service.has(ch.UUID()) {
			return fmt.Errorf("%s (%s): %w", ch, ch.UUID(), ErrCharacteristicNotFound)
		}
	}

	if err := checkLen("ssid", ssid, protocol.WireCapacity); err != nil {
		return err
	}
	if err := checkLen("password", password, protocol.WireCapacity); err != nil {
		return err
	}

	tokenWrite := write{char: protocol.CharToken, data: []byte(token)}
	if len(token) > protocol.WireCapacity {
		if !c.service.has(protocol.TokensUUID) {
			return checkLen("token", token, protocol.WireCapacity)
		}
		if err := checkLen("token", token, store.TokenCapacity); err != nil {
			return err
		}
		rec, err := protocol.EncodeTokens(protocol.TokensRecord{GitHub: token})
		if err != nil {
			return fmt.Errorf("token: %w", errors.Join(ErrValueTooLong, err))
		}
		tokenWrite = write{char: protocol.CharTokens, data: rec}
	}

	writes := []write{
		tokenWrite,
		{char: protocol.CharSSID, data: []byte(ssid)},
		{char: protocol.CharPassword, data: []byte(password)},
	}
	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.peer.WriteWithoutResponse(protocol.ServiceUUID, w.char.UUID(), w.data); err != nil {
			c.logger.Error("write failed", "char", w.char.String(), "err", err)
			return fmt.Errorf("write %s: %w", w.char, err)
		}
		c.logger.Debug("wrote characteristic", "char", w.char.String(), "len", len(w.data))
	}

	c.logger.Info("sent config", "ssid", ssid, "token", store.Mask(token))
	return nil
}

func checkLen(field, v string, max int) error {
	if len(v) > max {
		return fmt.Errorf("%s is %d bytes, max %d: %w", field, len(v), max, ErrValueTooLong)
	}
	return nil
}

// Disconnect drops the link. It is a no-op without one.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		return nil
	}
	peer := c.peer
	c.peer, c.device, c.service = nil, Advertisement{}, Service{}

	if err := peer.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	c.logger.Info("disconnected")
	return nil
}
