// Package protocol defines the GATT surface shared by the device and the
// desktop provisioner.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"capy-firmware/pkg/globals"
	"capy-firmware/pkg/store"
)

const (
	// PeripheralName is advertised by the device and substring-matched by
	// the central.
	PeripheralName = globals.ProductName

	// WireCapacity bounds the SSID, password and token characteristics.
	WireCapacity = 24
	// TokensWireCapacity bounds the tokens record characteristic.
	TokensWireCapacity = 96

	ScanWindow     = 5 * time.Second
	MaxConnections = 1
)

// Bluetooth base UUID; 16-bit ids live in bytes 2-3.
var baseUUID = uuid.Must(uuid.FromString("00000000-0000-1000-8000-00805f9b34fb"))

var (
	ServiceUUID  = From16(0xBEEF)
	SSIDUUID     = From16(0xBEED)
	PasswordUUID = From16(0xBEEE)
	TokenUUID    = From16(0xBEEA)
	TokensUUID   = uuid.Must(uuid.FromString("361c1911-a3b1-4935-ae72-2ffc828099a1"))
)

// From16 expands a 16-bit assigned id onto the base UUID.
func From16(id uint16) uuid.UUID {
	u := baseUUID
	u[2] = byte(id >> 8)
	u[3] = byte(id)
	return u
}

// Short returns the 16-bit id of u when u lies on the base UUID.
func Short(u uuid.UUID) (uint16, bool) {
	v := u
	v[2], v[3] = 0, 0
	if v != baseUUID {
		return 0, false
	}
	return uint16(u[2])<<8 | uint16(u[3]), true
}

type Characteristic int

const (
	CharUnknown Characteristic = iota
	CharSSID
	CharPassword
	CharToken
	CharTokens
)

// Characteristics lists every characteristic of the provisioning service.
var Characteristics = []Characteristic{CharSSID, CharPassword, CharToken, CharTokens}

func (c Characteristic) String() string {
	switch c {
	case CharSSID:
		return "ssid"
	case CharPassword:
		return "password"
	case CharToken:
		return "token"
	case CharTokens:
		return "tokens"
	default:
		return "unknown"
	}
}

func (c Characteristic) UUID() uuid.UUID {
	switch c {
	case CharSSID:
		return SSIDUUID
	case CharPassword:
		return PasswordUUID
	case CharToken:
		return TokenUUID
	case CharTokens:
		return TokensUUID
	default:
		return uuid.Nil
	}
}

// Capacity is the largest value a write to c may carry.
func (c Characteristic) Capacity() int {
	if c == CharTokens {
		return TokensWireCapacity
	}
	return WireCapacity
}

func ByUUID(u uuid.UUID) Characteristic {
	for _, c := range Characteristics {
		if c.UUID() == u {
			return c
		}
	}
	return CharUnknown
}

var ErrTokenTooLong = errors.New("token exceeds capacity")

// TokensRecord is the payload of the tokens characteristic.
type TokensRecord struct {
	GitHub string `json:"github"`
}

func EncodeTokens(r TokensRecord) ([]byte, error) {
	if len(r.GitHub) > store.TokenCapacity {
		return nil, fmt.Errorf("github token is %d bytes: %w", len(r.GitHub), ErrTokenTooLong)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(data) > TokensWireCapacity {
		return nil, fmt.Errorf("tokens record is %d bytes: %w", len(data), ErrTokenTooLong)
	}
	return data, nil
}

func DecodeTokens(data []byte) (TokensRecord, error) {
	var r TokensRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TokensRecord{}, fmt.Errorf("invalid tokens record: %w", err)
	}
	if len(r.GitHub) > store.TokenCapacity {
		return TokensRecord{}, fmt.Errorf("github token is %d bytes: %w", len(r.GitHub), ErrTokenTooLong)
	}
	return r, nil
}
