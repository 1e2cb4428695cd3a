package store

import (
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field capacities, in bytes.
const (
	SSIDCapacity     = 30
	PasswordCapacity = 30
	TokenCapacity    = 50
)

// RecordSize is the fixed window the record occupies at the start of the
// NVS region. The largest valid record encodes to 118 bytes.
const RecordSize = 128

const recordVersion = 1

const (
	fieldSSID     protowire.Number = 1
	fieldPassword protowire.Number = 2
	fieldToken    protowire.Number = 3
)

var (
	ErrFieldTooLong = errors.New("field exceeds capacity")
	ErrInvalidUTF8  = errors.New("field is not valid utf-8")
	ErrCorrupt      = errors.New("corrupt config record")
)

type WiFi struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// Config is the persisted credential bundle.
type Config struct {
	WiFi  WiFi   `json:"wifi"`
	Token string `json:"token"`
}

// HasWiFi reports whether station credentials were provisioned.
func (c Config) HasWiFi() bool { return c.WiFi.SSID != "" }

// LogValue keeps secrets out of logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("ssid", c.WiFi.SSID),
		slog.Bool("password_set", c.WiFi.Password != ""),
		slog.String("token", Mask(c.Token)),
	)
}

// Mask shows only the first four bytes of a secret.
func Mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:4] + "****"
	}
}

func (c Config) Validate() error {
	fields := []struct {
		name string
		v    string
		max  int
	}{
		{"ssid", c.WiFi.SSID, SSIDCapacity},
		{"password", c.WiFi.Password, PasswordCapacity},
		{"token", c.Token, TokenCapacity},
	}
	for _, f := range fields {
		if len(f.v) > f.max {
			return fmt.Errorf("%s is %d bytes, max %d: %w", f.name, len(f.v), f.max, ErrFieldTooLong)
		}
		if !utf8.ValidString(f.v) {
			return fmt.Errorf("%s: %w", f.name, ErrInvalidUTF8)
		}
	}
	return nil
}

// Marshal encodes c as [version][uvarint len][protobuf fields].
func Marshal(c Config) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var body []byte
	body = appendField(body, fieldSSID, c.WiFi.SSID)
	body = appendField(body, fieldPassword, c.WiFi.Password)
	body = appendField(body, fieldToken, c.Token)

	out := []byte{recordVersion}
	out = protowire.AppendBytes(out, body)
	if len(out) > RecordSize {
		return nil, fmt.Errorf("record is %d bytes, window is %d: %w", len(out), RecordSize, ErrFieldTooLong)
	}
	return out, nil
}

func appendField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Unmarshal decodes a record from the start of b. Trailing bytes are ignored.
func Unmarshal(b []byte) (Config, error) {
	if len(b) == 0 || b[0] != recordVersion {
		return Config{}, fmt.Errorf("bad version byte: %w", ErrCorrupt)
	}
	body, n := protowire.ConsumeBytes(b[1:])
	if n < 0 {
		return Config{}, fmt.Errorf("frame: %v: %w", protowire.ParseError(n), ErrCorrupt)
	}

	var c Config
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Config{}, fmt.Errorf("tag: %v: %w", protowire.ParseError(n), ErrCorrupt)
		}
		body = body[n:]

		var dst *string
		switch num {
		case fieldSSID:
			dst = &c.WiFi.SSID
		case fieldPassword:
			dst = &c.WiFi.Password
		case fieldToken:
			dst = &c.Token
		}
		if dst == nil || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Config{}, fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrCorrupt)
			}
			body = body[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return Config{}, fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), ErrCorrupt)
		}
		*dst = string(v)
		body = body[n:]
	}

	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	return c, nil
}
