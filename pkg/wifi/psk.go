package wifi

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var ErrBadPassphrase = errors.New("wpa passphrase must be 8-63 printable characters or 64 hex digits")

// PSK derives the 256-bit WPA pre-shared key for ssid as lowercase hex.
func PSK(ssid, passphrase string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}

// networkBlock renders the wpa_supplicant network entry for c.
func networkBlock(c Credentials) (string, error) {
	var b strings.Builder
	b.WriteString("network={\n")
	b.WriteString("\tssid=" + ssidValue(c.SSID) + "\n")

	switch {
	case c.Password == "":
		b.WriteString("\tkey_mgmt=NONE\n")
	case len(c.Password) == 64 && isHex(c.Password):
		b.WriteString("\tpsk=" + strings.ToLower(c.Password) + "\n")
	case len(c.Password) >= 8 && len(c.Password) <= 63 && printable(c.Password):
		b.WriteString("\tpsk=" + PSK(c.SSID, c.Password) + "\n")
	default:
		return "", fmt.Errorf("password for %q: %w", c.SSID, ErrBadPassphrase)
	}

	b.WriteString("}\n")
	return b.String(), nil
}

// ssidValue quotes plain SSIDs and hex-encodes anything wpa_supplicant
// cannot take inside quotes.
func ssidValue(ssid string) string {
	if printable(ssid) && !strings.ContainsAny(ssid, "\"\\") {
		return `"` + ssid + `"`
	}
	return hex.EncodeToString([]byte(ssid))
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
