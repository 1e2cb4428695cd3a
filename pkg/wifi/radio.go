// Package wifi keeps the device associated with the provisioned network.
package wifi

import "context"

type Credentials struct {
	SSID     string
	Password string
}

type AuthMode int

const (
	AuthUnknown AuthMode = iota
	AuthOpen
	AuthWEP
	AuthWPA
	AuthWPA2
	AuthWPA3
)

func (a AuthMode) String() string {
	switch a {
	case AuthOpen:
		return "open"
	case AuthWEP:
		return "wep"
	case AuthWPA:
		return "wpa"
	case AuthWPA2:
		return "wpa2"
	case AuthWPA3:
		return "wpa3"
	default:
		return "unknown"
	}
}

// AccessPoint is one scan result.
type AccessPoint struct {
	SSID    string
	BSSID   string
	Channel int
	RSSI    int16
	Auth    AuthMode
}

// Radio is the station interface the Manager drives.
type Radio interface {
	IsStarted() bool
	Configure(c Credentials) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Connect associates with the configured network.
	Connect(ctx context.Context) error
	// WaitDisconnect blocks until the association is lost.
	WaitDisconnect(ctx context.Context) error
	Scan(ctx context.Context) ([]AccessPoint, error)
}

// Driver pumps radio events. It runs alongside the Manager for the life of
// the process.
type Driver interface {
	Run(ctx context.Context) error
}
