package peripheral

import (
	"context"
	"errors"
	"sync"

	"capy-firmware/pkg/protocol"
)

// ErrLinkClosed is returned by Link.Next once the central has disconnected.
var ErrLinkClosed = errors.New("link closed")

type Op int

const (
	OpOther Op = iota
	OpRead
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "other"
	}
}

// ATTStatus is an ATT protocol error code; zero is success.
type ATTStatus byte

const (
	StatusOK                  ATTStatus = 0x00
	StatusReadNotPermitted    ATTStatus = 0x02
	StatusWriteNotPermitted   ATTStatus = 0x03
	StatusRequestNotSupported ATTStatus = 0x06
	StatusAttrNotFound        ATTStatus = 0x0A
	StatusInvalidLength       ATTStatus = 0x0D
	StatusUnlikely            ATTStatus = 0x0E
	StatusValueNotAllowed     ATTStatus = 0x13
)

type Response struct {
	Status ATTStatus
	Value  []byte
}

// Event is one GATT request from the connected central. The transport
// waits for exactly one Reply before answering over the air.
type Event struct {
	Op   Op
	Char protocol.Characteristic
	Data []byte

	r *replier
}

type replier struct {
	once sync.Once
	fn   func(Response)
}

func NewEvent(op Op, c protocol.Characteristic, data []byte, reply func(Response)) Event {
	return Event{Op: op, Char: c, Data: data, r: &replier{fn: reply}}
}

// Reply answers the event. Only the first call has an effect; it reports
// whether this call was the one delivered.
func (e Event) Reply(resp Response) bool {
	if e.r == nil {
		return false
	}
	sent := false
	e.r.once.Do(func() {
		sent = true
		if e.r.fn != nil {
			e.r.fn(resp)
		}
	})
	return sent
}

// Link is the single active connection to a central.
type Link interface {
	// Next blocks for the next event, in delivery order.
	Next(ctx context.Context) (Event, error)
	Remote() string
	// Close drops the connection.
	Close() error
}

// Transport is the BLE controller as seen by the peripheral.
type Transport interface {
	// Advertise advertises name with the provisioning service until a
	// central connects, and returns that connection.
	Advertise(ctx context.Context, name string) (Link, error)
}
