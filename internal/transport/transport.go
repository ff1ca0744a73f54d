// Package transport defines the boundary with the BLE stack. The
// session layer talks only to these interfaces, so tests can stand in
// a fake stack and the go-ble adapter stays replaceable.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NotifyFunc receives one raw notification chunk. The data slice is
// only valid for the duration of the call; implementations reuse the
// underlying buffer. Copy before retaining.
type NotifyFunc func(data []byte)

// Options describes the peripheral to dial and the characteristic to
// subscribe to once connected.
type Options struct {
	Address        string
	ServiceUUID    string
	NotifyUUID     string
	ConnectTimeout time.Duration
}

// Link is one live connection to a peripheral.
type Link interface {
	// Subscribe enables notifications on the configured characteristic
	// and delivers every chunk to fn until the link dies or is closed.
	Subscribe(fn NotifyFunc) error

	// Disconnected is closed when the stack reports link loss.
	Disconnected() <-chan struct{}

	// Close unsubscribes and releases the connection handle. Safe to
	// call more than once.
	Close() error
}

// Transport dials peripherals. Implementations must return an error
// rather than block forever when the device is out of range; the
// caller owns retry policy.
type Transport interface {
	Dial(ctx context.Context, opts Options) (Link, error)
}

// ErrCharacteristicNotFound indicates the peripheral does not expose
// the expected notify characteristic, usually a wrong address or an
// unsupported device revision.
var ErrCharacteristicNotFound = errors.New("notify characteristic not found")

// ConnectError wraps a failed dial with the peripheral address for
// diagnostics.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
