// Package goble adapts the go-ble stack to the transport interfaces.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/oxim/internal/protocol"
	"github.com/srg/oxim/internal/transport"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// Transport dials oximeters through go-ble.
type Transport struct {
	logger *logrus.Logger
}

// New creates a go-ble backed transport.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// Dial connects to the peripheral, discovers its GATT profile, and
// locates the notify characteristic. The returned link is not yet
// subscribed; call Subscribe on it.
func (t *Transport) Dial(ctx context.Context, opts transport.Options) (transport.Link, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	t.logger.WithFields(logrus.Fields{
		"address": opts.Address,
		"timeout": opts.ConnectTimeout,
	}).Info("Connecting to oximeter...")

	client, err := ble.Dial(connCtx, ble.NewAddr(opts.Address))
	if err != nil {
		return nil, &transport.ConnectError{Address: opts.Address, Err: err}
	}

	bleProfile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		return nil, &transport.ConnectError{Address: opts.Address, Err: fmt.Errorf("profile discovery: %w", err)}
	}

	char := findCharacteristic(bleProfile, opts.ServiceUUID, opts.NotifyUUID)
	if char == nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after characteristic lookup failure")
		}
		return nil, &transport.ConnectError{
			Address: opts.Address,
			Err:     fmt.Errorf("%w: %s/%s", transport.ErrCharacteristicNotFound, opts.ServiceUUID, opts.NotifyUUID),
		}
	}

	t.logger.WithFields(logrus.Fields{
		"address":  opts.Address,
		"services": len(bleProfile.Services),
	}).Debug("Profile discovered, notify characteristic located")

	return newLink(client, char, t.logger), nil
}

// findCharacteristic locates the notify characteristic in the
// discovered GATT profile by normalized UUID comparison.
func findCharacteristic(p *ble.Profile, serviceUUID, charUUID string) *ble.Characteristic {
	wantSvc := protocol.NormalizeUUID(serviceUUID)
	wantChar := protocol.NormalizeUUID(charUUID)
	for _, svc := range p.Services {
		if protocol.NormalizeUUID(svc.UUID.String()) != wantSvc {
			continue
		}
		for _, char := range svc.Characteristics {
			if protocol.NormalizeUUID(char.UUID.String()) == wantChar {
				return char
			}
		}
	}
	return nil
}

// link wraps one live go-ble client plus the notify characteristic.
type link struct {
	client ble.Client
	char   *ble.Characteristic
	logger *logrus.Logger

	lost      chan struct{}
	closeOnce sync.Once
}

func newLink(client ble.Client, char *ble.Characteristic, logger *logrus.Logger) *link {
	l := &link{
		client: client,
		char:   char,
		logger: logger,
		lost:   make(chan struct{}),
	}

	// Not every platform backend exposes Disconnected(); without it,
	// link loss surfaces only through failed operations.
	if d, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			<-d.Disconnected()
			l.logger.Warn("BLE stack reported disconnection")
			l.closeLost()
		}()
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}

	return l
}

func (l *link) closeLost() {
	l.closeOnce.Do(func() { close(l.lost) })
}

func (l *link) Subscribe(fn transport.NotifyFunc) error {
	err := l.client.Subscribe(l.char, false, func(data []byte) {
		fn(data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	l.logger.WithField("characteristic", l.char.UUID.String()).Info("Notifications started")
	return nil
}

func (l *link) Disconnected() <-chan struct{} {
	return l.lost
}

func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() { close(l.lost) })

	// Best effort: the peripheral may already be gone.
	if unsubErr := l.client.Unsubscribe(l.char, false); unsubErr != nil {
		l.logger.WithField("error", unsubErr).Debug("Unsubscribe failed during close")
	}
	if cancelErr := l.client.CancelConnection(); cancelErr != nil {
		err = fmt.Errorf("failed to release connection: %w", cancelErr)
	}
	return err
}
