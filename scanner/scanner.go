// Package scanner discovers pulse oximeters over BLE by matching
// advertisements against the registered device profiles.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/oxim/internal/protocol"
	"github.com/srg/oxim/internal/transport/goble"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Found describes one discovered oximeter candidate.
type Found struct {
	Address  string
	Name     string
	RSSI     int
	Model    string
	LastSeen time.Time
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool

	// IncludeUnmatched also reports devices that match no registered
	// oximeter profile, useful when hunting a new device variant.
	IncludeUnmatched bool
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE oximeter discovery
type Scanner struct {
	devices *hashmap.Map[string, Found]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		logger: logger,
	}, nil
}

// Scan performs BLE discovery with provided options and returns the
// devices seen, keyed by address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]Found, error) {
	s.devices = hashmap.New[string, Found]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = dev.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	devices := make(map[string]Found, s.devices.Len())
	s.devices.Range(func(key string, value Found) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// handleAdvertisement records or refreshes a discovered device
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	address := adv.Addr().String()

	model, matched := protocol.MatchAdvertisement(address, advertisedServices(adv))
	if !matched && !s.scanOptions.IncludeUnmatched {
		return
	}

	found := Found{
		Address:  address,
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		Model:    model,
		LastSeen: time.Now(),
	}

	if _, existing := s.devices.Get(address); !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  found.Name,
			"address": found.Address,
			"rssi":    found.RSSI,
			"model":   found.Model,
		}).Info("Discovered oximeter candidate")
	}
	s.devices.Set(address, found)
}

func advertisedServices(adv blelib.Advertisement) []string {
	services := adv.Services()
	uuids := make([]string, len(services))
	for i, u := range services {
		uuids[i] = u.String()
	}
	return uuids
}
