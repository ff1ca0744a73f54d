// Package session owns the lifecycle of one oximeter connection: the
// connect/backoff state machine and the periodic coordinator that turns
// notification bytes into published readings.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/oxim/internal/transport"
)

// State is the connection lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a read-only snapshot of the manager state.
type Status struct {
	State       State
	Retries     int
	NextAttempt time.Time
}

var (
	// ErrShutdown is returned once Shutdown has been called; the
	// manager never reconnects after that.
	ErrShutdown = errors.New("session has been shut down")

	// ErrBackoffPending is returned by EnsureConnected while the
	// backoff delay of the previous failure has not elapsed yet.
	ErrBackoffPending = errors.New("reconnect attempt deferred by backoff")
)

// BackoffPolicy configures reconnect pacing. The delays are
// deterministic (no jitter) and plateau at Max: repeated failures must
// never hammer the shared adapter or grow the delay without bound.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (p BackoffPolicy) newExponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Manager owns one BLE link to one peripheral. It serializes connect
// attempts (at most one in flight), tracks the lifecycle state, and
// paces reconnects with exponential backoff. All failures are absorbed
// into state transitions; nothing here is fatal to the process.
type Manager struct {
	transport transport.Transport
	opts      transport.Options
	logger    *logrus.Logger

	onChunk      transport.NotifyFunc
	onDisconnect func()

	now func() time.Time // test hook

	mu          sync.Mutex
	state       State
	retries     int
	nextAttempt time.Time
	link        transport.Link
	dialing     bool
	closed      bool
	policy      *backoff.ExponentialBackOff
	done        chan struct{}
}

// ManagerConfig bundles the Manager collaborators and knobs.
type ManagerConfig struct {
	Transport transport.Transport
	Options   transport.Options
	Backoff   BackoffPolicy

	// OnChunk receives every raw notification chunk. Must not block;
	// typically ChunkQueue.Push.
	OnChunk transport.NotifyFunc

	// OnDisconnect fires on link loss, before the state moves to
	// backoff-driven reconnection. Used to invalidate per-session
	// assembly state.
	OnDisconnect func()

	Logger *logrus.Logger
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	onChunk := cfg.OnChunk
	if onChunk == nil {
		onChunk = func([]byte) {}
	}
	onDisconnect := cfg.OnDisconnect
	if onDisconnect == nil {
		onDisconnect = func() {}
	}
	return &Manager{
		transport:    cfg.Transport,
		opts:         cfg.Options,
		logger:       logger,
		onChunk:      onChunk,
		onDisconnect: onDisconnect,
		now:          time.Now,
		state:        StateDisconnected,
		policy:       cfg.Backoff.newExponential(),
		done:         make(chan struct{}),
	}
}

// Status returns a snapshot of the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Retries: m.retries, NextAttempt: m.nextAttempt}
}

// EnsureConnected makes sure a link is up, dialing if necessary.
// Returns nil when already connected or when a connect attempt is
// already in flight. Respects the backoff window: while it is open the
// call returns ErrBackoffPending without touching the adapter.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.dialing {
		// Someone else is already connecting; no overlapping attempts.
		m.mu.Unlock()
		return nil
	}
	if m.state == StateBackoff && m.now().Before(m.nextAttempt) {
		m.mu.Unlock()
		return fmt.Errorf("%w: next attempt at %s", ErrBackoffPending, m.nextAttempt.Format(time.RFC3339))
	}
	m.dialing = true
	m.state = StateConnecting
	m.mu.Unlock()

	link, err := m.transport.Dial(ctx, m.opts)
	if err == nil {
		if subErr := link.Subscribe(m.onChunk); subErr != nil {
			// A link we cannot subscribe on is useless; treat it as a
			// failed attempt.
			if closeErr := link.Close(); closeErr != nil {
				m.logger.WithField("error", closeErr).Debug("Close failed after subscribe error")
			}
			err = subErr
		}
	}

	m.mu.Lock()
	m.dialing = false

	if m.closed {
		m.mu.Unlock()
		if err == nil {
			if closeErr := link.Close(); closeErr != nil {
				m.logger.WithField("error", closeErr).Debug("Close failed during shutdown race")
			}
		}
		return ErrShutdown
	}

	if err != nil {
		m.retries++
		delay := m.policy.NextBackOff()
		m.state = StateBackoff
		m.nextAttempt = m.now().Add(delay)
		retries := m.retries
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"address": m.opts.Address,
			"retries": retries,
			"delay":   delay,
			"error":   err,
		}).Info("Oximeter unavailable, will retry")
		return fmt.Errorf("connect attempt failed: %w", err)
	}

	m.link = link
	m.state = StateConnected
	m.retries = 0
	m.policy.Reset()
	m.mu.Unlock()

	m.logger.WithField("address", m.opts.Address).Info("Connected to oximeter, notifications started")

	go m.watchLink(link)
	return nil
}

// watchLink waits for link loss and moves the manager into backoff.
func (m *Manager) watchLink(link transport.Link) {
	select {
	case <-link.Disconnected():
	case <-m.done:
		return
	}

	m.mu.Lock()
	if m.link != link || m.closed {
		// A newer link took over, or shutdown already handled cleanup.
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.retries++
	delay := m.policy.NextBackOff()
	m.state = StateBackoff
	m.nextAttempt = m.now().Add(delay)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": m.opts.Address,
		"delay":   delay,
	}).Warn("Connection lost, invalidating session")

	// Per-session bytes die with the link.
	m.onDisconnect()

	if err := link.Close(); err != nil {
		m.logger.WithField("error", err).Debug("Close failed after link loss")
	}
}

// Shutdown terminates the session: stops monitoring, releases the link,
// and pins the state to Disconnected. No reconnect happens after this.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = StateDisconnected
	m.nextAttempt = time.Time{}
	link := m.link
	m.link = nil
	close(m.done)
	m.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			m.logger.WithField("error", err).Debug("Close failed during shutdown")
		}
	}
	m.logger.WithField("address", m.opts.Address).Info("Disconnected from oximeter")
}
