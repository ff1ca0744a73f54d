package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/oxim/internal/protocol"
	"github.com/srg/oxim/internal/transport"
)

const (
	// DefaultChunkQueueCapacity bounds how many notification chunks can
	// wait between two poll cycles before the oldest are overwritten.
	DefaultChunkQueueCapacity = 128
)

// CoordinatorConfig tunes the polling loop.
type CoordinatorConfig struct {
	// PollInterval is the period of the ensure-connected / drain cycle.
	PollInterval time.Duration

	// StalenessWindow invalidates the published reading when no frame
	// decoded successfully for this long, even while connected. A
	// connected-but-silent device is as unavailable as an absent one.
	StalenessWindow time.Duration

	// FailureThreshold and FailureWindow degrade availability when this
	// many validator rejections or decode errors pile up within the
	// window while no frame succeeds.
	FailureThreshold int
	FailureWindow    time.Duration

	QueueCapacity int
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 15 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = c.StalenessWindow
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultChunkQueueCapacity
	}
}

// Diagnostics is a point-in-time health snapshot of the whole pipeline,
// exposed for the host's diagnostics surface.
type Diagnostics struct {
	ConnectionState string    `json:"connection_state"`
	Retries         int       `json:"retries"`
	NextAttempt     time.Time `json:"next_attempt,omitempty"`

	GarbageBytes    uint64 `json:"garbage_bytes"`
	BufferOverflows uint64 `json:"buffer_overflows"`
	RejectedFrames  uint64 `json:"rejected_frames"`
	DecodedFrames   uint64 `json:"decoded_frames"`
	DroppedChunks   uint64 `json:"dropped_chunks"`

	LastDecodeError string    `json:"last_decode_error,omitempty"`
	LastReadingAt   time.Time `json:"last_reading_at,omitempty"`
}

// Coordinator drives the periodic cycle for one device session: keep
// the manager connected, pull buffered chunks through the assembler,
// validate and decode frames, and publish the latest reading.
//
// Concurrency model: the assembler and protocol state are touched only
// by the run loop goroutine. BLE callbacks merely enqueue chunks; link
// loss merely flags a pending reset. Readers get snapshots through a
// lock.
type Coordinator struct {
	manager   *Manager
	decoder   protocol.Decoder
	assembler *protocol.Assembler
	chunks    *ChunkQueue
	cfg       CoordinatorConfig
	logger    *logrus.Logger

	now func() time.Time // test hook

	resetPending atomic.Bool

	mu          sync.RWMutex
	latest      *protocol.Reading
	lastSuccess time.Time
	rejected    uint64
	decoded     uint64
	failures    []time.Time
	lastErr     error

	refresh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCoordinator wires a full session pipeline for one peripheral: the
// decoder's profile determines frame layout and the characteristic to
// subscribe to.
func NewCoordinator(t transport.Transport, dec protocol.Decoder, address string, connectTimeout time.Duration, bo BackoffPolicy, cfg CoordinatorConfig, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.applyDefaults()

	p := dec.Profile()
	c := &Coordinator{
		decoder:   dec,
		assembler: protocol.NewAssembler(p, logger),
		chunks:    NewChunkQueue(cfg.QueueCapacity),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		refresh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	c.manager = NewManager(ManagerConfig{
		Transport: t,
		Options: transport.Options{
			Address:        address,
			ServiceUUID:    p.ServiceUUID,
			NotifyUUID:     p.NotifyUUID,
			ConnectTimeout: connectTimeout,
		},
		Backoff:      bo,
		OnChunk:      c.chunks.Push,
		OnDisconnect: c.invalidateSession,
		Logger:       logger,
	})

	return c
}

// invalidateSession is called from the link watcher on disconnect. The
// assembler belongs to the run loop, so only flag the reset here; the
// loop applies it before touching any new bytes.
func (c *Coordinator) invalidateSession() {
	c.resetPending.Store(true)
	c.chunks.Clear()
}

// Run starts the polling loop and blocks until ctx is cancelled or
// Shutdown is called, then tears the session down.
func (c *Coordinator) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.WithFields(logrus.Fields{
		"model":     c.decoder.Profile().Model,
		"interval":  c.cfg.PollInterval,
		"staleness": c.cfg.StalenessWindow,
	}).Info("Reading coordinator started")

	// First cycle immediately rather than one interval late.
	c.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case <-c.done:
			c.teardown()
			return
		case <-c.refresh:
			c.cycle(ctx)
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

func (c *Coordinator) teardown() {
	c.manager.Shutdown()
	c.assembler.Reset()
	c.chunks.Clear()
	c.logger.Info("Reading coordinator stopped")
}

// cycle performs one poll iteration.
func (c *Coordinator) cycle(ctx context.Context) {
	if c.resetPending.Swap(false) {
		c.assembler.Reset()
		c.chunks.Clear()
	}

	if err := c.manager.EnsureConnected(ctx); err != nil {
		switch {
		case errors.Is(err, ErrShutdown):
			return
		case errors.Is(err, ErrBackoffPending):
			c.logger.WithField("error", err).Debug("Waiting out reconnect backoff")
		default:
			c.logger.WithField("error", err).Debug("Connect attempt failed this cycle")
		}
	}

	for {
		chunk, ok := c.chunks.TryPop()
		if !ok {
			break
		}
		for _, candidate := range c.assembler.Feed(chunk) {
			c.processCandidate(candidate)
		}
	}

	c.expireStale()
}

// processCandidate validates and decodes one frame candidate, updating
// either the published reading or the failure accounting.
func (c *Coordinator) processCandidate(candidate []byte) {
	if err := c.decoder.Profile().Validate(candidate); err != nil {
		c.recordFailure(err)
		c.logger.WithField("error", err).Debug("Frame rejected")
		return
	}

	reading, err := c.decoder.Decode(candidate)
	if err != nil {
		c.recordFailure(err)
		c.logger.WithField("error", err).Debug("Frame decode failed")
		return
	}
	reading.CapturedAt = c.now()

	c.mu.Lock()
	c.latest = reading
	c.lastSuccess = reading.CapturedAt
	c.decoded++
	c.failures = c.failures[:0]
	c.lastErr = nil
	c.mu.Unlock()

	fields := logrus.Fields{"finger": reading.FingerPresent}
	if reading.SpO2 != nil {
		fields["spo2"] = *reading.SpO2
	}
	if reading.PulseRate != nil {
		fields["pulse"] = *reading.PulseRate
	}
	if reading.PerfusionIndex != nil {
		fields["pi"] = *reading.PerfusionIndex
	}
	c.logger.WithFields(fields).Debug("Reading decoded")
}

// recordFailure counts a validator rejection or decode error within the
// failure window.
func (c *Coordinator) recordFailure(err error) {
	now := c.now()
	cutoff := now.Add(-c.cfg.FailureWindow)

	c.mu.Lock()
	c.rejected++
	c.lastErr = err
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)
	c.mu.Unlock()
}

// expireStale drops the published reading once it exceeds the staleness
// window.
func (c *Coordinator) expireStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest != nil && c.now().Sub(c.lastSuccess) > c.cfg.StalenessWindow {
		c.logger.WithField("last_reading", c.lastSuccess).Info("Reading went stale, marking unavailable")
		c.latest = nil
	}
}

// LatestReading returns the most recent decoded reading. ok is false
// when no reading is available: never decoded, stale, or too many
// recent protocol failures.
func (c *Coordinator) LatestReading() (*protocol.Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil, false
	}
	if c.now().Sub(c.lastSuccess) > c.cfg.StalenessWindow {
		return nil, false
	}
	// Only failures still inside the window count; a quiet stream must
	// not stay degraded on old rejects alone.
	cutoff := c.now().Add(-c.cfg.FailureWindow)
	recent := 0
	for _, t := range c.failures {
		if t.After(cutoff) {
			recent++
		}
	}
	if recent >= c.cfg.FailureThreshold {
		return nil, false
	}
	return c.latest, true
}

// ForceRefresh schedules an immediate cycle instead of waiting for the
// next tick. Non-blocking; coalesces with an already pending refresh.
func (c *Coordinator) ForceRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Shutdown stops the loop and releases the connection. Blocks until
// the loop has exited.
func (c *Coordinator) Shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	// Covers the case where Run was never started.
	c.manager.Shutdown()
}

// Diagnostics returns a snapshot of pipeline health counters.
func (c *Coordinator) Diagnostics() Diagnostics {
	st := c.manager.Status()

	c.mu.RLock()
	defer c.mu.RUnlock()

	d := Diagnostics{
		ConnectionState: st.State.String(),
		Retries:         st.Retries,
		NextAttempt:     st.NextAttempt,
		GarbageBytes:    c.assembler.GarbageBytes(),
		BufferOverflows: c.assembler.Overflows(),
		RejectedFrames:  c.rejected,
		DecodedFrames:   c.decoded,
		DroppedChunks:   c.chunks.Dropped(),
		LastReadingAt:   c.lastSuccess,
	}
	if c.lastErr != nil {
		d.LastDecodeError = c.lastErr.Error()
	}
	return d
}
