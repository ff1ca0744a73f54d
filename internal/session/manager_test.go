package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/oxim/internal/transport"
)

// fakeLink is a scriptable transport.Link for session tests.
type fakeLink struct {
	mu       sync.Mutex
	notify   transport.NotifyFunc
	subErr   error
	lost     chan struct{}
	lostOnce sync.Once
	closed   bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{lost: make(chan struct{})}
}

func (l *fakeLink) Subscribe(fn transport.NotifyFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subErr != nil {
		return l.subErr
	}
	l.notify = fn
	return nil
}

func (l *fakeLink) Disconnected() <-chan struct{} {
	return l.lost
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.lostOnce.Do(func() { close(l.lost) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// deliver pushes a notification chunk as the BLE stack would.
func (l *fakeLink) deliver(data []byte) {
	l.mu.Lock()
	fn := l.notify
	l.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// dropLink simulates link loss reported by the stack.
func (l *fakeLink) dropLink() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// fakeTransport scripts dial outcomes.
type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	subErr  error // applied to every link handed out
	dials   int
	links   []*fakeLink
	block   chan struct{} // non-nil: Dial blocks until closed
}

func (t *fakeTransport) Dial(ctx context.Context, opts transport.Options) (transport.Link, error) {
	t.mu.Lock()
	t.dials++
	block := t.block
	err := t.dialErr
	subErr := t.subErr
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, &transport.ConnectError{Address: opts.Address, Err: err}
	}

	link := newFakeLink()
	link.subErr = subErr
	t.mu.Lock()
	t.links = append(t.links, link)
	t.mu.Unlock()
	return link, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastLink() *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

func (t *fakeTransport) setDialErr(err error) {
	t.mu.Lock()
	t.dialErr = err
	t.mu.Unlock()
}

// fakeClock provides a controllable now() for backoff timing tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func testBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: 10 * time.Millisecond, Max: 80 * time.Millisecond, Multiplier: 2}
}

func newTestManager(t transport.Transport, clock *fakeClock) *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m := NewManager(ManagerConfig{
		Transport: t,
		Options:   transport.Options{Address: "AA:BB:CC:DD:EE:FF"},
		Backoff:   testBackoff(),
		Logger:    logger,
	})
	if clock != nil {
		m.now = clock.Now
	}
	return m
}

func TestManager_ConnectSuccess(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(ft, nil)
	defer m.Shutdown()

	require.NoError(t, m.EnsureConnected(context.Background()))

	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Zero(t, st.Retries)
	assert.Equal(t, 1, ft.dialCount())

	// Already connected: no second dial.
	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, 1, ft.dialCount())
}

func TestManager_FailureEntersBackoff(t *testing.T) {
	clock := newFakeClock()
	ft := &fakeTransport{dialErr: errors.New("device off")}
	m := newTestManager(ft, clock)
	defer m.Shutdown()

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)

	st := m.Status()
	assert.Equal(t, StateBackoff, st.State)
	assert.Equal(t, 1, st.Retries)
	assert.Equal(t, clock.Now().Add(10*time.Millisecond), st.NextAttempt)
}

func TestManager_BackoffWindowBlocksRedial(t *testing.T) {
	clock := newFakeClock()
	ft := &fakeTransport{dialErr: errors.New("device off")}
	m := newTestManager(ft, clock)
	defer m.Shutdown()

	require.Error(t, m.EnsureConnected(context.Background()))
	require.Equal(t, 1, ft.dialCount())

	// Inside the window: no dial happens.
	err := m.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, ErrBackoffPending)
	assert.Equal(t, 1, ft.dialCount())

	// Past the window: a new attempt goes out.
	clock.Set(m.Status().NextAttempt.Add(time.Millisecond))
	require.Error(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, 2, ft.dialCount())
}

func TestManager_BackoffGrowsAndPlateaus(t *testing.T) {
	clock := newFakeClock()
	ft := &fakeTransport{dialErr: errors.New("device off")}
	m := newTestManager(ft, clock)
	defer m.Shutdown()

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		before := clock.Now()
		require.Error(t, m.EnsureConnected(context.Background()))
		st := m.Status()
		delays = append(delays, st.NextAttempt.Sub(before))
		clock.Set(st.NextAttempt.Add(time.Millisecond))
	}

	assert.Equal(t, 10*time.Millisecond, delays[0])
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "delay %d shrank", i)
		assert.LessOrEqual(t, delays[i], 80*time.Millisecond, "delay %d exceeds cap", i)
	}
	// The tail must sit on the plateau, not keep growing.
	assert.Equal(t, 80*time.Millisecond, delays[len(delays)-1])
	assert.Equal(t, 80*time.Millisecond, delays[len(delays)-2])
}

func TestManager_BackoffResetsAfterSuccess(t *testing.T) {
	clock := newFakeClock()
	ft := &fakeTransport{dialErr: errors.New("device off")}
	m := newTestManager(ft, clock)
	defer m.Shutdown()

	// Grow the delay past the initial value.
	for i := 0; i < 3; i++ {
		require.Error(t, m.EnsureConnected(context.Background()))
		clock.Set(m.Status().NextAttempt.Add(time.Millisecond))
	}

	ft.setDialErr(nil)
	require.NoError(t, m.EnsureConnected(context.Background()))
	require.Equal(t, StateConnected, m.Status().State)

	// Next failure starts from the initial delay again.
	ft.lastLink().dropLink()
	require.Eventually(t, func() bool {
		return m.Status().State == StateBackoff
	}, time.Second, time.Millisecond)

	st := m.Status()
	assert.Equal(t, 1, st.Retries)
	assert.Equal(t, clock.Now().Add(10*time.Millisecond), st.NextAttempt)
}

func TestManager_SingleInFlightConnect(t *testing.T) {
	block := make(chan struct{})
	ft := &fakeTransport{block: block}
	m := newTestManager(ft, nil)
	defer m.Shutdown()

	firstDone := make(chan error, 1)
	go func() { firstDone <- m.EnsureConnected(context.Background()) }()

	require.Eventually(t, func() bool {
		return ft.dialCount() == 1
	}, time.Second, time.Millisecond)

	// Concurrent calls while a dial is in flight return without dialing.
	require.NoError(t, m.EnsureConnected(context.Background()))
	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, 1, ft.dialCount())

	close(block)
	require.NoError(t, <-firstDone)
	assert.Equal(t, StateConnected, m.Status().State)
}

func TestManager_SubscribeFailureIsConnectFailure(t *testing.T) {
	ft := &fakeTransport{subErr: errors.New("CCCD write failed")}
	m := newTestManager(ft, nil)
	defer m.Shutdown()

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)

	assert.True(t, ft.lastLink().isClosed())
	st := m.Status()
	assert.Equal(t, StateBackoff, st.State)
	assert.Equal(t, 1, st.Retries)
}

func TestManager_ShutdownIsTerminal(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(ft, nil)

	require.NoError(t, m.EnsureConnected(context.Background()))
	link := ft.lastLink()

	m.Shutdown()

	assert.True(t, link.isClosed())
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.ErrorIs(t, m.EnsureConnected(context.Background()), ErrShutdown)
	assert.Equal(t, 1, ft.dialCount())

	// Idempotent.
	m.Shutdown()
}

func TestManager_LinkLossInvalidatesSession(t *testing.T) {
	ft := &fakeTransport{}
	var invalidated int
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	done := make(chan struct{})
	m := NewManager(ManagerConfig{
		Transport:    ft,
		Options:      transport.Options{Address: "AA:BB:CC:DD:EE:FF"},
		Backoff:      testBackoff(),
		OnDisconnect: func() { invalidated++; close(done) },
		Logger:       logger,
	})
	defer m.Shutdown()

	require.NoError(t, m.EnsureConnected(context.Background()))

	ft.lastLink().dropLink()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect was not called after link loss")
	}

	assert.Equal(t, 1, invalidated)
	require.Eventually(t, func() bool {
		return m.Status().State == StateBackoff
	}, time.Second, time.Millisecond)
	require.Eventually(t, ft.lastLink().isClosed, time.Second, time.Millisecond)
}
