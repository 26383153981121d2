package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const retryDelay = 3 * time.Second

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, f, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}
func (c *fakeConn) SetReadLimit(int64)                        {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// fakeDialer hands out a fresh fakeConn per attempt unless told to fail or block.
type fakeDialer struct {
	attempts atomic.Int32
	fail     atomic.Bool
	block    atomic.Bool
	conns    chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.attempts.Add(1)
	if d.block.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialled")
		return nil
	}
}

type harness struct {
	link   *Link
	dialer *fakeDialer
	clock  *clocktesting.FakeClock
	states chan State
	frames chan []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		states: make(chan State, 64),
		frames: make(chan []byte, 64),
	}
	h.link = New("ws://collector.local/",
		func(f []byte) { h.frames <- f },
		WithDialer(h.dialer),
		WithClock(h.clock),
		WithBackoff(FixedBackoff(retryDelay)),
		WithKeepAlive(0),
		WithStateListener(func(_, to State) { h.states <- to }),
	)
	t.Cleanup(h.link.Close)
	return h
}

func (h *harness) expectStates(t *testing.T, want ...State) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-h.states:
			require.Equal(t, w.String(), got.String())
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for state %s", w)
		}
	}
}

func (h *harness) expectNoState(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.states:
		t.Fatalf("unexpected transition to %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOpenConnectsAndForwardsFrames(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StateConnecting, h.link.State(), "initial state")

	h.link.Open()
	h.expectStates(t, StateOpen)

	conn := h.dialer.next(t)
	conn.frames <- []byte(`{"type":"connection_test"}`)
	conn.frames <- []byte(`{"type":"packet"}`)

	assert.Equal(t, `{"type":"connection_test"}`, string(<-h.frames))
	assert.Equal(t, `{"type":"packet"}`, string(<-h.frames))
}

func TestOpenIsIdempotentWhileOpen(t *testing.T) {
	h := newHarness(t)
	h.link.Open()
	h.expectStates(t, StateOpen)

	h.link.Open()
	h.link.Open()
	h.expectNoState(t)
	assert.EqualValues(t, 1, h.dialer.attempts.Load())
}

func TestOpenIsIdempotentWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.dialer.block.Store(true)

	h.link.Open()
	require.Eventually(t, func() bool { return h.dialer.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.link.Open()
	h.expectNoState(t)
	assert.EqualValues(t, 1, h.dialer.attempts.Load())
}

func TestRemoteCloseSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.link.Open()
	h.expectStates(t, StateOpen)

	h.dialer.next(t).Close()
	h.expectStates(t, StateClosed, StateReconnectPending)
	assert.False(t, h.link.ShuttingDown())

	h.clock.Step(retryDelay - time.Millisecond)
	h.expectNoState(t)

	h.clock.Step(time.Millisecond)
	h.expectStates(t, StateConnecting, StateOpen)
	assert.EqualValues(t, 2, h.dialer.attempts.Load())
}

func TestDialFailureRetriesForever(t *testing.T) {
	h := newHarness(t)
	h.dialer.fail.Store(true)

	h.link.Open()
	for i := 0; i < 5; i++ {
		h.expectStates(t, StateClosed, StateReconnectPending)
		if i == 4 {
			h.dialer.fail.Store(false)
		}
		h.clock.Step(retryDelay)
		h.expectStates(t, StateConnecting)
	}

	h.expectStates(t, StateOpen)
	assert.EqualValues(t, 6, h.dialer.attempts.Load())
}

func TestCloseHaltsRetries(t *testing.T) {
	h := newHarness(t)
	h.link.Open()
	h.expectStates(t, StateOpen)

	h.dialer.next(t).Close()
	h.expectStates(t, StateClosed, StateReconnectPending)

	h.link.Close()
	h.expectStates(t, StateClosed)
	assert.True(t, h.link.ShuttingDown())

	h.clock.Step(10 * retryDelay)
	h.expectNoState(t)
	assert.Equal(t, StateClosed, h.link.State())
	assert.EqualValues(t, 1, h.dialer.attempts.Load())

	h.link.Close()
	h.link.Open()
	h.expectNoState(t)
	assert.EqualValues(t, 1, h.dialer.attempts.Load())
}

func TestCloseWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.dialer.block.Store(true)
	h.link.Open()
	require.Eventually(t, func() bool { return h.dialer.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.link.Close()
	h.expectStates(t, StateClosed)

	h.clock.Step(10 * retryDelay)
	h.expectNoState(t)
	assert.EqualValues(t, 1, h.dialer.attempts.Load())
}

func TestCloseOnOpenLinkStopsReading(t *testing.T) {
	h := newHarness(t)
	h.link.Open()
	h.expectStates(t, StateOpen)
	conn := h.dialer.next(t)

	h.link.Close()
	h.expectStates(t, StateClosed)
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
	h.expectNoState(t)
}

func TestSendOnlyWhenOpen(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.link.Send([]byte("ping")), "send before open")

	h.link.Open()
	h.expectStates(t, StateOpen)
	conn := h.dialer.next(t)

	require.True(t, h.link.Send([]byte("ping")))
	assert.Equal(t, [][]byte{[]byte("ping")}, conn.written())

	h.link.Close()
	assert.False(t, h.link.Send([]byte("ping")), "send after close")
}

func TestOpenFromReconnectPendingDialsImmediately(t *testing.T) {
	h := newHarness(t)
	h.link.Open()
	h.expectStates(t, StateOpen)
	h.dialer.next(t).Close()
	h.expectStates(t, StateClosed, StateReconnectPending)

	h.link.Open()
	h.expectStates(t, StateConnecting, StateOpen)

	// the superseded retry timer must not start a second attempt
	h.clock.Step(retryDelay)
	h.expectNoState(t)
	assert.EqualValues(t, 2, h.dialer.attempts.Load())
}
