package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/utils/clock"

	"github.com/breeze-rmm/trafficmap/internal/logging"
)

var log = logging.L("stream")

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 512 * 1024

	DefaultRetryDelay = 3 * time.Second
	backoffFactor     = 2.0
	jitterFactor      = 0.3
)

// ErrNotOpen is logged when Send is called outside the Open state.
var ErrNotOpen = errors.New("link not open")

// State is the connection state of a Link.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateReconnectPending
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnectPending:
		return "reconnect_pending"
	default:
		return "unknown"
	}
}

// FrameHandler receives every inbound data frame, in arrival order. It runs on
// the link's read goroutine; blocking in it stalls reading.
type FrameHandler func(frame []byte)

// StateListener observes transitions. It is called with the link's lock held
// and must not call back into the Link.
type StateListener func(from, to State)

// Clock is the scheduling dependency of a Link.
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Link owns one websocket connection to the event source and keeps it alive:
// every transport failure moves it to Closed and schedules one retry, forever,
// until Close is called.
type Link struct {
	url       string
	handler   FrameHandler
	dialer    Dialer
	clock     Clock
	backoff   Backoff
	listener  StateListener
	keepAlive time.Duration

	mu           sync.Mutex
	state        State
	started      bool
	shuttingDown bool
	epoch        uint64
	conn         Conn
	retry        clock.Timer
	cancelDial   context.CancelFunc

	writeMu sync.Mutex
}

// Option configures a Link.
type Option func(*Link)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(l *Link) { l.dialer = d }
}

// WithClock replaces the real clock used to schedule retries and pings.
func WithClock(c Clock) Option {
	return func(l *Link) { l.clock = c }
}

// WithBackoff replaces the fixed DefaultRetryDelay policy.
func WithBackoff(b Backoff) Option {
	return func(l *Link) { l.backoff = b }
}

// WithStateListener registers a transition observer.
func WithStateListener(fn StateListener) Option {
	return func(l *Link) { l.listener = fn }
}

// WithKeepAlive sets the ping period; zero disables pings and read deadlines.
func WithKeepAlive(period time.Duration) Option {
	return func(l *Link) { l.keepAlive = period }
}

// New creates a link to url. Nothing is dialled until Open.
func New(url string, handler FrameHandler, opts ...Option) *Link {
	l := &Link{
		url:       url,
		handler:   handler,
		dialer:    NewWebSocketDialer(),
		clock:     clock.RealClock{},
		backoff:   FixedBackoff(DefaultRetryDelay),
		keepAlive: pingPeriod,
		state:     StateConnecting,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// URL returns the endpoint the link dials.
func (l *Link) URL() string { return l.url }

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ShuttingDown reports whether Close has been called. A Closed state with
// ShuttingDown false is transient and will be followed by a retry.
func (l *Link) ShuttingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shuttingDown
}

// Open starts connecting. It has no effect while Connecting or Open, or after
// Close. From Closed or ReconnectPending it dials immediately.
func (l *Link) Open() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shuttingDown {
		log.Debug("open ignored, link is shut down")
		return
	}
	if l.started && (l.state == StateConnecting || l.state == StateOpen) {
		return
	}
	l.started = true
	l.connectLocked()
}

// Close tears the link down for good: the pending retry is stopped before
// Close returns and no further transitions happen. Safe to call repeatedly.
func (l *Link) Close() {
	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		return
	}
	l.shuttingDown = true
	l.epoch++
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	conn := l.conn
	l.conn = nil
	l.setStateLocked(StateClosed)
	l.mu.Unlock()

	if conn != nil {
		l.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		l.writeMu.Unlock()
		conn.Close()
	}
	log.Info("link closed", logging.KeyServer, l.url)
}

// Send writes payload as a text frame. Outside Open it logs and returns false;
// a write failure is treated as a transport error and triggers a reconnect.
func (l *Link) Send(payload []byte) bool {
	l.mu.Lock()
	conn, state, epoch := l.conn, l.state, l.epoch
	l.mu.Unlock()

	if state != StateOpen || conn == nil {
		log.Warn("send dropped", logging.KeyState, state.String(), logging.KeyError, ErrNotOpen)
		return false
	}

	l.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteMessage(websocket.TextMessage, payload)
	l.writeMu.Unlock()

	if err != nil {
		log.Warn("write error", logging.KeyError, err)
		l.drop(epoch)
		return false
	}
	return true
}

func (l *Link) connectLocked() {
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	l.cancelDial = cancel
	l.setStateLocked(StateConnecting)
	go l.run(ctx, cancel, l.epoch)
}

// run dials once and, on success, pumps frames until the connection fails.
func (l *Link) run(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	clog := logging.WithConn(log, uuid.New().String())
	clog.Debug("dialing", logging.KeyServer, l.url)

	conn, err := l.dialer.Dial(ctx, l.url)
	cancel()

	l.mu.Lock()
	if l.shuttingDown || epoch != l.epoch {
		l.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		clog.Warn("connection failed", logging.KeyError, err)
		l.dropLocked(epoch)
		l.mu.Unlock()
		return
	}
	l.cancelDial = nil
	l.conn = conn
	l.backoff.Reset()
	l.setStateLocked(StateOpen)
	l.mu.Unlock()
	clog.Info("connected", logging.KeyServer, l.url)

	conn.SetReadLimit(maxMessageSize)
	done := make(chan struct{})
	if l.keepAlive > 0 {
		go l.pingLoop(conn, epoch, done)
	}
	err = l.readLoop(conn)
	close(done)

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		clog.Warn("read error", logging.KeyError, err)
	} else {
		clog.Info("connection closed", logging.KeyError, err)
	}
	l.drop(epoch)
}

func (l *Link) readLoop(conn Conn) error {
	if l.keepAlive > 0 {
		wait := l.keepAlive * 10 / 9
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		l.handler(frame)
	}
}

func (l *Link) pingLoop(conn Conn, epoch uint64, done <-chan struct{}) {
	ticker := l.clock.NewTicker(l.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			l.writeMu.Unlock()
			if err != nil {
				log.Warn("ping failed", logging.KeyError, err)
				l.drop(epoch)
				return
			}
		}
	}
}

// drop records a transport failure for the connection of the given epoch.
func (l *Link) drop(epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked(epoch)
}

// dropLocked moves a live attempt to Closed and schedules exactly one retry.
// Stale epochs and repeated reports for the same failure are ignored.
func (l *Link) dropLocked(epoch uint64) {
	if l.shuttingDown || epoch != l.epoch {
		return
	}
	if l.state != StateOpen && l.state != StateConnecting {
		return
	}

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.cancelDial = nil
	l.setStateLocked(StateClosed)

	delay := l.backoff.Next()
	log.Info("retrying", "delay", delay)
	l.retry = l.clock.AfterFunc(delay, func() {
		// keep the clock's callback short; the retry takes l.mu
		go l.fireRetry(epoch)
	})
	l.setStateLocked(StateReconnectPending)
}

func (l *Link) fireRetry(epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shuttingDown || epoch != l.epoch || l.state != StateReconnectPending {
		return
	}
	l.retry = nil
	l.connectLocked()
}

func (l *Link) setStateLocked(s State) {
	if l.state == s {
		return
	}
	from := l.state
	l.state = s
	log.Debug("state change", "from", from.String(), logging.KeyState, s.String())
	if l.listener != nil {
		l.listener(from, s)
	}
}
