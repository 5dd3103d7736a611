package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCP is a serial-over-TCP client (ser2net style). It dials lazily,
// redials with linear backoff after a failure, and bounds every read with
// a deadline so Read honours the Transport contract.
type TCP struct {
	addr         string
	reconnect    time.Duration
	reconnectMax time.Duration
	dialTimeout  time.Duration
	readTimeout  time.Duration
	errorHandler func(error)
	dial         func(network, addr string, timeout time.Duration) (net.Conn, error)
	now          func() time.Time

	mu       sync.Mutex
	conn     net.Conn
	attempt  int
	nextDial time.Time
	closed   bool
}

var _ Transport = (*TCP)(nil)

type Option func(*TCP)

func WithReconnectInterval(d time.Duration) Option {
	return func(t *TCP) {
		if d > 0 {
			t.reconnect = d
		}
	}
}

func WithReconnectMax(d time.Duration) Option {
	return func(t *TCP) {
		if d > 0 {
			t.reconnectMax = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(t *TCP) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(t *TCP) {
		if d > 0 {
			t.readTimeout = d
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(t *TCP) {
		if fn != nil {
			t.errorHandler = fn
		}
	}
}

func NewTCP(addr string, opts ...Option) *TCP {
	t := &TCP{
		addr:         addr,
		reconnect:    1 * time.Second,
		reconnectMax: 30 * time.Second,
		dialTimeout:  5 * time.Second,
		readTimeout:  5 * time.Millisecond,
		dial:         net.DialTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DialTCP connects eagerly so an unreachable bridge surfaces as ErrOpen.
func DialTCP(addr string, opts ...Option) (*TCP, error) {
	t := NewTCP(addr, opts...)
	if _, err := t.connection(); err != nil {
		return nil, fmt.Errorf("%w: tcp %s: %w", ErrOpen, addr, err)
	}
	return t, nil
}

func (t *TCP) Name() string {
	return "tcp:" + t.addr
}

func (t *TCP) Write(p []byte) (int, error) {
	conn, err := t.connection()
	if err != nil {
		return 0, err
	}
	n, err := conn.Write(p)
	if err != nil {
		t.drop(conn, err)
		return n, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, nil
}

// Read returns (0, nil) on deadline expiry and while waiting out a
// reconnect backoff.
func (t *TCP) Read(p []byte) (int, error) {
	conn, err := t.connection()
	if err != nil {
		if errors.Is(err, errBackoff) {
			return 0, nil
		}
		return 0, err
	}
	_ = conn.SetReadDeadline(t.now().Add(t.readTimeout))
	n, err := conn.Read(p)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return n, nil
		}
		t.drop(conn, err)
		return n, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

var errBackoff = errors.New("transport: reconnect backoff")

func (t *TCP) connection() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}
	if now := t.now(); now.Before(t.nextDial) {
		return nil, fmt.Errorf("%w: %w", ErrIO, errBackoff)
	}

	conn, err := t.dial("tcp", t.addr, t.dialTimeout)
	if err != nil {
		t.attempt++
		t.nextDial = t.now().Add(t.backoff(t.attempt))
		t.handleError(err)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrIO, t.addr, err)
	}
	t.attempt = 0
	t.nextDial = time.Time{}
	t.conn = conn
	return conn, nil
}

// drop discards conn after an I/O error unless another goroutine already
// replaced it.
func (t *TCP) drop(conn net.Conn, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return
	}
	_ = conn.Close()
	t.conn = nil
	t.attempt = 1
	t.nextDial = t.now().Add(t.backoff(t.attempt))
	t.handleError(cause)
}

func (t *TCP) backoff(attempt int) time.Duration {
	return min(t.reconnect*time.Duration(attempt), t.reconnectMax)
}

func (t *TCP) handleError(err error) {
	if t.errorHandler != nil {
		t.errorHandler(err)
	}
}
