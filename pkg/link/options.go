package link

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTxPeriod  = 50 * time.Millisecond
	DefaultRxPeriod  = 5 * time.Millisecond
	DefaultStopGrace = 200 * time.Millisecond
	DefaultReadBuf   = 256
)

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNode sets the name stamped on received events.
func WithNode(node string) Option {
	return func(m *Manager) {
		m.node = node
	}
}

func WithTxPeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.txPeriod = d
		}
	}
}

func WithRxPeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.rxPeriod = d
		}
	}
}

func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.stopGrace = d
		}
	}
}

// WithPartialFrameTimeout discards a frame still being assembled d after
// its start byte. Zero disables expiry.
func WithPartialFrameTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.partialTimeout = d
		}
	}
}

func WithMessageHandler(h MessageHandler) Option {
	return func(m *Manager) {
		m.OnMessage(h)
	}
}

func WithReadBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.readBuf = n
		}
	}
}
