// Package link runs one end of a point-to-point sensor link: producers set
// field values, a transmit loop frames whatever changed since the last tick,
// and a receive loop decodes the peer's frames into an incoming snapshot.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensorlink/pkg/protocol"
	"sensorlink/pkg/transport"
)

var (
	ErrAlreadyStarted = errors.New("link: already started")
	ErrStopped        = errors.New("link: stopped")
)

// MessageHandler receives every decoded frame. It runs on the receive
// goroutine; a slow handler delays decoding of later bytes.
type MessageHandler func(protocol.Event)

type Manager struct {
	tr             transport.Transport
	logger         *zap.Logger
	node           string
	txPeriod       time.Duration
	rxPeriod       time.Duration
	stopGrace      time.Duration
	partialTimeout time.Duration
	readBuf        int

	// mu guards the outgoing side.
	mu       sync.Mutex
	outgoing protocol.SensorSnapshot
	dirty    protocol.Mask
	queue    [][]byte

	handlerMu sync.RWMutex
	handler   MessageHandler

	// Owned by the receive goroutine.
	incoming protocol.SensorSnapshot
	decoder  *protocol.Decoder

	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	stopCh   chan struct{}
	loopsWG  sync.WaitGroup
	closeErr error

	stats counters
}

// New builds a Manager over tr. The outgoing and incoming snapshots start
// zeroed; nothing is sent until a setter marks a field dirty.
func New(tr transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		tr:        tr,
		logger:    zap.NewNop(),
		txPeriod:  DefaultTxPeriod,
		rxPeriod:  DefaultRxPeriod,
		stopGrace: DefaultStopGrace,
		readBuf:   DefaultReadBuf,
		decoder:   protocol.NewDecoder(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("transport", tr.Name()))
	if m.node != "" {
		m.logger = m.logger.With(zap.String("node", m.node))
	}
	return m
}

// OnMessage replaces the receive handler. A nil handler disables delivery.
func (m *Manager) OnMessage(h MessageHandler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

func (m *Manager) currentHandler() MessageHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Start launches the transmit and receive loops.
func (m *Manager) Start() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	m.loopsWG.Add(2)
	go m.txLoop()
	go m.rxLoop()
	m.logger.Debug("link started",
		zap.Duration("tx_period", m.txPeriod),
		zap.Duration("rx_period", m.rxPeriod),
	)
	return nil
}

// Stop signals both loops, waits up to the grace period for them to exit,
// then closes the transport whether or not they did. Later calls return the
// first call's result.
func (m *Manager) Stop() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopped {
		return m.closeErr
	}
	m.stopped = true
	close(m.stopCh)

	if m.started {
		done := make(chan struct{})
		go func() {
			m.loopsWG.Wait()
			close(done)
		}()
		timer := time.NewTimer(m.stopGrace)
		select {
		case <-done:
		case <-timer.C:
			m.logger.Warn("link loops still running after grace period", zap.Duration("grace", m.stopGrace))
		}
		timer.Stop()
	}

	if err := m.tr.Close(); err != nil {
		m.closeErr = fmt.Errorf("close transport: %w", err)
	}
	m.logger.Debug("link stopped")
	return m.closeErr
}

// Run starts the manager and stops it when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Stop()
}

func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// Outgoing returns a copy of the outgoing snapshot.
func (m *Manager) Outgoing() protocol.SensorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outgoing
}

// Send queues raw bytes for the next transmit tick. Chunks are written in
// the order they were queued, ahead of that tick's field frame.
func (m *Manager) Send(raw []byte) {
	if len(raw) == 0 {
		return
	}
	chunk := append([]byte(nil), raw...)
	m.mu.Lock()
	m.queue = append(m.queue, chunk)
	m.mu.Unlock()
}

// SendFrame frames payload under mask and queues it like Send.
func (m *Manager) SendFrame(mask protocol.Mask, payload []byte) error {
	frame, err := protocol.EncodeFrame(mask, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.queue = append(m.queue, frame)
	m.mu.Unlock()
	return nil
}

func (m *Manager) txLoop() {
	defer m.loopsWG.Done()
	ticker := time.NewTicker(m.txPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.transmit()
		}
	}
}

// transmit flushes the raw queue, then sends one frame carrying every dirty
// field. The frame is built under mu and written outside it. If the write
// fails the sent bits are marked dirty again so the next tick retries them
// with whatever values are current by then.
func (m *Manager) transmit() {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	mask := m.dirty
	var frame []byte
	if mask != 0 {
		var err error
		frame, err = protocol.EncodeSnapshot(mask, &m.outgoing)
		if err != nil {
			// The raw queue still goes out; the dirty bits stay set.
			frame = nil
			m.stats.txErrors.Add(1)
			m.logger.Error("encode outgoing snapshot", zap.Stringer("mask", mask), zap.Error(err))
		} else {
			m.dirty = 0
		}
	}
	m.mu.Unlock()

	for _, chunk := range queue {
		if err := m.write(chunk); err != nil {
			m.logger.Warn("raw send failed, chunk dropped", zap.Int("bytes", len(chunk)), zap.Error(err))
		}
	}

	if frame == nil {
		return
	}
	if err := m.write(frame); err != nil {
		m.mu.Lock()
		m.dirty |= mask
		m.mu.Unlock()
		m.logger.Warn("frame send failed, fields kept dirty", zap.Stringer("mask", mask), zap.Error(err))
		return
	}
	m.stats.framesSent.Add(1)
}

func (m *Manager) write(p []byte) error {
	n, err := m.tr.Write(p)
	if err == nil && n != len(p) {
		err = fmt.Errorf("%w: short write %d of %d bytes", transport.ErrIO, n, len(p))
	}
	if err != nil {
		m.stats.txErrors.Add(1)
		return err
	}
	m.stats.bytesSent.Add(uint64(n))
	return nil
}

func (m *Manager) rxLoop() {
	defer m.loopsWG.Done()
	ticker := time.NewTicker(m.rxPeriod)
	defer ticker.Stop()
	buf := make([]byte, m.readBuf)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.receive(buf)
		}
	}
}

// receive drains what the transport has ready. A full buffer means more may
// be waiting, so it reads again.
func (m *Manager) receive(buf []byte) {
	for {
		n, err := m.tr.Read(buf)
		if n > 0 {
			m.stats.bytesReceived.Add(uint64(n))
			m.decoder.FeedBytes(buf[:n], m.handleFrame, m.handleDecodeError)
		}
		if err != nil {
			m.stats.rxErrors.Add(1)
			m.logger.Warn("transport read failed", zap.Error(err))
			break
		}
		if n < len(buf) {
			break
		}
		select {
		case <-m.stopCh:
			return
		default:
		}
	}

	if m.partialTimeout > 0 {
		if err := m.decoder.Expire(time.Now(), m.partialTimeout); err != nil {
			m.handleDecodeError(err)
		}
	}
}

func (m *Manager) handleFrame(f protocol.Frame) {
	if err := protocol.Unpack(f.Mask, f.Payload, &m.incoming); err != nil {
		m.stats.malformed.Add(1)
		m.logger.Warn("malformed frame dropped",
			zap.Stringer("mask", f.Mask),
			zap.Int("length", len(f.Payload)),
			zap.Error(err),
		)
		return
	}
	m.stats.framesReceived.Add(1)

	h := m.currentHandler()
	if h == nil {
		return
	}
	h(protocol.Event{
		Node:      m.node,
		Timestamp: time.Now(),
		Mask:      f.Mask,
		Payload:   f.Payload,
		Snapshot:  m.incoming,
	})
}

func (m *Manager) handleDecodeError(err error) {
	m.stats.framesDropped.Add(1)
	m.logger.Warn("frame dropped", zap.Error(err))
}
