package link

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sensorlink/pkg/protocol"
	"sensorlink/pkg/transport"
)

type memTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	inbound  []byte
	failNext int
	closed   int
}

func (m *memTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return 0, transport.ErrIO
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (m *memTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.inbound)
	m.inbound = m.inbound[n:]
	return n, nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *memTransport) Name() string { return "mem" }

func (m *memTransport) feed(p []byte) {
	m.mu.Lock()
	m.inbound = append(m.inbound, p...)
	m.mu.Unlock()
}

func (m *memTransport) written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

func TestSettersCoalesceIntoOneFrame(t *testing.T) {
	tr := &memTransport{}
	m := New(tr, WithLogger(zaptest.NewLogger(t)))

	m.SetRefDiode(1)
	m.SetRefDiode(2)
	m.SetRefDiode(3)
	m.transmit()

	writes := tr.written()
	if len(writes) != 1 {
		t.Fatalf("expected one write, got %d", len(writes))
	}
	want := []byte{0xFF, 0x08, 0x02, 0x03, 0x00}
	if !bytes.Equal(writes[0], want) {
		t.Fatalf("unexpected frame: % X", writes[0])
	}

	m.transmit()
	if len(tr.written()) != 1 {
		t.Fatalf("clean tick must not write")
	}
}

func TestTransmitPacksEveryDirtyField(t *testing.T) {
	tr := &memTransport{}
	m := New(tr)

	m.SetMotorEncoders([4]uint16{10, 20, 30, 40})
	m.SetTempSensor(21.5)
	m.transmit()

	writes := tr.written()
	if len(writes) != 1 {
		t.Fatalf("expected one write, got %d", len(writes))
	}
	want := []byte{0xFF, 0x11, 0x0C,
		0x0A, 0x00, 0x14, 0x00, 0x1E, 0x00, 0x28, 0x00,
		0x00, 0x00, 0xAC, 0x41}
	if !bytes.Equal(writes[0], want) {
		t.Fatalf("unexpected frame: % X", writes[0])
	}
}

func TestFailedWriteRestoresDirtyBits(t *testing.T) {
	tr := &memTransport{failNext: 1}
	m := New(tr, WithLogger(zaptest.NewLogger(t)))

	m.SetRefDiode(650)
	m.transmit()
	if len(tr.written()) != 0 {
		t.Fatalf("failed write should not be recorded")
	}
	if got := m.Stats().TxErrors; got != 1 {
		t.Fatalf("expected one tx error, got %d", got)
	}

	m.SetTempSensor(1)
	m.transmit()
	writes := tr.written()
	if len(writes) != 1 {
		t.Fatalf("expected retry write, got %d", len(writes))
	}
	if protocol.Mask(writes[0][1]) != protocol.MaskRefDiode|protocol.MaskTempSensor {
		t.Fatalf("retry lost a field: mask %s", protocol.Mask(writes[0][1]))
	}
}

func TestSendPreservesOrder(t *testing.T) {
	tr := &memTransport{}
	m := New(tr)

	m.Send([]byte{0xFF, 0x08})
	raw := []byte{0x02, 0x01, 0x00}
	m.Send(raw)
	raw[0] = 0xEE
	if err := m.SendFrame(protocol.MaskRefDiode, []byte{0x05, 0x00}); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	m.SetRefDiode(9)
	m.transmit()

	var stream []byte
	for _, w := range tr.written() {
		stream = append(stream, w...)
	}
	want := []byte{
		0xFF, 0x08, 0x02, 0x01, 0x00,
		0xFF, 0x08, 0x02, 0x05, 0x00,
		0xFF, 0x08, 0x02, 0x09, 0x00,
	}
	if !bytes.Equal(stream, want) {
		t.Fatalf("unexpected stream: % X", stream)
	}
}

func TestRawQueueSurvivesEncodeFailure(t *testing.T) {
	tr := &memTransport{}
	m := New(tr)

	m.Send([]byte{0x01, 0x02})
	m.mu.Lock()
	m.dirty = protocol.Mask(0x40)
	m.mu.Unlock()
	m.transmit()

	writes := tr.written()
	if len(writes) != 1 || !bytes.Equal(writes[0], []byte{0x01, 0x02}) {
		t.Fatalf("raw chunk not flushed on encode failure: %v", writes)
	}
	if m.Stats().TxErrors != 1 {
		t.Fatalf("expected one tx error, got %d", m.Stats().TxErrors)
	}
	m.mu.Lock()
	dirty := m.dirty
	m.mu.Unlock()
	if dirty != protocol.Mask(0x40) {
		t.Fatalf("dirty bits changed on encode failure: %s", dirty)
	}
}

func TestReceiveDecodesAcrossReads(t *testing.T) {
	tr := &memTransport{}
	var events []protocol.Event
	m := New(tr, WithNode("A"), WithMessageHandler(func(ev protocol.Event) {
		events = append(events, ev)
	}))

	frame := []byte{0xFF, 0x10, 0x04, 0x00, 0x00, 0xAC, 0x41}
	buf := make([]byte, 4)
	tr.feed(frame[:2])
	m.receive(buf)
	tr.feed(frame[2:])
	m.receive(buf)

	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Node != "A" || ev.Mask != protocol.MaskTempSensor || ev.Snapshot.TempSensor != 21.5 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !bytes.Equal(ev.Frame(), frame) {
		t.Fatalf("event frame mismatch: % X", ev.Frame())
	}
}

func TestReceiveDropsMalformedFrame(t *testing.T) {
	tr := &memTransport{}
	calls := 0
	m := New(tr, WithLogger(zaptest.NewLogger(t)), WithMessageHandler(func(protocol.Event) { calls++ }))

	// Length 3 does not match ref_diode's 2 bytes; the next frame is fine.
	tr.feed([]byte{0xFF, 0x08, 0x03, 0x01, 0x02, 0x03, 0xFF, 0x08, 0x02, 0x8A, 0x02})
	m.receive(make([]byte, 64))

	if calls != 1 {
		t.Fatalf("expected one delivered frame, got %d", calls)
	}
	if m.incoming.RefDiode != 650 {
		t.Fatalf("unexpected incoming ref diode %d", m.incoming.RefDiode)
	}
	if got := m.Stats().Malformed; got != 1 {
		t.Fatalf("expected one malformed frame, got %d", got)
	}
}

func TestPartialFrameExpires(t *testing.T) {
	tr := &memTransport{}
	m := New(tr, WithLogger(zaptest.NewLogger(t)), WithPartialFrameTimeout(time.Millisecond))

	tr.feed([]byte{0xFF, 0x01, 0x08, 0x0A})
	m.receive(make([]byte, 64))
	time.Sleep(5 * time.Millisecond)
	m.receive(make([]byte, 64))

	if m.decoder.State() != protocol.StateWaitForStart {
		t.Fatalf("stalled frame not discarded, state %s", m.decoder.State())
	}
	if got := m.Stats().FramesDropped; got != 1 {
		t.Fatalf("expected one dropped frame, got %d", got)
	}
}

func TestLifecycle(t *testing.T) {
	tr := &memTransport{}
	m := New(tr, WithTxPeriod(time.Millisecond), WithRxPeriod(time.Millisecond))

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if tr.closed != 1 {
		t.Fatalf("transport closed %d times", tr.closed)
	}
	if err := m.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopWithoutStartClosesTransport(t *testing.T) {
	tr := &memTransport{}
	m := New(tr)
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.closed != 1 {
		t.Fatalf("transport not closed")
	}
}
