package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

const (
	DefaultSerialPort        = "/dev/ttyACM0"
	DefaultBaud              = 38400
	// DefaultSerialReadTimeout matches what the driver can honour: tarm/serial
	// maps ReadTimeout to VTIME in tenths of a second with a floor of one, so
	// an idle read blocks at least 100ms whatever smaller value is asked for.
	DefaultSerialReadTimeout = 100 * time.Millisecond
	// DefaultSettleDelay covers the board reset triggered by opening the port.
	DefaultSettleDelay = 2 * time.Second
)

// SerialConfig describes a real UART.
type SerialConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	SettleDelay time.Duration
}

func (c SerialConfig) withDefaults() SerialConfig {
	if c.Port == "" {
		c.Port = DefaultSerialPort
	}
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultSerialReadTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// Port is the subset of a serial device the transport needs.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// Serial adapts a Port to Transport.
type Serial struct {
	port Port
	name string

	mu     sync.Mutex
	closed bool
}

var _ Transport = (*Serial)(nil)

// NewSerial wraps an already open port.
func NewSerial(port Port, name string) *Serial {
	return &Serial{port: port, name: name}
}

// OpenSerial opens the device, waits SettleDelay for the board to come out
// of reset and discards anything it printed meanwhile.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	cfg = cfg.withDefaults()
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s: %w", ErrOpen, cfg.Port, err)
	}
	if cfg.SettleDelay > 0 {
		time.Sleep(cfg.SettleDelay)
	}
	_ = port.Flush()
	return NewSerial(port, cfg.Port), nil
}

func (s *Serial) Name() string {
	return "serial:" + s.name
}

func (s *Serial) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, nil
}

// Read maps the driver's read timeout (io.EOF with no data) to (0, nil).
func (s *Serial) Read(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	n, err := s.port.Read(p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return n, nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.port.Close()
}

func (s *Serial) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
