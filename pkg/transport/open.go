package transport

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	KindSerial = "serial"
	KindSim    = "sim"
	KindTCP    = "tcp"
)

// Config selects and parameterises a transport.
type Config struct {
	Kind   string
	Node   string
	SimDir string
	Serial SerialConfig
	TCP    string
	// TCPOptions are applied after the logger-backed error handler.
	TCPOptions []Option
}

// Open builds the transport named by cfg.Kind. A serial port that cannot be
// opened falls back to the simulated pair for cfg.Node (A when unset).
func Open(cfg Config, logger *zap.Logger) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Kind {
	case KindSerial, "":
		s, err := OpenSerial(cfg.Serial)
		if err == nil {
			logger.Info("serial transport open", zap.String("port", s.name))
			return s, nil
		}
		if !errors.Is(err, ErrOpen) {
			return nil, err
		}
		node := cfg.Node
		if node == "" {
			node = NodeA
		}
		logger.Warn("serial unavailable, falling back to simulated link",
			zap.Error(err),
			zap.String("node", node),
			zap.String("dir", cfg.SimDir),
		)
		return OpenSim(cfg.SimDir, node)
	case KindSim:
		return OpenSim(cfg.SimDir, cfg.Node)
	case KindTCP:
		if cfg.TCP == "" {
			return nil, fmt.Errorf("%w: tcp address is empty", ErrOpen)
		}
		opts := append([]Option{WithErrorHandler(func(err error) {
			logger.Warn("tcp transport error", zap.String("addr", cfg.TCP), zap.Error(err))
		})}, cfg.TCPOptions...)
		return NewTCP(cfg.TCP, opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", ErrOpen, cfg.Kind)
	}
}
