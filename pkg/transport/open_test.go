package transport_test

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"sensorlink/pkg/transport"
)

func TestOpenFallsBackToSim(t *testing.T) {
	dir := t.TempDir()
	tr, err := transport.Open(transport.Config{
		Kind:   transport.KindSerial,
		Node:   transport.NodeB,
		SimDir: dir,
		Serial: transport.SerialConfig{Port: filepath.Join(dir, "no-such-tty")},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	sim, ok := tr.(*transport.Sim)
	if !ok {
		t.Fatalf("expected sim fallback, got %T", tr)
	}
	if sim.Node() != transport.NodeB {
		t.Fatalf("fallback node %s", sim.Node())
	}
}

func TestOpenFallbackDefaultsToNodeA(t *testing.T) {
	dir := t.TempDir()
	tr, err := transport.Open(transport.Config{
		SimDir: dir,
		Serial: transport.SerialConfig{Port: filepath.Join(dir, "no-such-tty")},
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if tr.Name() != "sim:A" {
		t.Fatalf("unexpected transport %s", tr.Name())
	}
}

func TestOpenRejects(t *testing.T) {
	if _, err := transport.Open(transport.Config{Kind: transport.KindSim, Node: "x", SimDir: t.TempDir()}, nil); !errors.Is(err, transport.ErrInvalidNodeName) {
		t.Fatalf("expected ErrInvalidNodeName, got %v", err)
	}
	if _, err := transport.Open(transport.Config{Kind: "carrier-pigeon"}, nil); !errors.Is(err, transport.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if _, err := transport.Open(transport.Config{Kind: transport.KindTCP}, nil); !errors.Is(err, transport.ErrOpen) {
		t.Fatalf("expected ErrOpen for empty tcp address, got %v", err)
	}
}
