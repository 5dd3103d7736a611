// Package transport provides the byte-level duplex channels a link runs
// over: a real serial device, a serial-over-TCP bridge, and a simulated
// pair of queue files for running both nodes on one machine.
package transport

import (
	"errors"
	"io"
)

var (
	// ErrOpen reports that a channel could not be opened. Callers may fall
	// back to another kind.
	ErrOpen = errors.New("transport: open failed")
	// ErrIO reports a single failed read or write. The channel stays usable.
	ErrIO = errors.New("transport: io failed")
	// ErrInvalidNodeName reports a simulated node name other than A or B.
	ErrInvalidNodeName = errors.New("transport: invalid node name")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transport: closed")
)

// Transport is an ordered duplex byte stream.
//
// A single Write call is delivered to the peer as one contiguous run of
// bytes. Read returns (0, nil) when nothing arrived within the channel's
// read timeout; it never blocks indefinitely.
type Transport interface {
	io.ReadWriteCloser
	Name() string
}

const (
	NodeA = "A"
	NodeB = "B"
)

// Peer returns the other node of a pair.
func Peer(node string) (string, error) {
	switch node {
	case NodeA:
		return NodeB, nil
	case NodeB:
		return NodeA, nil
	default:
		return "", ErrInvalidNodeName
	}
}
