package protocol

import "time"

// Event is one decoded frame together with the incoming snapshot it
// produced. It is the value handed to receive handlers and fanned out to
// consumers.
type Event struct {
	Node      string
	Timestamp time.Time
	Mask      Mask
	Payload   []byte
	Snapshot  SensorSnapshot
}

// Frame returns the event's frame in wire form.
func (e Event) Frame() []byte {
	return Frame{Mask: e.Mask, Payload: e.Payload}.Bytes()
}
