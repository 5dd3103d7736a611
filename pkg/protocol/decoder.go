package protocol

import (
	"fmt"
	"time"
)

// DecoderState is the position of a Decoder within a frame.
type DecoderState uint8

const (
	StateWaitForStart DecoderState = iota
	StateWaitForMask
	StateWaitForLength
	StateWaitForPayload
)

func (s DecoderState) String() string {
	switch s {
	case StateWaitForStart:
		return "wait_for_start"
	case StateWaitForMask:
		return "wait_for_mask"
	case StateWaitForLength:
		return "wait_for_length"
	case StateWaitForPayload:
		return "wait_for_payload"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// DecoderStats counts decoder outcomes since construction.
type DecoderStats struct {
	Frames  uint64
	Dropped uint64
	Skipped uint64
}

// Decoder reassembles frames from a byte stream fed one byte at a time. It
// never writes past its fixed payload buffer. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	state   DecoderState
	mask    Mask
	length  int
	cursor  int
	payload [PayloadCapacity]byte
	started time.Time
	now     func() time.Time
	stats   DecoderStats
}

func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

func (d *Decoder) State() DecoderState {
	return d.state
}

func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.state = StateWaitForStart
	d.mask = 0
	d.length = 0
	d.cursor = 0
	d.started = time.Time{}
}

// Feed consumes one byte. It reports a completed frame with ok=true. A
// non-nil error means the partial frame was dropped and the decoder is back
// in StateWaitForStart.
func (d *Decoder) Feed(b byte) (frame Frame, ok bool, err error) {
	switch d.state {
	case StateWaitForStart:
		if b != StartByte {
			d.stats.Skipped++
			return Frame{}, false, nil
		}
		d.state = StateWaitForMask
		if d.now != nil {
			d.started = d.now()
		}
	case StateWaitForMask:
		d.mask = Mask(b)
		d.state = StateWaitForLength
	case StateWaitForLength:
		d.length = int(b)
		d.cursor = 0
		if d.length > PayloadCapacity {
			length := d.length
			d.drop()
			return Frame{}, false, fmt.Errorf("%w: declared length %d exceeds capacity %d", ErrFrameTooLarge, length, PayloadCapacity)
		}
		if d.length == 0 {
			return d.emit(), true, nil
		}
		d.state = StateWaitForPayload
	case StateWaitForPayload:
		// length <= PayloadCapacity was checked on entry, so cursor stays in range.
		d.payload[d.cursor] = b
		d.cursor++
		if d.cursor == d.length {
			return d.emit(), true, nil
		}
	default:
		d.Reset()
	}
	return Frame{}, false, nil
}

// FeedBytes feeds every byte of p, reporting frames and errors as they
// occur. Either callback may be nil.
func (d *Decoder) FeedBytes(p []byte, onFrame func(Frame), onError func(error)) {
	for _, b := range p {
		frame, ok, err := d.Feed(b)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if ok && onFrame != nil {
			onFrame(frame)
		}
	}
}

// Expire drops a partial frame whose start byte arrived more than maxAge
// before now. It returns ErrPartialFrameExpired when a frame was dropped.
func (d *Decoder) Expire(now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 || d.state == StateWaitForStart || d.started.IsZero() {
		return nil
	}
	age := now.Sub(d.started)
	if age <= maxAge {
		return nil
	}
	state := d.state
	d.drop()
	return fmt.Errorf("%w: stalled in %s for %s", ErrPartialFrameExpired, state, age)
}

func (d *Decoder) emit() Frame {
	frame := Frame{
		Mask:    d.mask,
		Payload: append([]byte(nil), d.payload[:d.length]...),
	}
	d.stats.Frames++
	d.Reset()
	return frame
}

func (d *Decoder) drop() {
	d.stats.Dropped++
	d.Reset()
}
