package protocol

import "fmt"

const (
	// StartByte marks the beginning of every frame.
	StartByte byte = 0xFF
	// HeaderLen covers start, mask and length bytes.
	HeaderLen = 3
	// PayloadCapacity is the decoder's fixed payload buffer size. Every mask
	// fits: MaskAll.Width() is 46.
	PayloadCapacity = 64
	// MaxFrameLen is the largest frame the decoder accepts.
	MaxFrameLen = HeaderLen + PayloadCapacity
)

// Frame is one decoded (mask, payload) pair.
type Frame struct {
	Mask    Mask
	Payload []byte
}

// AppendFrame appends [StartByte][mask][len][payload] to dst.
func AppendFrame(dst []byte, mask Mask, payload []byte) ([]byte, error) {
	if len(payload) > PayloadCapacity {
		return dst, fmt.Errorf("%w: %d bytes exceeds capacity %d", ErrFrameTooLarge, len(payload), PayloadCapacity)
	}
	dst = append(dst, StartByte, byte(mask), byte(len(payload)))
	return append(dst, payload...), nil
}

// EncodeFrame returns the wire bytes for mask and payload.
func EncodeFrame(mask Mask, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderLen+len(payload)), mask, payload)
}

// EncodeSnapshot packs the fields selected by mask and frames them in a
// single buffer, ready for one transport write.
func EncodeSnapshot(mask Mask, s *SensorSnapshot) ([]byte, error) {
	width := mask.Width()
	if width > PayloadCapacity {
		return nil, fmt.Errorf("%w: mask %s needs %d bytes", ErrFrameTooLarge, mask, width)
	}
	buf := make([]byte, 0, HeaderLen+width)
	buf = append(buf, StartByte, byte(mask), byte(width))
	out, err := AppendPayload(buf, mask, s)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Bytes re-encodes the frame in wire form.
func (f Frame) Bytes() []byte {
	out, err := EncodeFrame(f.Mask, f.Payload)
	if err != nil {
		return nil
	}
	return out
}
