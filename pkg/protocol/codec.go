package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// fieldCodec is the explicit per-field serializer. put and get are handed a
// slice of exactly the field's width.
type fieldCodec struct {
	put func(dst []byte, s *SensorSnapshot)
	get func(src []byte, s *SensorSnapshot)
}

var fieldCodecs = [fieldCount]fieldCodec{
	FieldMotorEncoders: {
		put: func(dst []byte, s *SensorSnapshot) { putUint16s(dst, s.MotorEncoders[:]) },
		get: func(src []byte, s *SensorSnapshot) { getUint16s(src, s.MotorEncoders[:]) },
	},
	FieldHomeSwitches: {
		put: func(dst []byte, s *SensorSnapshot) { putBools(dst, s.HomeSwitches[:]) },
		get: func(src []byte, s *SensorSnapshot) { getBools(src, s.HomeSwitches[:]) },
	},
	FieldPotentiometers: {
		put: func(dst []byte, s *SensorSnapshot) { putUint16s(dst, s.Potentiometers[:]) },
		get: func(src []byte, s *SensorSnapshot) { getUint16s(src, s.Potentiometers[:]) },
	},
	FieldRefDiode: {
		put: func(dst []byte, s *SensorSnapshot) { binary.LittleEndian.PutUint16(dst, s.RefDiode) },
		get: func(src []byte, s *SensorSnapshot) { s.RefDiode = binary.LittleEndian.Uint16(src) },
	},
	FieldTempSensor: {
		put: func(dst []byte, s *SensorSnapshot) {
			binary.LittleEndian.PutUint32(dst, math.Float32bits(s.TempSensor))
		},
		get: func(src []byte, s *SensorSnapshot) {
			s.TempSensor = math.Float32frombits(binary.LittleEndian.Uint32(src))
		},
	},
	FieldIMU: {
		put: func(dst []byte, s *SensorSnapshot) { putFloat32s(dst, s.IMU[:]) },
		get: func(src []byte, s *SensorSnapshot) { getFloat32s(src, s.IMU[:]) },
	},
}

// Pack encodes the fields selected by mask in wire order. The returned
// slice length is the frame's length byte.
func Pack(mask Mask, s *SensorSnapshot) ([]byte, error) {
	return AppendPayload(make([]byte, 0, mask.Width()), mask, s)
}

// AppendPayload appends the encoding of the fields selected by mask to dst.
func AppendPayload(dst []byte, mask Mask, s *SensorSnapshot) ([]byte, error) {
	if unknown := mask.Unknown(); unknown != 0 {
		return dst, fmt.Errorf("%w: %s", ErrUnknownField, unknown)
	}
	for f := Field(0); f < fieldCount; f++ {
		if !mask.Has(f) {
			continue
		}
		start := len(dst)
		end := start + fieldSpecs[f].Width()
		dst = growTo(dst, end)
		fieldCodecs[f].put(dst[start:end], s)
	}
	return dst, nil
}

// Unpack decodes payload into dst. The payload must be exactly mask.Width()
// bytes. On error dst is left untouched; fields outside mask are never
// modified.
func Unpack(mask Mask, payload []byte, dst *SensorSnapshot) error {
	if unknown := mask.Unknown(); unknown != 0 {
		return fmt.Errorf("%w: %w %s", ErrMalformedPayload, ErrUnknownField, unknown)
	}
	want := mask.Width()
	if len(payload) < want {
		return fmt.Errorf("%w: mask %s needs %d bytes, have %d", ErrMalformedPayload, mask, want, len(payload))
	}
	if len(payload) > want {
		return fmt.Errorf("%w: mask %s needs %d bytes, have %d trailing", ErrMalformedPayload, mask, want, len(payload)-want)
	}

	next := *dst
	cursor := 0
	for f := Field(0); f < fieldCount; f++ {
		if !mask.Has(f) {
			continue
		}
		w := fieldSpecs[f].Width()
		fieldCodecs[f].get(payload[cursor:cursor+w], &next)
		cursor += w
	}
	*dst = next
	return nil
}

func growTo(b []byte, n int) []byte {
	if n <= cap(b) {
		return b[:n]
	}
	out := make([]byte, n, n+n/2)
	copy(out, b)
	return out
}

func putUint16s(dst []byte, v []uint16) {
	for i, x := range v {
		binary.LittleEndian.PutUint16(dst[i*2:], x)
	}
}

func getUint16s(src []byte, v []uint16) {
	for i := range v {
		v[i] = binary.LittleEndian.Uint16(src[i*2:])
	}
}

func putBools(dst []byte, v []bool) {
	for i, x := range v {
		if x {
			dst[i] = 1
		} else {
			dst[i] = 0
		}
	}
}

func getBools(src []byte, v []bool) {
	for i := range v {
		v[i] = src[i] != 0
	}
}

func putFloat32s(dst []byte, v []float32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(x))
	}
}

func getFloat32s(src []byte, v []float32) {
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}
