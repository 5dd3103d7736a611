package protocol

import (
	"fmt"
	"strings"
)

// Field identifies one sensor field by its bit position in a Mask.
type Field uint8

const (
	FieldMotorEncoders Field = iota
	FieldHomeSwitches
	FieldPotentiometers
	FieldRefDiode
	FieldTempSensor
	FieldIMU

	fieldCount
)

// Mask selects which fields are present in a frame payload.
type Mask uint8

const (
	MaskMotorEncoders  = Mask(1 << FieldMotorEncoders)
	MaskHomeSwitches   = Mask(1 << FieldHomeSwitches)
	MaskPotentiometers = Mask(1 << FieldPotentiometers)
	MaskRefDiode       = Mask(1 << FieldRefDiode)
	MaskTempSensor     = Mask(1 << FieldTempSensor)
	MaskIMU            = Mask(1 << FieldIMU)

	MaskAll = MaskMotorEncoders | MaskHomeSwitches | MaskPotentiometers |
		MaskRefDiode | MaskTempSensor | MaskIMU
)

// FieldSpec describes the wire layout of one field: Count elements of a
// fixed-size C type, little-endian.
type FieldSpec struct {
	Field Field
	Name  string
	CType string
	Count int
	Size  int
}

// Width is the number of payload bytes the field occupies.
func (s FieldSpec) Width() int {
	return s.Count * s.Size
}

var fieldSpecs = [fieldCount]FieldSpec{
	{Field: FieldMotorEncoders, Name: "motor_encoders", CType: "uint16_t", Count: 4, Size: 2},
	{Field: FieldHomeSwitches, Name: "home_switches", CType: "bool", Count: 4, Size: 1},
	{Field: FieldPotentiometers, Name: "potentiometers", CType: "uint16_t", Count: 2, Size: 2},
	{Field: FieldRefDiode, Name: "ref_diode", CType: "uint16_t", Count: 1, Size: 2},
	{Field: FieldTempSensor, Name: "temp_sensor", CType: "float", Count: 1, Size: 4},
	{Field: FieldIMU, Name: "imu", CType: "float", Count: 6, Size: 4},
}

// Fields returns the canonical field table in wire order.
func Fields() []FieldSpec {
	out := make([]FieldSpec, len(fieldSpecs))
	copy(out, fieldSpecs[:])
	return out
}

// FieldByName looks a field up by its wire name.
func FieldByName(name string) (Field, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, spec := range fieldSpecs {
		if spec.Name == name {
			return spec.Field, true
		}
	}
	return 0, false
}

func (f Field) Valid() bool {
	return f < fieldCount
}

func (f Field) Mask() Mask {
	if !f.Valid() {
		return 0
	}
	return Mask(1 << f)
}

func (f Field) Spec() FieldSpec {
	if !f.Valid() {
		return FieldSpec{Field: f}
	}
	return fieldSpecs[f]
}

func (f Field) String() string {
	if !f.Valid() {
		return fmt.Sprintf("field(%d)", uint8(f))
	}
	return fieldSpecs[f].Name
}

func (m Mask) Has(f Field) bool {
	return f.Valid() && m&f.Mask() != 0
}

// Unknown returns the bits of m that do not map to a defined field.
func (m Mask) Unknown() Mask {
	return m &^ MaskAll
}

// Fields lists the selected fields in wire order.
func (m Mask) Fields() []Field {
	out := make([]Field, 0, fieldCount)
	for f := Field(0); f < fieldCount; f++ {
		if m.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Names lists the wire names of the selected fields in wire order.
func (m Mask) Names() []string {
	fields := m.Fields()
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.String())
	}
	return out
}

// Width is the exact payload length the mask implies. Unknown bits
// contribute nothing.
func (m Mask) Width() int {
	total := 0
	for f := Field(0); f < fieldCount; f++ {
		if m.Has(f) {
			total += fieldSpecs[f].Width()
		}
	}
	return total
}

func (m Mask) String() string {
	return fmt.Sprintf("0x%02x", uint8(m))
}

// CTypeSize returns the byte size of a fixed-width C scalar type.
func CTypeSize(ctype string) (int, bool) {
	switch NormalizeCType(ctype) {
	case "float":
		return 4, true
	case "double":
		return 8, true
	case "int8_t", "uint8_t", "bool", "_bool", "char", "unsigned char":
		return 1, true
	case "int16_t", "uint16_t":
		return 2, true
	case "int32_t", "uint32_t":
		return 4, true
	case "int64_t", "uint64_t":
		return 8, true
	default:
		return 0, false
	}
}

// NormalizeCType lowercases a C type and strips qualifiers that do not
// affect layout.
func NormalizeCType(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "\t", " ")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	s = strings.TrimPrefix(s, "const ")
	s = strings.TrimPrefix(s, "volatile ")
	s = strings.TrimPrefix(s, "std::")
	return strings.TrimSpace(s)
}
