package protocol

// SensorSnapshot holds the latest known value of every sensor field for one
// direction of the link. It is a plain value; copying it is cheap.
type SensorSnapshot struct {
	MotorEncoders  [4]uint16  `json:"motor_encoders"`
	HomeSwitches   [4]bool    `json:"home_switches"`
	Potentiometers [2]uint16  `json:"potentiometers"`
	RefDiode       uint16     `json:"ref_diode"`
	TempSensor     float32    `json:"temp_sensor"`
	IMU            [6]float32 `json:"imu"`
}

// Value returns the current value of f. Arrays are returned as slices of a
// copy, so callers may keep them.
func (s *SensorSnapshot) Value(f Field) any {
	switch f {
	case FieldMotorEncoders:
		v := s.MotorEncoders
		return v[:]
	case FieldHomeSwitches:
		v := s.HomeSwitches
		return v[:]
	case FieldPotentiometers:
		v := s.Potentiometers
		return v[:]
	case FieldRefDiode:
		return s.RefDiode
	case FieldTempSensor:
		return s.TempSensor
	case FieldIMU:
		v := s.IMU
		return v[:]
	default:
		return nil
	}
}

// Selected returns the values of the fields in mask keyed by wire name.
func (s *SensorSnapshot) Selected(mask Mask) map[string]any {
	out := make(map[string]any, fieldCount)
	for _, f := range mask.Fields() {
		out[f.String()] = s.Value(f)
	}
	return out
}
