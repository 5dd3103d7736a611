package link

import "sensorlink/pkg/protocol"

// Each setter replaces one outgoing field and marks it dirty. Several sets
// between two transmit ticks coalesce into one frame carrying the latest
// values.

func (m *Manager) SetMotorEncoders(v [4]uint16) {
	m.set(protocol.MaskMotorEncoders, func(s *protocol.SensorSnapshot) { s.MotorEncoders = v })
}

func (m *Manager) SetHomeSwitches(v [4]bool) {
	m.set(protocol.MaskHomeSwitches, func(s *protocol.SensorSnapshot) { s.HomeSwitches = v })
}

func (m *Manager) SetPotentiometers(v [2]uint16) {
	m.set(protocol.MaskPotentiometers, func(s *protocol.SensorSnapshot) { s.Potentiometers = v })
}

func (m *Manager) SetRefDiode(v uint16) {
	m.set(protocol.MaskRefDiode, func(s *protocol.SensorSnapshot) { s.RefDiode = v })
}

func (m *Manager) SetTempSensor(v float32) {
	m.set(protocol.MaskTempSensor, func(s *protocol.SensorSnapshot) { s.TempSensor = v })
}

func (m *Manager) SetIMU(v [6]float32) {
	m.set(protocol.MaskIMU, func(s *protocol.SensorSnapshot) { s.IMU = v })
}

// Update applies fn to the outgoing snapshot under the lock and marks mask
// dirty. Producers use it to derive one field from another atomically.
func (m *Manager) Update(mask protocol.Mask, fn func(s *protocol.SensorSnapshot)) {
	m.set(mask&protocol.MaskAll, fn)
}

func (m *Manager) set(bit protocol.Mask, fn func(s *protocol.SensorSnapshot)) {
	m.mu.Lock()
	fn(&m.outgoing)
	m.dirty |= bit
	m.mu.Unlock()
}
