package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"sensorlink/pkg/config"
	"sensorlink/pkg/protocol"
)

const (
	mockEncoderMax     = 511
	mockHomeThreshold  = 5
	mockRefDiodeBase   = 650
	mockRefDiodeJitter = 20

	mockTempMean      = 16.0
	mockTempAmplitude = 8.0
	mockTempPeriodSec = 24 * 60 * 60

	mockIMUAmplitude = 1.0
	mockIMUFreqHz    = 0.5
)

var mockIMUPhases = [6]float64{0, math.Pi / 3, 2 * math.Pi / 3, math.Pi, 4 * math.Pi / 3, 5 * math.Pi / 3}

// updater is the producer side of link.Manager.
type updater interface {
	Update(mask protocol.Mask, fn func(s *protocol.SensorSnapshot))
}

type mockPeriods struct {
	MotorEncoders  time.Duration
	HomeSwitches   time.Duration
	Potentiometers time.Duration
	RefDiode       time.Duration
	TempSensor     time.Duration
	IMU            time.Duration
}

func mockPeriodsFrom(cfg config.MockConfig) mockPeriods {
	return mockPeriods{
		MotorEncoders:  config.Duration(cfg.MotorEncoders),
		HomeSwitches:   config.Duration(cfg.HomeSwitches),
		Potentiometers: config.Duration(cfg.Potentiometers),
		RefDiode:       config.Duration(cfg.RefDiode),
		TempSensor:     config.Duration(cfg.TempSensor),
		IMU:            config.Duration(cfg.IMU),
	}
}

// mockSensors drives every outgoing field from its own generator, each on
// its own period, the way independent sensor polls would.
type mockSensors struct {
	out     updater
	periods mockPeriods
	rng     *rand.Rand
	start   time.Time

	// Owned by the encoder generator.
	direction [4]int
}

func newMockSensors(out updater, periods mockPeriods, seed int64) *mockSensors {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &mockSensors{
		out:       out,
		periods:   periods,
		rng:       rand.New(rand.NewSource(seed)),
		direction: [4]int{1, 1, 1, 1},
	}
}

func mockInitialSnapshot() protocol.SensorSnapshot {
	return protocol.SensorSnapshot{
		MotorEncoders:  [4]uint16{511, 255, 127, 63},
		Potentiometers: [2]uint16{512, 768},
		RefDiode:       900,
		TempSensor:     36.5,
		IMU:            [6]float32{0.01, 0.02, 0.03, 0.1, 0.2, 0.3},
	}
}

// Run publishes the initial values, then runs the generators until ctx is
// done.
func (ms *mockSensors) Run(ctx context.Context) error {
	ms.start = time.Now()
	initial := mockInitialSnapshot()
	ms.out.Update(protocol.MaskAll, func(s *protocol.SensorSnapshot) { *s = initial })

	g, gctx := errgroup.WithContext(ctx)
	every := func(period time.Duration, tick func()) {
		if period <= 0 {
			return
		}
		g.Go(func() error {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					tick()
				}
			}
		})
	}

	every(ms.periods.MotorEncoders, ms.tickEncoders)
	every(ms.periods.HomeSwitches, ms.tickHomeSwitches)
	every(ms.periods.Potentiometers, ms.tickPotentiometers)
	// rng is only touched by the ref diode generator.
	every(ms.periods.RefDiode, ms.tickRefDiode)
	every(ms.periods.TempSensor, ms.tickTemperature)
	every(ms.periods.IMU, ms.tickIMU)
	return g.Wait()
}

func (ms *mockSensors) tickEncoders() {
	ms.out.Update(protocol.MaskMotorEncoders, func(s *protocol.SensorSnapshot) {
		stepEncoders(&s.MotorEncoders, &ms.direction)
	})
}

func (ms *mockSensors) tickHomeSwitches() {
	ms.out.Update(protocol.MaskHomeSwitches, func(s *protocol.SensorSnapshot) {
		for i, v := range s.MotorEncoders {
			s.HomeSwitches[i] = v < mockHomeThreshold
		}
	})
}

func (ms *mockSensors) tickPotentiometers() {
	ms.out.Update(protocol.MaskPotentiometers, func(s *protocol.SensorSnapshot) {
		s.Potentiometers = [2]uint16{s.MotorEncoders[2], s.MotorEncoders[3]}
	})
}

func (ms *mockSensors) tickRefDiode() {
	v := mockRefDiode(ms.rng)
	ms.out.Update(protocol.MaskRefDiode, func(s *protocol.SensorSnapshot) { s.RefDiode = v })
}

func (ms *mockSensors) tickTemperature() {
	v := mockTemperature(time.Since(ms.start).Seconds())
	ms.out.Update(protocol.MaskTempSensor, func(s *protocol.SensorSnapshot) { s.TempSensor = v })
}

func (ms *mockSensors) tickIMU() {
	v := mockIMU(time.Since(ms.start).Seconds())
	ms.out.Update(protocol.MaskIMU, func(s *protocol.SensorSnapshot) { s.IMU = v })
}

// stepEncoders moves each encoder one count in its direction, bouncing
// between 0 and mockEncoderMax.
func stepEncoders(enc *[4]uint16, dir *[4]int) {
	for i := range enc {
		next := int(enc[i]) + dir[i]
		switch {
		case next >= mockEncoderMax:
			next = mockEncoderMax
			dir[i] = -1
		case next <= 0:
			next = 0
			dir[i] = 1
		}
		enc[i] = uint16(next)
	}
}

func mockRefDiode(rng *rand.Rand) uint16 {
	return uint16(mockRefDiodeBase + rng.Intn(2*mockRefDiodeJitter+1) - mockRefDiodeJitter)
}

func mockTemperature(t float64) float32 {
	return float32(mockTempMean + mockTempAmplitude*math.Sin(2*math.Pi*t/mockTempPeriodSec))
}

func mockIMU(t float64) [6]float32 {
	var out [6]float32
	for i, phase := range mockIMUPhases {
		out[i] = float32(mockIMUAmplitude * math.Sin(2*math.Pi*mockIMUFreqHz*t+phase))
	}
	return out
}
