// Package influx stores decoded link events as InfluxDB points.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"sensorlink/pkg/protocol"
)

const (
	DefaultMeasurement   = "sensorlink"
	DefaultBatchSize     = 50
	DefaultFlushInterval = time.Second

	finalFlushTimeout = 5 * time.Second
)

// PointWriter is the subset of api.WriteAPIBlocking the writer needs.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	Measurement   string
	BatchSize     int
	FlushInterval time.Duration
}

type Writer struct {
	api    PointWriter
	client influxdb2.Client
	cfg    Config
	logger *zap.Logger

	written uint64
	failed  uint64
}

// New connects a blocking write API for cfg.Org and cfg.Bucket.
func New(cfg Config, logger *zap.Logger) *Writer {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := NewWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, logger)
	w.client = client
	return w
}

func NewWriter(api PointWriter, cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Writer{api: api, cfg: cfg, logger: logger.Named("influx")}
}

func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// Written and Failed count points by outcome. They are only meaningful
// after Consume returns.
func (w *Writer) Written() uint64 { return w.written }
func (w *Writer) Failed() uint64  { return w.failed }

// Consume batches events from in until ctx is done or in is closed. A
// batch is written when it reaches BatchSize or FlushInterval elapses. Write
// failures are logged and the batch dropped.
func (w *Writer) Consume(ctx context.Context, in <-chan protocol.Event) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*write.Point, 0, w.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.api.WritePoint(ctx, batch...); err != nil {
			w.failed += uint64(len(batch))
			w.logger.Warn("write points", zap.Int("points", len(batch)), zap.Error(err))
		} else {
			w.written += uint64(len(batch))
		}
		batch = batch[:0]
	}
	finalFlush := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		defer cancel()
		flush(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return nil
		case ev, ok := <-in:
			if !ok {
				finalFlush()
				return nil
			}
			p, ok := EventPoint(ev, w.cfg.Measurement)
			if !ok {
				continue
			}
			batch = append(batch, p)
			if len(batch) >= w.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// EventPoint flattens the fields flagged in ev.Mask into one point tagged
// with the node. Array fields become one field per element. It reports
// false when the event carries no fields.
func EventPoint(ev protocol.Event, measurement string) (*write.Point, bool) {
	if ev.Mask&protocol.MaskAll == 0 {
		return nil, false
	}
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s := ev.Snapshot
	fields := make(map[string]interface{}, 24)
	if ev.Mask.Has(protocol.FieldMotorEncoders) {
		for i, v := range s.MotorEncoders {
			fields[indexed("motor_encoder", i)] = int64(v)
		}
	}
	if ev.Mask.Has(protocol.FieldHomeSwitches) {
		for i, v := range s.HomeSwitches {
			fields[indexed("home_switch", i)] = v
		}
	}
	if ev.Mask.Has(protocol.FieldPotentiometers) {
		for i, v := range s.Potentiometers {
			fields[indexed("potentiometer", i)] = int64(v)
		}
	}
	if ev.Mask.Has(protocol.FieldRefDiode) {
		fields["ref_diode"] = int64(s.RefDiode)
	}
	if ev.Mask.Has(protocol.FieldTempSensor) {
		fields["temp_sensor"] = float64(s.TempSensor)
	}
	if ev.Mask.Has(protocol.FieldIMU) {
		for i, v := range s.IMU {
			fields[indexed("imu", i)] = float64(v)
		}
	}

	return influxdb2.NewPoint(measurement, map[string]string{"node": ev.Node}, fields, ts), true
}

func indexed(prefix string, i int) string {
	return fmt.Sprintf("%s_%d", prefix, i)
}
