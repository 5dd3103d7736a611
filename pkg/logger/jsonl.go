// Package logger records decoded link events as JSON lines.
package logger

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sigurn/crc16"

	"sensorlink/pkg/protocol"
)

var ErrChecksum = errors.New("logger: checksum mismatch")

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum is the CRC-16/MODBUS of frame.
func Checksum(frame []byte) uint16 {
	return crc16.Checksum(frame, crcTable)
}

type JSONLWriter struct {
	enc *json.Encoder
}

// Record is one captured frame.
type Record struct {
	TS         string         `json:"ts"`
	Node       string         `json:"node,omitempty"`
	Mask       string         `json:"mask"`
	Fields     []string       `json:"fields"`
	PayloadHex string         `json:"payload_hex"`
	CRC16      string         `json:"crc16"`
	Data       map[string]any `json:"data,omitempty"`
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

func NewRecord(ev protocol.Event) Record {
	fields := ev.Mask.Names()
	if fields == nil {
		fields = []string{}
	}
	return Record{
		TS:         ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Node:       ev.Node,
		Mask:       ev.Mask.String(),
		Fields:     fields,
		PayloadHex: hex.EncodeToString(ev.Payload),
		CRC16:      formatCRC(Checksum(ev.Frame())),
		Data:       ev.Snapshot.Selected(ev.Mask),
	}
}

func (j *JSONLWriter) Write(ev protocol.Event) error {
	return j.enc.Encode(NewRecord(ev))
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := j.Write(ev); err != nil {
				return fmt.Errorf("write capture record: %w", err)
			}
		}
	}
}

// Frame rebuilds the wire frame a record was captured from and checks it
// against the stored checksum.
func (r Record) Frame() (protocol.Frame, error) {
	mask, err := parseMask(r.Mask)
	if err != nil {
		return protocol.Frame{}, err
	}
	payload, err := hex.DecodeString(r.PayloadHex)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("payload_hex: %w", err)
	}
	frame := protocol.Frame{Mask: mask, Payload: payload}
	if got := formatCRC(Checksum(frame.Bytes())); got != r.CRC16 {
		return protocol.Frame{}, fmt.Errorf("%w: have %s, computed %s", ErrChecksum, r.CRC16, got)
	}
	return frame, nil
}

// ReadRecords decodes a capture stream, calling fn for each record in order.
func ReadRecords(r io.Reader, fn func(Record) error) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

func formatCRC(v uint16) string {
	return fmt.Sprintf("0x%04x", v)
}

func parseMask(s string) (protocol.Mask, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("mask %q: %w", s, err)
	}
	return protocol.Mask(v), nil
}
