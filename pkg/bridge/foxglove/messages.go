package foxglove

import (
	"encoding/binary"
	"time"

	"sensorlink/pkg/protocol"
)

const (
	OpServerInfo  = "serverInfo"
	OpAdvertise   = "advertise"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"

	BinaryOpMessageData = 0x01
)

type ServerInfoMsg struct {
	Op                 string            `json:"op"`
	Name               string            `json:"name"`
	Capabilities       []string          `json:"capabilities"`
	SupportedEncodings []string          `json:"supportedEncodings,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
}

type Channel struct {
	ID             uint64 `json:"id"`
	Topic          string `json:"topic"`
	Encoding       string `json:"encoding"`
	SchemaName     string `json:"schemaName"`
	SchemaEncoding string `json:"schemaEncoding,omitempty"`
	Schema         string `json:"schema,omitempty"`
}

type AdvertiseMsg struct {
	Op       string    `json:"op"`
	Channels []Channel `json:"channels"`
}

type Subscription struct {
	ID        uint32 `json:"id"`
	ChannelID uint64 `json:"channelId"`
}

type SubscribeMsg struct {
	Op            string         `json:"op"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type UnsubscribeMsg struct {
	Op              string   `json:"op"`
	SubscriptionIDs []uint32 `json:"subscriptionIds"`
}

func EncodeMessageData(subscriptionID uint32, logTime uint64, payload []byte) []byte {
	out := make([]byte, 1+4+8+len(payload))
	out[0] = BinaryOpMessageData
	binary.LittleEndian.PutUint32(out[1:5], subscriptionID)
	binary.LittleEndian.PutUint64(out[5:13], logTime)
	copy(out[13:], payload)
	return out
}

type FrameTime struct {
	Sec  uint32 `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

func frameTime(ts time.Time) FrameTime {
	return FrameTime{Sec: uint32(ts.Unix()), Nsec: uint32(ts.Nanosecond())}
}

type SnapshotMessage struct {
	Node       string                  `json:"node"`
	TS         string                  `json:"ts"`
	Mask       string                  `json:"mask"`
	Fields     []string                `json:"fields"`
	PayloadHex string                  `json:"payload_hex"`
	Data       map[string]any          `json:"data,omitempty"`
	Snapshot   protocol.SensorSnapshot `json:"snapshot"`
}

type TemperatureMessage struct {
	Timestamp FrameTime `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IMUMessage splits the six IMU values into accelerometer (0..2) and
// gyroscope (3..5) axes.
type IMUMessage struct {
	Timestamp FrameTime `json:"timestamp"`
	Accel     Vector3   `json:"accel"`
	Gyro      Vector3   `json:"gyro"`
}

type MotorsMessage struct {
	Timestamp      FrameTime `json:"timestamp"`
	Encoders       []uint16  `json:"encoders,omitempty"`
	HomeSwitches   []bool    `json:"home_switches,omitempty"`
	Potentiometers []uint16  `json:"potentiometers,omitempty"`
}
