package foxglove

import "strings"

const (
	ChannelSnapshot    uint64 = 1
	ChannelTemperature uint64 = 2
	ChannelIMU         uint64 = 3
	ChannelMotors      uint64 = 4
)

const SnapshotSchema = `{
  "type": "object",
  "properties": {
    "node": { "type": "string" },
    "ts": { "type": "string" },
    "mask": { "type": "string" },
    "fields": { "type": "array", "items": { "type": "string" } },
    "payload_hex": { "type": "string" },
    "data": { "type": "object", "additionalProperties": true },
    "snapshot": { "type": "object", "additionalProperties": true }
  },
  "required": ["node", "mask", "payload_hex"]
}`

const TemperatureSchema = `{
  "type": "object",
  "properties": {
    "timestamp": {
      "type": "object",
      "properties": {
        "sec": { "type": "integer" },
        "nsec": { "type": "integer" }
      },
      "required": ["sec", "nsec"]
    },
    "value": { "type": "number" },
    "unit": { "type": "string" }
  },
  "required": ["timestamp", "value", "unit"]
}`

const IMUSchema = `{
  "type": "object",
  "properties": {
    "timestamp": {
      "type": "object",
      "properties": {
        "sec": { "type": "integer" },
        "nsec": { "type": "integer" }
      },
      "required": ["sec", "nsec"]
    },
    "accel": {
      "type": "object",
      "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" } }
    },
    "gyro": {
      "type": "object",
      "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" } }
    }
  },
  "required": ["timestamp", "accel", "gyro"]
}`

const MotorsSchema = `{
  "type": "object",
  "properties": {
    "timestamp": {
      "type": "object",
      "properties": {
        "sec": { "type": "integer" },
        "nsec": { "type": "integer" }
      },
      "required": ["sec", "nsec"]
    },
    "encoders": { "type": "array", "items": { "type": "integer" } },
    "home_switches": { "type": "array", "items": { "type": "boolean" } },
    "potentiometers": { "type": "array", "items": { "type": "integer" } }
  },
  "required": ["timestamp"]
}`

type Config struct {
	WSAddr      string
	Name        string
	TopicPrefix string
	TempUnit    string
	SendBuf     int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:      "127.0.0.1:8765",
		Name:        "sensorlink",
		TopicPrefix: "/sensorlink",
		TempUnit:    "C",
		SendBuf:     256,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.WSAddr == "" {
		c.WSAddr = defaults.WSAddr
	}
	if c.Name == "" {
		c.Name = defaults.Name
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaults.TopicPrefix
	}
	if c.TempUnit == "" {
		c.TempUnit = defaults.TempUnit
	}
	if c.SendBuf <= 0 {
		c.SendBuf = defaults.SendBuf
	}
	return c
}

// Channels is the fixed channel table, with topics under TopicPrefix.
func (c Config) Channels() []Channel {
	prefix := "/" + strings.Trim(c.withDefaults().TopicPrefix, "/")
	return []Channel{
		{
			ID:             ChannelSnapshot,
			Topic:          prefix + "/snapshot",
			Encoding:       "json",
			SchemaName:     "sensorlink.Snapshot",
			SchemaEncoding: "jsonschema",
			Schema:         SnapshotSchema,
		},
		{
			ID:             ChannelTemperature,
			Topic:          prefix + "/temperature",
			Encoding:       "json",
			SchemaName:     "sensorlink.Temperature",
			SchemaEncoding: "jsonschema",
			Schema:         TemperatureSchema,
		},
		{
			ID:             ChannelIMU,
			Topic:          prefix + "/imu",
			Encoding:       "json",
			SchemaName:     "sensorlink.IMU",
			SchemaEncoding: "jsonschema",
			Schema:         IMUSchema,
		},
		{
			ID:             ChannelMotors,
			Topic:          prefix + "/motors",
			Encoding:       "json",
			SchemaName:     "sensorlink.Motors",
			SchemaEncoding: "jsonschema",
			Schema:         MotorsSchema,
		},
	}
}
