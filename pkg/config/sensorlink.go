// Package config loads sensorlink.toml (or .yaml) with defaults filled in.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"sensorlink/pkg/logging"
	"sensorlink/pkg/transport"
)

const DefaultConfigPath = "sensorlink.toml"

type Config struct {
	Link     LinkConfig     `toml:"link" yaml:"link"`
	Serial   SerialConfig   `toml:"serial" yaml:"serial"`
	Sim      SimConfig      `toml:"sim" yaml:"sim"`
	TCP      TCPConfig      `toml:"tcp" yaml:"tcp"`
	Log      logging.Config `toml:"log" yaml:"log"`
	Capture  CaptureConfig  `toml:"capture" yaml:"capture"`
	Foxglove FoxgloveConfig `toml:"foxglove" yaml:"foxglove"`
	Influx   InfluxConfig   `toml:"influx" yaml:"influx"`
	Layout   LayoutConfig   `toml:"layout" yaml:"layout"`
	Mock     MockConfig     `toml:"mock" yaml:"mock"`

	configPath string `toml:"-" yaml:"-"`
}

type LinkConfig struct {
	Node                string `toml:"node" yaml:"node"`
	Transport           string `toml:"transport" yaml:"transport"`
	TxPeriod            string `toml:"tx_period" yaml:"tx_period"`
	RxPeriod            string `toml:"rx_period" yaml:"rx_period"`
	StopGrace           string `toml:"stop_grace" yaml:"stop_grace"`
	PartialFrameTimeout string `toml:"partial_frame_timeout" yaml:"partial_frame_timeout"`
	ReadBuffer          int    `toml:"read_buffer" yaml:"read_buffer"`
}

type SerialConfig struct {
	Port        string `toml:"port" yaml:"port"`
	Baud        int    `toml:"baud" yaml:"baud"`
	ReadTimeout string `toml:"read_timeout" yaml:"read_timeout"`
	SettleDelay string `toml:"settle_delay" yaml:"settle_delay"`
}

type SimConfig struct {
	Dir     string `toml:"dir" yaml:"dir"`
	Cleanup bool   `toml:"cleanup" yaml:"cleanup"`
}

type TCPConfig struct {
	Addr         string `toml:"addr" yaml:"addr"`
	Reconnect    string `toml:"reconnect" yaml:"reconnect"`
	ReconnectMax string `toml:"reconnect_max" yaml:"reconnect_max"`
	DialTimeout  string `toml:"dial_timeout" yaml:"dial_timeout"`
}

type CaptureConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

type FoxgloveConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	WSAddr      string `toml:"ws_addr" yaml:"ws_addr"`
	TopicPrefix string `toml:"topic_prefix" yaml:"topic_prefix"`
	Name        string `toml:"name" yaml:"name"`
}

type InfluxConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	URL           string `toml:"url" yaml:"url"`
	Token         string `toml:"token" yaml:"token"`
	Org           string `toml:"org" yaml:"org"`
	Bucket        string `toml:"bucket" yaml:"bucket"`
	Measurement   string `toml:"measurement" yaml:"measurement"`
	BatchSize     int    `toml:"batch_size" yaml:"batch_size"`
	FlushInterval string `toml:"flush_interval" yaml:"flush_interval"`
}

type LayoutConfig struct {
	Header string `toml:"header" yaml:"header"`
	Struct string `toml:"struct" yaml:"struct"`
}

// MockConfig sets the update period of each simulated sensor.
type MockConfig struct {
	MotorEncoders  string `toml:"motor_encoders" yaml:"motor_encoders"`
	HomeSwitches   string `toml:"home_switches" yaml:"home_switches"`
	Potentiometers string `toml:"potentiometers" yaml:"potentiometers"`
	RefDiode       string `toml:"ref_diode" yaml:"ref_diode"`
	TempSensor     string `toml:"temp_sensor" yaml:"temp_sensor"`
	IMU            string `toml:"imu" yaml:"imu"`
	Seed           int64  `toml:"seed" yaml:"seed"`
}

func Default() Config {
	return Config{
		Link: LinkConfig{
			Node:                transport.NodeA,
			Transport:           transport.KindSerial,
			TxPeriod:            "50ms",
			RxPeriod:            "5ms",
			StopGrace:           "200ms",
			PartialFrameTimeout: "500ms",
			ReadBuffer:          256,
		},
		Serial: SerialConfig{
			Port:        transport.DefaultSerialPort,
			Baud:        transport.DefaultBaud,
			ReadTimeout: "100ms",
			SettleDelay: "2s",
		},
		Sim: SimConfig{Dir: "."},
		TCP: TCPConfig{
			Reconnect:    "1s",
			ReconnectMax: "30s",
			DialTimeout:  "5s",
		},
		Log:     logging.DefaultConfig(),
		Capture: CaptureConfig{Path: "sensorlink.jsonl"},
		Foxglove: FoxgloveConfig{
			WSAddr:      "127.0.0.1:8765",
			TopicPrefix: "/sensorlink",
			Name:        "sensorlink",
		},
		Influx: InfluxConfig{
			URL:           "http://127.0.0.1:8086",
			Measurement:   "sensorlink",
			BatchSize:     100,
			FlushInterval: "1s",
		},
		Layout: LayoutConfig{Struct: "Sensors"},
		Mock: MockConfig{
			MotorEncoders:  "20ms",
			HomeSwitches:   "40ms",
			Potentiometers: "40ms",
			RefDiode:       "100ms",
			TempSensor:     "200ms",
			IMU:            "40ms",
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path if it exists. A missing file yields the defaults
// and exists=false.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := unmarshal(path, data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := marshal(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	switch cfg.Link.Node {
	case transport.NodeA, transport.NodeB:
	default:
		return fmt.Errorf("validate: link.node must be %s or %s, got %q", transport.NodeA, transport.NodeB, cfg.Link.Node)
	}
	switch cfg.Link.Transport {
	case transport.KindSerial, transport.KindSim, transport.KindTCP:
	default:
		return fmt.Errorf("validate: link.transport must be serial, sim or tcp, got %q", cfg.Link.Transport)
	}
	if cfg.Link.Transport == transport.KindTCP && cfg.TCP.Addr == "" {
		return fmt.Errorf("validate: tcp.addr is required for the tcp transport")
	}
	if cfg.Serial.Baud <= 0 {
		return fmt.Errorf("validate: serial.baud must be positive")
	}
	if !logging.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("validate: unknown log.level %q", cfg.Log.Level)
	}
	if cfg.Influx.Enabled && cfg.Influx.Bucket == "" {
		return fmt.Errorf("validate: influx.bucket is required when influx is enabled")
	}

	durations := map[string]string{
		"link.tx_period":             cfg.Link.TxPeriod,
		"link.rx_period":             cfg.Link.RxPeriod,
		"link.stop_grace":            cfg.Link.StopGrace,
		"link.partial_frame_timeout": cfg.Link.PartialFrameTimeout,
		"serial.read_timeout":        cfg.Serial.ReadTimeout,
		"serial.settle_delay":        cfg.Serial.SettleDelay,
		"tcp.reconnect":              cfg.TCP.Reconnect,
		"tcp.reconnect_max":          cfg.TCP.ReconnectMax,
		"tcp.dial_timeout":           cfg.TCP.DialTimeout,
		"influx.flush_interval":      cfg.Influx.FlushInterval,
		"mock.motor_encoders":        cfg.Mock.MotorEncoders,
		"mock.home_switches":         cfg.Mock.HomeSwitches,
		"mock.potentiometers":        cfg.Mock.Potentiometers,
		"mock.ref_diode":             cfg.Mock.RefDiode,
		"mock.temp_sensor":           cfg.Mock.TempSensor,
		"mock.imu":                   cfg.Mock.IMU,
	}
	for key, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("validate: %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("validate: %s must not be negative", key)
		}
	}
	return nil
}

func (cfg *Config) normalize(path string) {
	def := Default()

	cfg.Link.Node = strings.ToUpper(strings.TrimSpace(cfg.Link.Node))
	if cfg.Link.Node == "" {
		cfg.Link.Node = def.Link.Node
	}
	cfg.Link.Transport = strings.ToLower(strings.TrimSpace(cfg.Link.Transport))
	if cfg.Link.Transport == "" {
		cfg.Link.Transport = def.Link.Transport
	}
	fill(&cfg.Link.TxPeriod, def.Link.TxPeriod)
	fill(&cfg.Link.RxPeriod, def.Link.RxPeriod)
	fill(&cfg.Link.StopGrace, def.Link.StopGrace)
	fill(&cfg.Link.PartialFrameTimeout, def.Link.PartialFrameTimeout)
	if cfg.Link.ReadBuffer <= 0 {
		cfg.Link.ReadBuffer = def.Link.ReadBuffer
	}

	fill(&cfg.Serial.Port, def.Serial.Port)
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = def.Serial.Baud
	}
	fill(&cfg.Serial.ReadTimeout, def.Serial.ReadTimeout)
	fill(&cfg.Serial.SettleDelay, def.Serial.SettleDelay)

	fill(&cfg.Sim.Dir, def.Sim.Dir)
	fill(&cfg.TCP.Reconnect, def.TCP.Reconnect)
	fill(&cfg.TCP.ReconnectMax, def.TCP.ReconnectMax)
	fill(&cfg.TCP.DialTimeout, def.TCP.DialTimeout)

	fill(&cfg.Log.Level, def.Log.Level)
	fill(&cfg.Log.Format, def.Log.Format)
	fill(&cfg.Capture.Path, def.Capture.Path)

	fill(&cfg.Foxglove.WSAddr, def.Foxglove.WSAddr)
	fill(&cfg.Foxglove.TopicPrefix, def.Foxglove.TopicPrefix)
	fill(&cfg.Foxglove.Name, def.Foxglove.Name)
	cfg.Foxglove.TopicPrefix = "/" + strings.Trim(cfg.Foxglove.TopicPrefix, "/")

	fill(&cfg.Influx.URL, def.Influx.URL)
	fill(&cfg.Influx.Measurement, def.Influx.Measurement)
	fill(&cfg.Influx.FlushInterval, def.Influx.FlushInterval)
	if cfg.Influx.BatchSize <= 0 {
		cfg.Influx.BatchSize = def.Influx.BatchSize
	}

	fill(&cfg.Layout.Struct, def.Layout.Struct)

	fill(&cfg.Mock.MotorEncoders, def.Mock.MotorEncoders)
	fill(&cfg.Mock.HomeSwitches, def.Mock.HomeSwitches)
	fill(&cfg.Mock.Potentiometers, def.Mock.Potentiometers)
	fill(&cfg.Mock.RefDiode, def.Mock.RefDiode)
	fill(&cfg.Mock.TempSensor, def.Mock.TempSensor)
	fill(&cfg.Mock.IMU, def.Mock.IMU)

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path

	// Relative file paths resolve against the config file's directory.
	base := filepath.Dir(path)
	cfg.Sim.Dir = resolve(base, cfg.Sim.Dir)
	cfg.Capture.Path = resolve(base, cfg.Capture.Path)
	if cfg.Layout.Header != "" {
		cfg.Layout.Header = resolve(base, cfg.Layout.Header)
	}
}

// TransportConfig converts the link, serial, sim and tcp sections.
func (cfg *Config) TransportConfig() transport.Config {
	return transport.Config{
		Kind:   cfg.Link.Transport,
		Node:   cfg.Link.Node,
		SimDir: cfg.Sim.Dir,
		Serial: transport.SerialConfig{
			Port:        cfg.Serial.Port,
			Baud:        cfg.Serial.Baud,
			ReadTimeout: Duration(cfg.Serial.ReadTimeout),
			SettleDelay: Duration(cfg.Serial.SettleDelay),
		},
		TCP: cfg.TCP.Addr,
		TCPOptions: []transport.Option{
			transport.WithReconnectInterval(Duration(cfg.TCP.Reconnect)),
			transport.WithReconnectMax(Duration(cfg.TCP.ReconnectMax)),
			transport.WithDialTimeout(Duration(cfg.TCP.DialTimeout)),
		},
	}
}

// Duration parses a validated duration string. Invalid input yields zero,
// which every consumer treats as "use the default".
func Duration(raw string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return d
}

func fill(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return toml.Unmarshal(data, cfg)
}

func marshal(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return toml.Marshal(cfg)
}
