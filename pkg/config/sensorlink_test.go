package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sensorlink/pkg/config"
	"sensorlink/pkg/transport"
)

func TestLoadOrDefaultMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorlink.toml")
	cfg, exists, err := config.LoadOrDefault(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if exists {
		t.Fatalf("missing file reported as existing")
	}
	if cfg.Link.Node != transport.NodeA || cfg.Link.Transport != transport.KindSerial {
		t.Fatalf("unexpected link defaults: %+v", cfg.Link)
	}
	if cfg.Serial.Port != "/dev/ttyACM0" || cfg.Serial.Baud != 38400 {
		t.Fatalf("unexpected serial defaults: %+v", cfg.Serial)
	}
	if _, err := config.Load(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load should report a missing file, got %v", err)
	}
}

func TestLoadTOMLFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sensorlink.toml")
	mustWriteFile(t, path, `
[link]
node = "b"
transport = "sim"
tx_period = "20ms"

[sim]
dir = "queues"

[capture]
enabled = true
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Link.Node != transport.NodeB {
		t.Fatalf("node should be upper-cased, got %q", cfg.Link.Node)
	}
	if config.Duration(cfg.Link.TxPeriod) != 20*time.Millisecond {
		t.Fatalf("unexpected tx period %q", cfg.Link.TxPeriod)
	}
	if cfg.Link.RxPeriod != "5ms" {
		t.Fatalf("expected default rx period, got %q", cfg.Link.RxPeriod)
	}
	if got := cfg.TransportConfig().Serial.ReadTimeout; got != transport.DefaultSerialReadTimeout {
		t.Fatalf("serial read timeout should default to %s, got %s", transport.DefaultSerialReadTimeout, got)
	}
	if cfg.Sim.Dir != filepath.Join(dir, "queues") {
		t.Fatalf("sim dir not resolved against config: %q", cfg.Sim.Dir)
	}
	if cfg.Capture.Path != filepath.Join(dir, "sensorlink.jsonl") {
		t.Fatalf("capture path not resolved: %q", cfg.Capture.Path)
	}

	tc := cfg.TransportConfig()
	if tc.Kind != transport.KindSim || tc.Node != transport.NodeB || tc.SimDir != cfg.Sim.Dir {
		t.Fatalf("unexpected transport config: %+v", tc)
	}
	if tc.Serial.SettleDelay != 2*time.Second {
		t.Fatalf("unexpected settle delay %s", tc.Serial.SettleDelay)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorlink.yaml")
	mustWriteFile(t, path, `
link:
  node: A
  transport: tcp
tcp:
  addr: 127.0.0.1:4001
influx:
  enabled: true
  bucket: telemetry
  batch_size: 10
log:
  level: debug
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.TCP.Addr != "127.0.0.1:4001" || cfg.Link.Transport != transport.KindTCP {
		t.Fatalf("unexpected tcp config: %+v / %+v", cfg.Link, cfg.TCP)
	}
	if cfg.Influx.Bucket != "telemetry" || cfg.Influx.BatchSize != 10 || cfg.Influx.Measurement != "sensorlink" {
		t.Fatalf("unexpected influx config: %+v", cfg.Influx)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"node":      "[link]\nnode = \"C\"\n",
		"transport": "[link]\ntransport = \"usb\"\n",
		"tcp addr":  "[link]\ntransport = \"tcp\"\n",
		"duration":  "[link]\ntx_period = \"soon\"\n",
		"influx":    "[influx]\nenabled = true\n",
		"log level": "[log]\nlevel = \"chatty\"\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "sensorlink.toml")
		mustWriteFile(t, path, content)
		_, _, err := config.LoadOrDefault(path)
		if err == nil || !strings.HasPrefix(err.Error(), "validate:") {
			t.Fatalf("%s: expected validate error, got %v", name, err)
		}
	}
}

func TestParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorlink.toml")
	mustWriteFile(t, path, "[link\nnode=")
	if _, _, err := config.LoadOrDefault(path); err == nil || !strings.HasPrefix(err.Error(), "parse config:") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out/sensorlink.toml", "out/sensorlink.yml"} {
		path := filepath.Join(t.TempDir(), name)
		cfg := config.Default()
		cfg.Link.Node = transport.NodeB
		cfg.Foxglove.Enabled = true
		cfg.Mock.Seed = 42
		if err := cfg.Save(path); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}

		loaded, err := config.Load(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if loaded.Link.Node != transport.NodeB || !loaded.Foxglove.Enabled || loaded.Mock.Seed != 42 {
			t.Fatalf("%s: round trip lost values: %+v", name, loaded)
		}
	}
}

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
