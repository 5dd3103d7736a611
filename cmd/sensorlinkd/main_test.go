package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sensorlink/pkg/logger"
	"sensorlink/pkg/transport"
)

func simArgs(dir string, extra ...string) []string {
	args := []string{
		"--config", filepath.Join(dir, "missing.toml"),
		"--simulate",
		"--sim-dir", dir,
		"--log-level", "off",
	}
	return append(args, extra...)
}

func TestUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, &out, &errOut); code != 2 {
		t.Fatalf("expected exit code 2 without a command, got %d", code)
	}
	if code := run([]string{"help"}, &out, &errOut); code != 0 {
		t.Fatalf("help failed: %d", code)
	}
	if !strings.Contains(out.String(), "controller") || !strings.Contains(out.String(), "sensor") {
		t.Fatalf("usage does not list commands: %s", out.String())
	}
	if code := run([]string{"server"}, &out, &errOut); code != 2 {
		t.Fatalf("expected exit code 2 for unknown command, got %d", code)
	}
}

func TestRejectsInvalidNode(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	code := run([]string{"controller", "--config", filepath.Join(dir, "missing.toml"), "--node", "C"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "link.node") {
		t.Fatalf("unexpected error output: %s", errOut.String())
	}
}

func TestSensorToControllerOverSim(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "capture", "frames.jsonl")

	var wg sync.WaitGroup
	var sensorOut, sensorErr, ctrlOut, ctrlErr bytes.Buffer
	var sensorCode, ctrlCode int
	wg.Add(2)
	go func() {
		defer wg.Done()
		sensorCode = run(append([]string{"sensor"}, simArgs(dir, "--duration", "600ms")...), &sensorOut, &sensorErr)
	}()
	go func() {
		defer wg.Done()
		ctrlCode = run(append([]string{"controller"}, simArgs(dir, "--duration", "900ms", "--capture", capture)...), &ctrlOut, &ctrlErr)
	}()
	wg.Wait()

	if sensorCode != 0 {
		t.Fatalf("sensor exit code %d: %s", sensorCode, sensorErr.String())
	}
	if ctrlCode != 0 {
		t.Fatalf("controller exit code %d: %s", ctrlCode, ctrlErr.String())
	}
	if !strings.Contains(sensorOut.String(), "node=B transport=sim:B") {
		t.Fatalf("unexpected sensor stats: %s", sensorOut.String())
	}
	if !strings.Contains(ctrlOut.String(), "node=A transport=sim:A") {
		t.Fatalf("unexpected controller stats: %s", ctrlOut.String())
	}

	f, err := os.Open(capture)
	if err != nil {
		t.Fatalf("open capture: %v", err)
	}
	defer f.Close()

	records := 0
	sawTemp := false
	err = logger.ReadRecords(f, func(rec logger.Record) error {
		if _, err := rec.Frame(); err != nil {
			return err
		}
		if rec.Node != transport.NodeA {
			t.Fatalf("capture record from node %s", rec.Node)
		}
		if _, ok := rec.Data["temp_sensor"]; ok {
			sawTemp = true
		}
		records++
		return nil
	})
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if records == 0 {
		t.Fatalf("controller captured no frames")
	}
	if !sawTemp {
		t.Fatalf("initial full snapshot was not captured")
	}
}

func TestCleanupRemovesQueueFiles(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	code := run(append([]string{"sensor"}, simArgs(dir, "--duration", "100ms", "--cleanup")...), &out, &errOut)
	if code != 0 {
		t.Fatalf("sensor exit code %d: %s", code, errOut.String())
	}
	for _, name := range []string{transport.QueueAToB, transport.QueueBToA} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed, stat err=%v", name, err)
		}
	}
}

func TestCheckValidatesLayout(t *testing.T) {
	dir := t.TempDir()
	header := `#pragma pack(push, 1)
struct Sensors {
    uint16_t motor_encoders[4];
    bool home_switches[4];
    uint16_t potentiometers[2];
    uint16_t ref_diode;
    float temp_sensor;
    float imu[6];
};
#pragma pack(pop)
`
	if err := os.WriteFile(filepath.Join(dir, "sensors.h"), []byte(header), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}
	cfgPath := filepath.Join(dir, "sensorlink.toml")
	if err := os.WriteFile(cfgPath, []byte("[layout]\nheader = \"sensors.h\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := run([]string{"check", "--config", cfgPath}, &out, &errOut); code != 0 {
		t.Fatalf("check failed code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "matches the field table") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	bad := strings.Replace(header, "float imu[6];", "float imu[3];", 1)
	if err := os.WriteFile(filepath.Join(dir, "sensors.h"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}
	out.Reset()
	errOut.Reset()
	if code := run([]string{"check", "--config", cfgPath}, &out, &errOut); code != 1 {
		t.Fatalf("expected mismatch exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "imu") {
		t.Fatalf("mismatch output does not name the field: %s", errOut.String())
	}
}

func TestExpiredDurationReturns(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "frames.jsonl")
	for i := 0; i < 20; i++ {
		done := make(chan int, 1)
		go func() {
			var out, errOut bytes.Buffer
			done <- run(append([]string{"controller"}, simArgs(dir, "--duration", "1ns", "--capture", capture)...), &out, &errOut)
		}()
		select {
		case code := <-done:
			if code != 0 {
				t.Fatalf("run %d exit code %d", i, code)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d did not return with an already expired duration", i)
		}
	}
}
