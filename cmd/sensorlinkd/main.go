package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sensorlink/pkg/bridge/foxglove"
	"sensorlink/pkg/bridge/influx"
	"sensorlink/pkg/config"
	"sensorlink/pkg/engine"
	"sensorlink/pkg/layout"
	"sensorlink/pkg/link"
	"sensorlink/pkg/logger"
	"sensorlink/pkg/logging"
	"sensorlink/pkg/protocol"
	"sensorlink/pkg/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "controller":
		return runLink(roleController, args[1:], stdout, stderr)
	case "sensor":
		return runLink(roleSensor, args[1:], stdout, stderr)
	case "check":
		return runCheck(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

type role string

const (
	roleController role = "controller"
	roleSensor     role = "sensor"
)

// defaultNode is the node a role takes when --node is not given.
func (r role) defaultNode() string {
	if r == roleSensor {
		return transport.NodeB
	}
	return transport.NodeA
}

type cliFlags struct {
	fs *flag.FlagSet

	configPath string
	node       string
	kind       string
	simulate   bool
	port       string
	baud       int
	simDir     string
	tcpAddr    string
	cleanup    bool
	logLevel   string
	capture    string
	foxglove   bool
	influx     bool
	duration   time.Duration
}

func newFlags(name string, stderr io.Writer) *cliFlags {
	f := &cliFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.fs.SetOutput(stderr)
	f.fs.StringVar(&f.configPath, "config", config.DefaultConfigPath, "config file (.toml or .yaml)")
	f.fs.StringVar(&f.node, "node", "", "link node name (A or B)")
	f.fs.StringVar(&f.kind, "transport", "", "transport kind: serial, sim or tcp")
	f.fs.BoolVar(&f.simulate, "simulate", false, "shorthand for --transport sim")
	f.fs.StringVar(&f.port, "port", "", "serial device")
	f.fs.IntVar(&f.baud, "baud", 0, "serial baud rate")
	f.fs.StringVar(&f.simDir, "sim-dir", "", "directory holding the simulated queue files")
	f.fs.StringVar(&f.tcpAddr, "tcp", "", "host:port of a TCP serial bridge")
	f.fs.BoolVar(&f.cleanup, "cleanup", false, "remove simulated queue files on exit")
	f.fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error, off)")
	f.fs.StringVar(&f.capture, "capture", "", "write decoded frames as JSONL to this path")
	f.fs.BoolVar(&f.foxglove, "foxglove", false, "serve decoded frames over Foxglove WebSocket")
	f.fs.BoolVar(&f.influx, "influx", false, "write decoded frames to InfluxDB")
	f.fs.DurationVar(&f.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return f
}

// load reads the config file and applies every flag that was set on the
// command line.
func (f *cliFlags) load(r role) (config.Config, error) {
	cfg, _, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	cfg.Link.Node = r.defaultNode()
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "node":
			cfg.Link.Node = f.node
		case "transport":
			cfg.Link.Transport = f.kind
		case "simulate":
			if f.simulate {
				cfg.Link.Transport = transport.KindSim
			}
		case "port":
			cfg.Serial.Port = f.port
		case "baud":
			cfg.Serial.Baud = f.baud
		case "sim-dir":
			cfg.Sim.Dir = f.simDir
		case "tcp":
			cfg.TCP.Addr = f.tcpAddr
			if f.kind == "" {
				cfg.Link.Transport = transport.KindTCP
			}
		case "cleanup":
			cfg.Sim.Cleanup = f.cleanup
		case "log-level":
			cfg.Log.Level = f.logLevel
		case "capture":
			cfg.Capture.Enabled = f.capture != ""
			cfg.Capture.Path = f.capture
		case "foxglove":
			cfg.Foxglove.Enabled = f.foxglove
		case "influx":
			cfg.Influx.Enabled = f.influx
		}
	})

	cfg.Link.Node = strings.ToUpper(strings.TrimSpace(cfg.Link.Node))
	cfg.Link.Transport = strings.ToLower(strings.TrimSpace(cfg.Link.Transport))
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runLink(r role, args []string, stdout io.Writer, stderr io.Writer) int {
	f := newFlags(string(r), stderr)
	if err := f.fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := f.load(r)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return 2
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("role", string(r)), zap.String("node", cfg.Link.Node))

	if cfg.Layout.Header != "" {
		if code := checkLayout(cfg, stdout, stderr); code != 0 {
			return code
		}
	}

	tr, err := transport.Open(cfg.TransportConfig(), log)
	if err != nil {
		log.Error("open transport", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	m := link.New(tr,
		link.WithLogger(log),
		link.WithNode(cfg.Link.Node),
		link.WithTxPeriod(config.Duration(cfg.Link.TxPeriod)),
		link.WithRxPeriod(config.Duration(cfg.Link.RxPeriod)),
		link.WithStopGrace(config.Duration(cfg.Link.StopGrace)),
		link.WithPartialFrameTimeout(config.Duration(cfg.Link.PartialFrameTimeout)),
		link.WithReadBuffer(cfg.Link.ReadBuffer),
	)

	err = serve(ctx, r, cfg, m, log)
	// Stop is idempotent; this closes the transport when serve failed
	// before the link started.
	_ = m.Stop()
	stats := m.Stats()
	fmt.Fprintf(stdout, "[Stats] node=%s transport=%s sent=%d received=%d dropped=%d malformed=%d\n",
		cfg.Link.Node, tr.Name(), stats.FramesSent, stats.FramesReceived, stats.FramesDropped, stats.Malformed)

	if cfg.Sim.Cleanup {
		if sim, ok := tr.(*transport.Sim); ok {
			dir := cfg.Sim.Dir
			if rmErr := transport.RemoveSimQueues(dir); rmErr != nil {
				log.Warn("remove simulated queues", zap.String("dir", dir), zap.Error(rmErr))
			} else {
				log.Info("removed simulated queues", zap.String("dir", dir), zap.String("transport", sim.Name()))
			}
		}
	}

	if err != nil {
		log.Error("sensorlinkd stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

// serve wires the hub, the enabled outputs and the link into one errgroup
// and blocks until ctx is done or one of them fails.
func serve(ctx context.Context, r role, cfg config.Config, m *link.Manager, log *zap.Logger) error {
	var capture *os.File
	if cfg.Capture.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Capture.Path), 0o755); err != nil {
			return fmt.Errorf("create capture directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Capture.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		defer file.Close()
		capture = file
	}

	g, gctx := errgroup.WithContext(ctx)

	hub := engine.NewHub()

	m.OnMessage(func(ev protocol.Event) {
		if ce := log.Check(zap.DebugLevel, "frame"); ce != nil {
			ce.Write(zap.Stringer("mask", ev.Mask), zap.Strings("fields", ev.Mask.Names()), zap.Any("snapshot", ev.Snapshot))
		}
		hub.TryPublish(ev)
	})

	if capture != nil {
		sub := hub.Subscribe()
		w := logger.NewJSONLWriter(capture)
		g.Go(func() error { return w.Consume(gctx, sub) })
		log.Info("capturing frames", zap.String("path", cfg.Capture.Path))
	}

	if cfg.Foxglove.Enabled {
		srv := foxglove.NewServer(foxglove.Config{
			WSAddr:      cfg.Foxglove.WSAddr,
			Name:        cfg.Foxglove.Name,
			TopicPrefix: cfg.Foxglove.TopicPrefix,
		}, hub, log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Influx.Enabled {
		w := influx.New(influx.Config{
			URL:           cfg.Influx.URL,
			Token:         cfg.Influx.Token,
			Org:           cfg.Influx.Org,
			Bucket:        cfg.Influx.Bucket,
			Measurement:   cfg.Influx.Measurement,
			BatchSize:     cfg.Influx.BatchSize,
			FlushInterval: config.Duration(cfg.Influx.FlushInterval),
		}, log)
		defer w.Close()
		sub := hub.Subscribe()
		g.Go(func() error { return w.Consume(gctx, sub) })
		log.Info("writing to influx", zap.String("url", cfg.Influx.URL), zap.String("bucket", cfg.Influx.Bucket))
	}

	// Capture and Influx subscribe before dispatch starts so neither misses
	// the first frames.
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if r == roleSensor {
		mock := newMockSensors(m, mockPeriodsFrom(cfg.Mock), cfg.Mock.Seed)
		g.Go(func() error { return mock.Run(gctx) })
	}

	g.Go(func() error {
		if err := m.Run(gctx); err != nil && !errors.Is(err, link.ErrStopped) {
			return err
		}
		return nil
	})

	log.Info("link running", zap.String("transport", cfg.Link.Transport))
	return g.Wait()
}

func runCheck(args []string, stdout io.Writer, stderr io.Writer) int {
	f := newFlags("check", stderr)
	if err := f.fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := f.load(roleController)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	fmt.Fprintf(stdout, "[Check] config %s ok (transport=%s)\n", cfg.ConfigPath(), cfg.Link.Transport)
	if cfg.Layout.Header == "" {
		return 0
	}
	return checkLayout(cfg, stdout, stderr)
}

func checkLayout(cfg config.Config, stdout io.Writer, stderr io.Writer) int {
	problems, err := layout.Check(cfg.Layout.Header, cfg.Layout.Struct)
	if errors.Is(err, layout.ErrMismatch) {
		fmt.Fprintf(stderr, "[Check] %s does not match the field table:\n", cfg.Layout.Header)
		for _, p := range problems {
			fmt.Fprintln(stderr, "  -", p)
		}
		return 1
	}
	if err != nil {
		fmt.Fprintln(stderr, "layout check:", err)
		return 1
	}
	fmt.Fprintf(stdout, "[Check] %s matches the field table\n", cfg.Layout.Header)
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sensorlinkd controller [--config path] [--simulate] [--port dev] [--baud n] [--capture file.jsonl] [--foxglove] [--influx]")
	fmt.Fprintln(w, "  sensorlinkd sensor [--config path] [--simulate] [--port dev] [--baud n] [--cleanup]")
	fmt.Fprintln(w, "  sensorlinkd check [--config path]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  controller  node A: receive sensor frames and forward them to the enabled outputs")
	fmt.Fprintln(w, "  sensor      node B: publish simulated sensor values")
	fmt.Fprintln(w, "  check       validate the config and the firmware struct layout")
}
