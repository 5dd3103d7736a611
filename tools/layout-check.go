package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"sensorlink/pkg/config"
	"sensorlink/pkg/layout"
	"sensorlink/pkg/protocol"
)

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(code)
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "check":
		return runCheck(args[1:], stdout, stderr)
	case "table":
		printTable(stdout)
		return 0
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func runCheck(args []string, stdout io.Writer, stderr io.Writer) int {
	fcheck := flag.NewFlagSet("check", flag.ContinueOnError)
	fcheck.SetOutput(stderr)

	configPath := fcheck.String("config", "", "sensorlink config path (supplies layout.header and layout.struct)")
	header := fcheck.String("header", "", "firmware header to check")
	structName := fcheck.String("struct", "", "struct name (default "+layout.DefaultStruct+")")

	if err := fcheck.Parse(args); err != nil {
		return 2
	}

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, "load config:", err)
			return 1
		}
		if *header == "" {
			*header = cfg.Layout.Header
		}
		if *structName == "" {
			*structName = cfg.Layout.Struct
		}
	}
	if *header == "" {
		fmt.Fprintln(stderr, "no header given: use --header or layout.header in --config")
		return 2
	}

	problems, err := layout.Check(*header, *structName)
	if errors.Is(err, layout.ErrMismatch) {
		fmt.Fprintf(stdout, "[Check] %s does not match the field table:\n", *header)
		for _, p := range problems {
			fmt.Fprintln(stdout, "  -", p)
		}
		return 1
	}
	if err != nil {
		fmt.Fprintln(stderr, "check failed:", err)
		return 1
	}
	fmt.Fprintf(stdout, "[Check] %s matches the field table (%d fields, %d bytes)\n", *header, len(protocol.Fields()), protocol.MaskAll.Width())
	return 0
}

func printTable(w io.Writer) {
	offset := 0
	fmt.Fprintf(w, "%-4s %-16s %-10s %5s %6s %6s\n", "bit", "field", "type", "count", "offset", "width")
	for _, spec := range protocol.Fields() {
		fmt.Fprintf(w, "%-4d %-16s %-10s %5d %6d %6d\n", spec.Field, spec.Name, spec.CType, spec.Count, offset, spec.Width())
		offset += spec.Width()
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  go run tools/layout-check.go check [--config path] [--header path] [--struct name]")
	fmt.Fprintln(w, "  go run tools/layout-check.go table")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  check  compare the firmware sensor struct with the host field table")
	fmt.Fprintln(w, "  table  print the host field table")
}
