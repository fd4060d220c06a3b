package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/failcore/failcore/pkg/config"
	"github.com/failcore/failcore/pkg/export"
	"github.com/failcore/failcore/pkg/trace"
)

// runExportCmd archives a trace file under its content address. The
// trace is validated first so a corrupt file is never archived.
//
// Exit codes: 0 archived, 1 invalid trace, 2 runtime error.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path    string
		cfgPath string
		backend string
	)
	cmd.StringVar(&path, "trace", "", "Path to JSONL trace file (required)")
	cmd.StringVar(&cfgPath, "config", "", "Path to config file (optional)")
	cmd.StringVar(&backend, "backend", "", "Override the configured archive backend (dir, s3, gcs)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --trace is required")
		return 2
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	expCfg := cfg.Export()
	if backend != "" {
		expCfg.Backend = export.Backend(backend)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	events, err := trace.Reader{}.ReadAll(bytes.NewReader(data))
	if err == nil {
		err = trace.Validate(events)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: refusing to archive invalid trace: %v\n", err)
		return 1
	}

	ctx := context.Background()
	up, err := export.New(ctx, expCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = up.Close() }()

	addr, err := up.Upload(ctx, data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "archived %d events as %s\n", len(events), addr)
	return 0
}
