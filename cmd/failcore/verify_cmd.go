package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/failcore/failcore/pkg/trace"
)

// verifyReport is the machine-readable result of `failcore verify`.
type verifyReport struct {
	Verified bool   `json:"verified"`
	Trace    string `json:"trace"`
	Events   int    `json:"events"`
	RunID    string `json:"run_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// runVerifyCmd validates a trace file: envelope schema, monotonic seq,
// and the per-step event protocol.
//
// Exit codes: 0 valid, 1 invalid, 2 runtime error.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		strict     bool
		jsonOutput bool
	)
	cmd.StringVar(&path, "trace", "", "Path to JSONL trace file (required)")
	cmd.BoolVar(&strict, "strict", false, "Reject unknown envelope fields and version-check every line")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --trace is required")
		return 2
	}

	f, err := os.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()

	report := verifyReport{Trace: path}
	events, err := trace.Reader{Strict: strict}.ReadAll(f)
	if err == nil {
		err = trace.Validate(events)
	}
	report.Events = len(events)
	if len(events) > 0 {
		report.RunID = events[0].RunID
	}
	for _, e := range events {
		if e.EventType != trace.EventRunEnd {
			continue
		}
		if end, perr := trace.Payload[trace.RunEnd](e); perr == nil {
			report.Status = end.Status
		}
	}
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Verified = true
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "trace OK: %d events, run %s", report.Events, report.RunID)
		if report.Status != "" {
			_, _ = fmt.Fprintf(stdout, ", status %s", report.Status)
		}
		_, _ = fmt.Fprintln(stdout)
	} else {
		_, _ = fmt.Fprintf(stdout, "trace INVALID: %s\n", report.Error)
	}

	if !report.Verified {
		return 1
	}
	return 0
}
