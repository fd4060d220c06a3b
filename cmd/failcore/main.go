// Command failcore is the thin CLI over the runtime: verify a trace,
// archive it, or run the scripted demo session.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: failcore <command> [flags]

Commands:
  verify   Validate a JSONL trace file (schema, ordering, per-step protocol)
  export   Archive a trace under its content address (dir, s3, or gcs)
  demo     Run a scripted agent session against a demo policy
  help     Show this message`)
}
