// Package runner launches engine subprocesses and streams their console
// output line by line. It knows nothing about methods or schemas; it runs
// one argv to completion and reports the exit code.
package runner

import "context"

// Spec describes one chain subprocess to execute.
type Spec struct {
	RunID   string
	Chain   int
	ExePath string

	// Args is the fully formed engine argv, built by the caller.
	Args []string

	// OutputPath is the CSV file the chain writes. The runner does not
	// touch it; it is carried for logging.
	OutputPath string

	// LogWriter receives each console line as it arrives, stdout and
	// stderr interleaved. Calls are serialized by the runner.
	LogWriter func(line string)
}

// Result holds the terminal state of a finished subprocess.
type Result struct {
	ExitCode   int
	DurationMS int
}

// Runner executes one engine subprocess to completion. A nonzero exit code
// is data, not an error; errors are reserved for failing to launch or for
// termination through context cancellation.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}
