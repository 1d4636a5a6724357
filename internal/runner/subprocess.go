package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/grburgess/cmdstanpy/internal/model"
)

const (
	// terminationGracePeriod is the time a cancelled chain gets between
	// SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// maxConsoleLineBytes bounds a single console line.
	maxConsoleLineBytes = 1 << 20
)

// Compile-time interface satisfaction check.
var _ Runner = (*Subprocess)(nil)

// Subprocess runs chains as local OS processes.
type Subprocess struct {
	logger *slog.Logger
}

// NewSubprocess creates a subprocess runner.
func NewSubprocess(logger *slog.Logger) *Subprocess {
	return &Subprocess{logger: logger}
}

// Run starts the engine executable and blocks until it exits or ctx is
// cancelled. On cancellation the process receives SIGTERM, then SIGKILL
// after a grace period, and Run returns the context's error.
func (s *Subprocess) Run(ctx context.Context, spec Spec) (Result, error) {
	if err := checkExecutable(spec.ExePath); err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, spec.ExePath, spec.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("%w: stdout pipe: %w", model.ErrLaunchFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("%w: stderr pipe: %w", model.ErrLaunchFailed, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", model.ErrLaunchFailed, spec.ExePath, err)
	}

	s.logger.Debug("chain started",
		"run_id", spec.RunID,
		"chain", spec.Chain,
		"pid", cmd.Process.Pid,
		"output_path", spec.OutputPath,
	)

	// Serialize LogWriter calls across the two stream readers.
	var writeMu sync.Mutex
	write := func(line string) {
		if spec.LogWriter == nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		spec.LogWriter(line)
	}

	var wg sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanLines(r, write)
		}()
	}
	wg.Wait()

	waitErr := cmd.Wait()
	duration := int(time.Since(start).Milliseconds())

	if ctx.Err() != nil {
		return Result{ExitCode: -1, DurationMS: duration},
			fmt.Errorf("chain %d terminated: %w", spec.Chain, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Result{ExitCode: exitErr.ExitCode(), DurationMS: duration}, nil
		}
		return Result{}, fmt.Errorf("wait for chain %d: %w", spec.Chain, waitErr)
	}

	return Result{ExitCode: 0, DurationMS: duration}, nil
}

// scanLines feeds each line of r to write until EOF. Read errors terminate
// the scan; the process exit status is the authoritative failure signal.
func scanLines(r io.Reader, write func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxConsoleLineBytes)
	for sc.Scan() {
		write(sc.Text())
	}
}

// checkExecutable verifies the engine path points at an executable file.
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrLaunchFailed, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", model.ErrLaunchFailed, path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", model.ErrLaunchFailed, path)
	}
	return nil
}
