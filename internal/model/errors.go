package model

import "errors"

// Failure categories surfaced by orchestration, parsing and assembly.
// Callers distinguish them with errors.Is; NotConverged in particular must
// stay separable from RunFailed so a strict-convergence caller can relax
// the policy and retry inspection without treating the run as broken.
var (
	// ErrLaunchFailed indicates the engine executable could not be started.
	ErrLaunchFailed = errors.New("engine launch failed")

	// ErrRunFailed indicates a chain exited nonzero or its console output
	// matched an error signature.
	ErrRunFailed = errors.New("engine run failed")

	// ErrNotConverged indicates the engine reported a non-convergence
	// warning and the run configuration requires convergence.
	ErrNotConverged = errors.New("engine did not converge")

	// ErrMalformedOutput indicates an engine output file violated the
	// expected Stan-CSV structure.
	ErrMalformedOutput = errors.New("malformed engine output")

	// ErrConfiguration indicates an invalid run configuration, such as a
	// chain count that contradicts the method's schema or duplicate
	// output paths.
	ErrConfiguration = errors.New("invalid run configuration")
)
