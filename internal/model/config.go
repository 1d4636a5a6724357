package model

import (
	"fmt"
)

// RunConfig describes one engine invocation. It is built once by the caller
// and never mutated after submission.
//
// Argument construction is the caller's concern: ChainArgs carries the fully
// formed engine argv for each chain, including the argument that directs the
// chain's CSV to the matching OutputPaths entry. The algorithm fields below
// are recorded alongside the run so results stay attributable to the settings
// that produced them.
type RunConfig struct {
	Method  string `json:"method"`
	ExePath string `json:"exe_path"`

	// ChainArgs holds one argv per chain. len(ChainArgs) is the number of
	// chains launched.
	ChainArgs [][]string `json:"chain_args"`

	// OutputPaths holds the CSV file each chain writes, one per chain.
	// Paths must be pairwise distinct: each file has exactly one writer.
	OutputPaths []string `json:"output_paths"`

	// MaxParallel bounds how many chains run at once. Zero means all
	// chains launch immediately.
	MaxParallel int `json:"max_parallel,omitempty"`

	// TimeoutS bounds each chain's wall time. Zero means no timeout.
	TimeoutS int `json:"timeout_s,omitempty"`

	// RelaxConvergence permits assembling a result from a warned run.
	// The result is then marked not converged instead of failing with
	// ErrNotConverged.
	RelaxConvergence bool `json:"relax_convergence,omitempty"`

	// Algorithm settings echoed into the run record.
	Seed        int64   `json:"seed,omitempty"`
	SampleDraws int     `json:"sample_draws,omitempty"`
	WarmupDraws int     `json:"warmup_draws,omitempty"`
	AdaptDelta  float64 `json:"adapt_delta,omitempty"`
	StepSize    float64 `json:"step_size,omitempty"`
	Tol         float64 `json:"tol,omitempty"`
}

// Chains returns the number of chains this configuration launches.
func (c RunConfig) Chains() int {
	return len(c.ChainArgs)
}

// Validate checks the configuration for structural problems. All violations
// wrap ErrConfiguration.
func (c RunConfig) Validate() error {
	if !KnownMethod(c.Method) {
		return fmt.Errorf("%w: unknown method %q", ErrConfiguration, c.Method)
	}
	if c.ExePath == "" {
		return fmt.Errorf("%w: exe_path is required", ErrConfiguration)
	}
	if len(c.ChainArgs) == 0 {
		return fmt.Errorf("%w: at least one chain is required", ErrConfiguration)
	}
	if len(c.OutputPaths) != len(c.ChainArgs) {
		return fmt.Errorf("%w: %d output paths for %d chains",
			ErrConfiguration, len(c.OutputPaths), len(c.ChainArgs))
	}
	seen := make(map[string]int, len(c.OutputPaths))
	for i, p := range c.OutputPaths {
		if p == "" {
			return fmt.Errorf("%w: chain %d has no output path", ErrConfiguration, i+1)
		}
		if prev, dup := seen[p]; dup {
			return fmt.Errorf("%w: chains %d and %d share output path %q",
				ErrConfiguration, prev, i+1, p)
		}
		seen[p] = i + 1
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("%w: max_parallel must be >= 0", ErrConfiguration)
	}
	if c.TimeoutS < 0 {
		return fmt.Errorf("%w: timeout_s must be >= 0", ErrConfiguration)
	}
	return nil
}
