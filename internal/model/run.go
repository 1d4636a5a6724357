package model

import "time"

// Run status constants. A run (and each of its chains) moves from pending
// through running to exactly one terminal status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusWarned    = "warned"
	StatusErrored   = "errored"
)

// Inference method constants. The method determines the engine's output
// schema and how chains are combined into a result.
const (
	MethodSample      = "sample"
	MethodOptimize    = "optimize"
	MethodVariational = "variational"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusErrored: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusWarned:    true,
		StatusErrored:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusWarned, StatusErrored:
		return true
	}
	return false
}

// KnownMethod reports whether the given method name is recognized.
func KnownMethod(method string) bool {
	switch method {
	case MethodSample, MethodOptimize, MethodVariational:
		return true
	}
	return false
}

// Run represents one orchestrated engine invocation: a group of chains
// launched from a single configuration.
type Run struct {
	ID         string     `json:"id"`
	Method     string     `json:"method"`
	Status     string     `json:"status"`
	ExePath    string     `json:"exe_path"`
	ExeHash    string     `json:"exe_hash,omitempty"`
	Chains     int        `json:"chains"`
	Converged  *bool      `json:"converged,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Chain represents one engine subprocess within a run. Chain IDs are
// 1-based, matching the engine's own chain numbering.
type Chain struct {
	RunID      string     `json:"run_id"`
	Chain      int        `json:"chain"`
	Status     string     `json:"status"`
	OutputPath string     `json:"output_path"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	Advisories []string   `json:"advisories,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LogLine represents a single persisted console line from a chain.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Chain     int       `json:"chain"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
