// Package store persists run records, per-chain records and console
// transcripts so finished runs stay inspectable after the fact.
package store

import (
	"context"
	"errors"

	"github.com/grburgess/cmdstanpy/internal/model"
)

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// ErrInvalidTransition is returned when a status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMethod map[string]int `json:"count_by_method"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)

	CreateChain(ctx context.Context, c *model.Chain) error
	UpdateChain(ctx context.Context, c *model.Chain) error
	GetChains(ctx context.Context, runID string) ([]model.Chain, error)

	InsertLogLine(ctx context.Context, runID string, chain, seq int, line string) error
	GetLogLines(ctx context.Context, runID string, chain int) ([]model.LogLine, error)

	Close() error
}
