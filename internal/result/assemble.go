package result

import (
	"fmt"
	"slices"
	"sort"

	"github.com/grburgess/cmdstanpy/internal/model"
	"github.com/grburgess/cmdstanpy/internal/stancsv"
)

// divergentColumn is the sampler diagnostic column counting divergent
// transitions, when the method emits it.
const divergentColumn = "divergent__"

// ChainOutput is one chain's contribution to assembly: its terminal status
// (console classification combined with exit code) and its parsed table.
// Table may be nil only for an errored chain.
type ChainOutput struct {
	Chain  int
	Status string
	Table  *stancsv.Table
}

// Assemble combines per-chain outputs into one InferenceResult.
//
// Policy: any errored chain fails assembly with ErrRunFailed; a warned chain
// fails with ErrNotConverged unless relaxConvergence is set, in which case
// the result is assembled but marked not converged. All chains must agree on
// the column schema, and single-estimate methods must supply exactly the
// schema's declared chain count.
func Assemble(schema stancsv.Schema, chains []ChainOutput, relaxConvergence bool) (*InferenceResult, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("%w: no chain outputs to assemble", model.ErrConfiguration)
	}

	var errored, warned []int
	for _, c := range chains {
		switch c.Status {
		case model.StatusErrored:
			errored = append(errored, c.Chain)
		case model.StatusWarned:
			warned = append(warned, c.Chain)
		case model.StatusSucceeded:
		default:
			return nil, fmt.Errorf("%w: chain %d is not terminal (status %q)",
				model.ErrConfiguration, c.Chain, c.Status)
		}
	}
	if len(errored) > 0 {
		return nil, fmt.Errorf("%w: chains %v errored", model.ErrRunFailed, errored)
	}
	if len(warned) > 0 && !relaxConvergence {
		return nil, fmt.Errorf("%w: chains %v reported warnings", model.ErrNotConverged, warned)
	}

	if schema.Instances > 0 && len(chains) != schema.Instances {
		return nil, fmt.Errorf("%w: method %q expects %d chain(s), got %d",
			model.ErrConfiguration, schema.Method, schema.Instances, len(chains))
	}

	ordered := make([]ChainOutput, len(chains))
	copy(ordered, chains)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Chain < ordered[j].Chain })

	first := ordered[0].Table
	if first == nil {
		return nil, fmt.Errorf("%w: chain %d has no parsed table", model.ErrConfiguration, ordered[0].Chain)
	}
	for _, c := range ordered[1:] {
		if c.Table == nil {
			return nil, fmt.Errorf("%w: chain %d has no parsed table", model.ErrConfiguration, c.Chain)
		}
		if !slices.Equal(c.Table.Columns, first.Columns) {
			return nil, fmt.Errorf("%w: chain %d column schema differs from chain %d",
				model.ErrConfiguration, c.Chain, ordered[0].Chain)
		}
	}

	res := &InferenceResult{
		method:    schema.Method,
		converged: len(warned) == 0,
		columns:   first.Columns,
		layout:    first.Layout,
	}

	for _, c := range ordered {
		start := len(res.rows)
		res.rows = append(res.rows, c.Table.Rows...)
		res.provenance = append(res.provenance, Provenance{
			Chain: c.Chain,
			Start: start,
			End:   len(res.rows),
		})
		res.headers = append(res.headers, c.Table.Header)
	}

	est, err := estimates(schema, res.rows, len(res.columns))
	if err != nil {
		return nil, err
	}
	res.estimates = est

	if schema.Method == model.MethodSample && res.layout.HasColumn(divergentColumn) {
		div, _ := res.Column(divergentColumn)
		for _, d := range div {
			res.divergences += int(d)
		}
	}

	return res, nil
}

// estimates computes per-column point estimates for the combined rows.
func estimates(schema stancsv.Schema, rows [][]float64, ncol int) ([]float64, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: output contains no draws", model.ErrMalformedOutput)
	}

	est := make([]float64, ncol)
	switch schema.Method {
	case model.MethodOptimize:
		// With saved iterations the file holds the optimization path;
		// the final row is the estimate.
		copy(est, rows[len(rows)-1])
	case model.MethodVariational:
		// The engine writes the approximate posterior mean as the first
		// data row, followed by the draws.
		copy(est, rows[0])
	default:
		for _, row := range rows {
			for i, v := range row {
				est[i] += v
			}
		}
		for i := range est {
			est[i] /= float64(len(rows))
		}
	}
	return est, nil
}
