// Package result assembles per-chain parsed tables into one caller-facing
// inference result with equivalent access views: name-keyed values, the flat
// ordered table, and shaped variables.
package result

import (
	"fmt"

	"github.com/grburgess/cmdstanpy/internal/stancsv"
)

// Provenance maps a row range of the combined table back to the chain that
// produced it. Start is inclusive, End exclusive.
type Provenance struct {
	Chain int `json:"chain"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Value is the point estimate of one variable: a scalar, or the flattened
// values of a multi-dimensional variable in file (column-major) order.
type Value struct {
	Name   string    `json:"name"`
	Dims   []int     `json:"dims,omitempty"`
	Values []float64 `json:"values"`
}

// Scalar returns the value when the variable is a scalar.
func (v Value) Scalar() (float64, bool) {
	if len(v.Dims) != 0 || len(v.Values) != 1 {
		return 0, false
	}
	return v.Values[0], true
}

// InferenceResult is the assembled output of one run. It is immutable after
// assembly; accessors returning slices expose internal state that callers
// must not modify.
type InferenceResult struct {
	method      string
	converged   bool
	columns     []string
	layout      *stancsv.Layout
	rows        [][]float64
	provenance  []Provenance
	estimates   []float64
	divergences int
	headers     []stancsv.Header
}

// Method returns the inference method that produced this result.
func (r *InferenceResult) Method() string { return r.method }

// Converged reports whether the result is statistically trustworthy. False
// when the run was assembled from a warned transcript under a relaxed
// convergence policy.
func (r *InferenceResult) Converged() bool { return r.converged }

// Columns returns the resolved column names in file order.
func (r *InferenceResult) Columns() []string { return r.columns }

// Rows returns the combined draw matrix, rows in chain order with each
// chain's draw order preserved.
func (r *InferenceResult) Rows() [][]float64 { return r.rows }

// Draws returns the number of rows in the combined table.
func (r *InferenceResult) Draws() int { return len(r.rows) }

// Provenance returns the chain that produced each row range.
func (r *InferenceResult) Provenance() []Provenance { return r.provenance }

// ChainOf returns the chain that produced the given row.
func (r *InferenceResult) ChainOf(row int) (int, bool) {
	for _, p := range r.provenance {
		if row >= p.Start && row < p.End {
			return p.Chain, true
		}
	}
	return 0, false
}

// Variables returns the resolved variables in file order.
func (r *InferenceResult) Variables() []stancsv.Variable { return r.layout.Variables }

// Headers returns the per-chain metadata headers, in chain order.
func (r *InferenceResult) Headers() []stancsv.Header { return r.headers }

// Divergences returns the number of post-warmup divergent transitions for
// sampling results, zero for other methods.
func (r *InferenceResult) Divergences() int { return r.divergences }

// Column returns the draws of one raw column across the combined table.
func (r *InferenceResult) Column(name string) ([]float64, error) {
	i, ok := r.layout.ColumnIndex(name)
	if !ok {
		return nil, fmt.Errorf("no column %q", name)
	}
	out := make([]float64, len(r.rows))
	for n, row := range r.rows {
		out[n] = row[i]
	}
	return out, nil
}

// Value returns the point estimate of one variable by base name. For a
// flattened variable the values come back in the file's column order, so
// Values[0] corresponds to the variable's [1] (or [1,1]) element.
func (r *InferenceResult) Value(name string) (Value, error) {
	v, ok := r.layout.Variable(name)
	if !ok {
		return Value{}, fmt.Errorf("no variable %q", name)
	}
	vals := make([]float64, v.Size)
	copy(vals, r.estimates[v.Offset:v.Offset+v.Size])
	return Value{Name: v.Name, Dims: v.Dims, Values: vals}, nil
}

// Estimates returns the per-column point estimates in file order: the
// column mean for sampling, the final row for optimization, the reported
// posterior mean row for the approximate-posterior method.
func (r *InferenceResult) Estimates() []float64 { return r.estimates }
