// Package stancsv parses the engine's Stan-CSV output files: a block of
// '#'-prefixed metadata comments, one comma-separated column header, and
// numeric draw rows. Parsing is strict — a single malformed row rejects the
// whole file, because a partially read table is worthless for statistics.
package stancsv

import (
	"fmt"

	"github.com/grburgess/cmdstanpy/internal/model"
)

// Schema describes the expected output layout for one inference method
// family. Column names themselves are only known at parse time; the schema
// constrains what must be present and how per-chain tables combine.
type Schema struct {
	// Method is the inference method this schema belongs to.
	Method string

	// RequiredColumns must all appear in the file's column header.
	RequiredColumns []string

	// Instances is the exact number of chains the method produces output
	// for. Zero means any number of chains is acceptable.
	Instances int

	// ConcatDraws reports whether per-chain tables concatenate row-wise
	// into one draw matrix. Single-estimate methods keep the one table.
	ConcatDraws bool
}

// For returns the schema for a method family.
func For(method string) (Schema, error) {
	switch method {
	case model.MethodSample:
		return Schema{
			Method:          method,
			RequiredColumns: []string{"lp__"},
			ConcatDraws:     true,
		}, nil
	case model.MethodOptimize:
		return Schema{
			Method:          method,
			RequiredColumns: []string{"lp__"},
			Instances:       1,
		}, nil
	case model.MethodVariational:
		return Schema{
			Method:          method,
			RequiredColumns: []string{"lp__"},
			Instances:       1,
		}, nil
	}
	return Schema{}, fmt.Errorf("%w: no output schema for method %q", model.ErrConfiguration, method)
}
