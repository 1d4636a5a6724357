package stancsv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grburgess/cmdstanpy/internal/model"
)

// Variable is one logical quantity in the output: either a scalar column or
// a block of flattened columns sharing a base name, such as mu[1] and mu[2].
type Variable struct {
	// Name is the base name without bracket indices.
	Name string `json:"name"`

	// Dims holds the variable's shape. Nil for scalars.
	Dims []int `json:"dims,omitempty"`

	// Offset is the index of the variable's first column in the header.
	Offset int `json:"offset"`

	// Size is the number of columns the variable spans.
	Size int `json:"size"`
}

// Scalar reports whether the variable is a single unindexed column.
func (v Variable) Scalar() bool {
	return len(v.Dims) == 0
}

// Layout is the resolved column layout of one output file: the raw column
// names in file order plus the variables they flatten. Resolved once per
// file and immutable afterwards.
type Layout struct {
	Columns   []string
	Variables []Variable

	byVar map[string]int
	byCol map[string]int
}

// Variable looks up a variable by base name.
func (l *Layout) Variable(name string) (Variable, bool) {
	i, ok := l.byVar[name]
	if !ok {
		return Variable{}, false
	}
	return l.Variables[i], true
}

// ColumnIndex looks up a raw column name (including bracket indices) and
// returns its position in the header.
func (l *Layout) ColumnIndex(name string) (int, bool) {
	i, ok := l.byCol[name]
	return i, ok
}

// HasColumn reports whether a raw column name appears in the header.
func (l *Layout) HasColumn(name string) bool {
	_, ok := l.byCol[name]
	return ok
}

// Resolve validates raw header names and groups flattened columns into
// variables. Flattened names sharing a base must form one contiguous block
// whose 1-based indices enumerate a dense rectangle in column-major order
// (first index fastest), which is the order the engine writes. Violations
// wrap ErrMalformedOutput.
func Resolve(columns []string) (*Layout, error) {
	l := &Layout{
		Columns: columns,
		byVar:   make(map[string]int),
		byCol:   make(map[string]int, len(columns)),
	}

	for i, c := range columns {
		if c == "" {
			return nil, fmt.Errorf("%w: column %d has an empty name", model.ErrMalformedOutput, i+1)
		}
		if _, dup := l.byCol[c]; dup {
			return nil, fmt.Errorf("%w: duplicate column name %q", model.ErrMalformedOutput, c)
		}
		l.byCol[c] = i
	}

	for i := 0; i < len(columns); {
		base, idx, err := splitName(columns[i])
		if err != nil {
			return nil, err
		}
		if _, seen := l.byVar[base]; seen {
			return nil, fmt.Errorf("%w: columns of %q are not contiguous", model.ErrMalformedOutput, base)
		}

		if idx == nil {
			l.byVar[base] = len(l.Variables)
			l.Variables = append(l.Variables, Variable{Name: base, Offset: i, Size: 1})
			i++
			continue
		}

		// Gather the contiguous block of columns flattening this base.
		var tuples [][]int
		start := i
		for ; i < len(columns); i++ {
			b, t, err := splitName(columns[i])
			if err != nil {
				return nil, err
			}
			if b != base || t == nil {
				break
			}
			if len(t) != len(idx) {
				return nil, fmt.Errorf("%w: %q mixes %d- and %d-dimensional indices",
					model.ErrMalformedOutput, base, len(idx), len(t))
			}
			tuples = append(tuples, t)
		}

		dims, err := denseDims(base, tuples)
		if err != nil {
			return nil, err
		}
		l.byVar[base] = len(l.Variables)
		l.Variables = append(l.Variables, Variable{
			Name:   base,
			Dims:   dims,
			Offset: start,
			Size:   len(tuples),
		})
	}

	return l, nil
}

// splitName splits a raw column name into its base and 1-based bracket
// indices. A plain name returns nil indices.
func splitName(name string) (string, []int, error) {
	open := strings.IndexByte(name, '[')
	if open < 0 {
		return name, nil, nil
	}
	if open == 0 || !strings.HasSuffix(name, "]") {
		return "", nil, fmt.Errorf("%w: malformed column name %q", model.ErrMalformedOutput, name)
	}
	base := name[:open]
	parts := strings.Split(name[open+1:len(name)-1], ",")
	idx := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 1 {
			return "", nil, fmt.Errorf("%w: malformed index in column name %q", model.ErrMalformedOutput, name)
		}
		idx[i] = v
	}
	return base, idx, nil
}

// denseDims derives the shape of a flattened variable and checks that its
// index tuples cover the shape densely, in column-major order.
func denseDims(base string, tuples [][]int) ([]int, error) {
	ndim := len(tuples[0])
	dims := make([]int, ndim)
	for _, t := range tuples {
		for d, v := range t {
			if v > dims[d] {
				dims[d] = v
			}
		}
	}

	size := 1
	for _, d := range dims {
		size *= d
	}
	if len(tuples) != size {
		return nil, fmt.Errorf("%w: %q has %d columns but shape %v needs %d",
			model.ErrMalformedOutput, base, len(tuples), dims, size)
	}

	for i, t := range tuples {
		want := tupleAt(i, dims)
		for d := range t {
			if t[d] != want[d] {
				return nil, fmt.Errorf("%w: %q index %v out of order, want %v",
					model.ErrMalformedOutput, base, t, want)
			}
		}
	}

	return dims, nil
}

// tupleAt returns the i-th 1-based index tuple of a column-major enumeration
// of shape dims.
func tupleAt(i int, dims []int) []int {
	t := make([]int, len(dims))
	for d, n := range dims {
		t[d] = i%n + 1
		i /= n
	}
	return t
}
