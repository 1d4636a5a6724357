package stancsv

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grburgess/cmdstanpy/internal/model"
)

const (
	// commentMarker prefixes metadata lines in engine output.
	commentMarker = "#"

	// maxLineBytes bounds a single CSV line. Models with very many
	// parameters produce wide rows; 16 MiB is far beyond anything the
	// engine emits in practice.
	maxLineBytes = 16 << 20
)

// Header holds the metadata block of an output file: every comment line
// verbatim, plus the "key = value" pairs found among them.
type Header struct {
	Comments []string          `json:"comments"`
	Meta     map[string]string `json:"meta"`
}

// Table is one parsed output file: resolved columns plus a dense numeric
// matrix, rows = draws, columns = named quantities. Every row has exactly
// len(Columns) values.
type Table struct {
	Columns []string
	Layout  *Layout
	Rows    [][]float64
	Header  Header
}

// Column returns the values of one raw column across all rows.
func (t *Table) Column(name string) ([]float64, error) {
	i, ok := t.Layout.ColumnIndex(name)
	if !ok {
		return nil, fmt.Errorf("no column %q", name)
	}
	out := make([]float64, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// ReadFile parses the output file at path against the schema.
func ReadFile(path string, schema Schema) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", model.ErrMalformedOutput, path, err)
	}
	defer f.Close()

	t, err := Read(f, schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Read parses one Stan-CSV stream. Comment lines may appear anywhere —
// the engine writes adaptation and timing blocks between draw rows — and
// are all retained in the header. Blank lines are tolerated only at the end
// of the stream; a blank line followed by more content means the file was
// truncated or stitched together and rejects the stream. Any data row whose
// field count or numeric content disagrees with the column header likewise
// rejects the entire stream with ErrMalformedOutput.
func Read(r io.Reader, schema Schema) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	t := &Table{Header: Header{Meta: make(map[string]string)}}
	lineNo := 0
	blankAt := 0

	for sc.Scan() {
		line := sc.Text()
		lineNo++

		if strings.TrimSpace(line) == "" {
			if blankAt == 0 {
				blankAt = lineNo
			}
			continue
		}
		if blankAt != 0 {
			return nil, fmt.Errorf("%w: blank line %d inside content",
				model.ErrMalformedOutput, blankAt)
		}

		if strings.HasPrefix(line, commentMarker) {
			t.Header.Comments = append(t.Header.Comments, line)
			if k, v, ok := parseMeta(line); ok {
				t.Header.Meta[k] = v
			}
			continue
		}

		if t.Layout == nil {
			columns := strings.Split(line, ",")
			for i := range columns {
				columns[i] = strings.TrimSpace(columns[i])
			}
			layout, err := Resolve(columns)
			if err != nil {
				return nil, err
			}
			t.Columns = columns
			t.Layout = layout
			continue
		}

		row, err := parseRow(line, lineNo, len(t.Columns))
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %w", model.ErrMalformedOutput, err)
	}

	if t.Layout == nil {
		return nil, fmt.Errorf("%w: no column header found", model.ErrMalformedOutput)
	}
	for _, req := range schema.RequiredColumns {
		if !t.Layout.HasColumn(req) {
			return nil, fmt.Errorf("%w: required column %q missing for method %q",
				model.ErrMalformedOutput, req, schema.Method)
		}
	}

	return t, nil
}

// parseRow parses one data line into exactly want numeric fields.
func parseRow(line string, lineNo, want int) ([]float64, error) {
	fields := strings.Split(line, ",")
	if len(fields) != want {
		return nil, fmt.Errorf("%w: line %d has %d fields, want %d",
			model.ErrMalformedOutput, lineNo, len(fields), want)
	}
	row := make([]float64, want)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d field %d: %q is not numeric",
				model.ErrMalformedOutput, lineNo, i+1, strings.TrimSpace(f))
		}
		row[i] = v
	}
	return row, nil
}

// parseMeta extracts a "key = value" pair from a comment line, if present.
func parseMeta(line string) (string, string, bool) {
	s := strings.TrimSpace(strings.TrimPrefix(line, commentMarker))
	k, v, found := strings.Cut(s, "=")
	if !found {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	v = strings.TrimSpace(v)
	if k == "" {
		return "", "", false
	}
	return k, v, true
}
