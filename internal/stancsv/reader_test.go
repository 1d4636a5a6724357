package stancsv

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grburgess/cmdstanpy/internal/model"
)

func sampleSchema(t *testing.T) Schema {
	t.Helper()
	s, err := For(model.MethodSample)
	if err != nil {
		t.Fatalf("For(sample): %v", err)
	}
	return s
}

func TestReadRoundTrip(t *testing.T) {
	in := "lp__,theta\n-1.2,0.3\n-1.1,0.4\n"
	tbl, err := Read(strings.NewReader(in), sampleSchema(t))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(tbl.Columns) != 2 {
		t.Fatalf("columns = %d, want 2", len(tbl.Columns))
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(tbl.Rows))
	}
	theta, err := tbl.Column("theta")
	if err != nil {
		t.Fatalf("Column(theta): %v", err)
	}
	want := []float64{0.3, 0.4}
	for i, v := range want {
		if theta[i] != v {
			t.Errorf("theta[%d] = %v, want %v", i, theta[i], v)
		}
	}
}

func TestReadPreservesCommentsAndMeta(t *testing.T) {
	in := `# model = bernoulli_model
# method = sample (Default)
#   seed = 42
lp__,theta
-1.2,0.3
# Adaptation terminated
-1.1,0.4

`
	tbl, err := Read(strings.NewReader(in), sampleSchema(t))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(tbl.Header.Comments) != 4 {
		t.Fatalf("comments = %d, want 4 (mid-file comments retained)", len(tbl.Header.Comments))
	}
	if tbl.Header.Comments[0] != "# model = bernoulli_model" {
		t.Errorf("comment not preserved verbatim: %q", tbl.Header.Comments[0])
	}
	if got := tbl.Header.Meta["seed"]; got != "42" {
		t.Errorf("Meta[seed] = %q, want %q", got, "42")
	}
	if len(tbl.Rows) != 2 {
		t.Errorf("rows = %d, want 2 (trailing blank lines ignored)", len(tbl.Rows))
	}
}

func TestReadRejectsInteriorBlankLine(t *testing.T) {
	in := "lp__,theta\n-1.2,0.3\n\n-1.1,0.4\n"
	_, err := Read(strings.NewReader(in), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Read error = %v, want ErrMalformedOutput", err)
	}
}

func TestReadRejectsBlankBeforeHeader(t *testing.T) {
	in := "# model = bernoulli_model\n\nlp__,theta\n-1.2,0.3\n"
	_, err := Read(strings.NewReader(in), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Read error = %v, want ErrMalformedOutput", err)
	}
}

func TestReadRejectsShortRow(t *testing.T) {
	in := "lp__,theta\n-1.2\n"
	_, err := Read(strings.NewReader(in), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Read error = %v, want ErrMalformedOutput", err)
	}
}

func TestReadRejectsLongRow(t *testing.T) {
	in := "lp__,theta\n-1.2,0.3,0.9\n"
	_, err := Read(strings.NewReader(in), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Read error = %v, want ErrMalformedOutput", err)
	}
}

func TestReadRejectsNonNumericField(t *testing.T) {
	in := "lp__,theta\n-1.2,oops\n"
	_, err := Read(strings.NewReader(in), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Read error = %v, want ErrMalformedOutput", err)
	}
}

func TestReadAcceptsSpecialFloats(t *testing.T) {
	in := "lp__,theta\n-inf,nan\n"
	tbl, err := Read(strings.NewReader(in), sampleSchema(t))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(tbl.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(tbl.Rows))
	}
}

func TestReadRejectsMissingRequiredColumn(t *testing.T) {
	in := "theta,mu\n0.3,0.1\n"
	_, err := Read(strings.NewReader(in), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Read error = %v, want ErrMalformedOutput", err)
	}
}

func TestReadRejectsEmptyStream(t *testing.T) {
	_, err := Read(strings.NewReader("# only comments\n"), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Read error = %v, want ErrMalformedOutput", err)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain-1.csv")
	if err := os.WriteFile(path, []byte("lp__,theta\n-1.0,0.5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tbl, err := ReadFile(path, sampleSchema(t))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(tbl.Rows) != 1 {
		t.Errorf("rows = %d, want 1", len(tbl.Rows))
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.csv"), sampleSchema(t))
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("ReadFile error = %v, want ErrMalformedOutput", err)
	}
}

func TestResolveFlattenedVector(t *testing.T) {
	l, err := Resolve([]string{"lp__", "mu[1]", "mu[2]"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	v, ok := l.Variable("mu")
	if !ok {
		t.Fatal("Variable(mu) not found")
	}
	if len(v.Dims) != 1 || v.Dims[0] != 2 {
		t.Errorf("mu dims = %v, want [2]", v.Dims)
	}
	if v.Offset != 1 || v.Size != 2 {
		t.Errorf("mu offset/size = %d/%d, want 1/2", v.Offset, v.Size)
	}

	lp, ok := l.Variable("lp__")
	if !ok || !lp.Scalar() {
		t.Errorf("lp__ = %+v, want scalar variable", lp)
	}
}

func TestResolveMatrixColumnMajor(t *testing.T) {
	l, err := Resolve([]string{"Sigma[1,1]", "Sigma[2,1]", "Sigma[1,2]", "Sigma[2,2]"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	v, ok := l.Variable("Sigma")
	if !ok {
		t.Fatal("Variable(Sigma) not found")
	}
	if len(v.Dims) != 2 || v.Dims[0] != 2 || v.Dims[1] != 2 {
		t.Errorf("Sigma dims = %v, want [2 2]", v.Dims)
	}
}

func TestResolveRejectsGaps(t *testing.T) {
	// mu[2] missing: 1..3 is not dense coverage of max index 3 with 2 columns.
	_, err := Resolve([]string{"mu[1]", "mu[3]"})
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Resolve error = %v, want ErrMalformedOutput", err)
	}
}

func TestResolveRejectsOutOfOrderIndices(t *testing.T) {
	_, err := Resolve([]string{"mu[2]", "mu[1]"})
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Resolve error = %v, want ErrMalformedOutput", err)
	}
}

func TestResolveRejectsNonContiguousBlock(t *testing.T) {
	_, err := Resolve([]string{"mu[1]", "theta", "mu[2]"})
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Resolve error = %v, want ErrMalformedOutput", err)
	}
}

func TestResolveRejectsDuplicateColumns(t *testing.T) {
	_, err := Resolve([]string{"theta", "theta"})
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Resolve error = %v, want ErrMalformedOutput", err)
	}
}

func TestResolveRejectsMixedDimensionality(t *testing.T) {
	_, err := Resolve([]string{"mu[1]", "mu[1,2]"})
	if !errors.Is(err, model.ErrMalformedOutput) {
		t.Errorf("Resolve error = %v, want ErrMalformedOutput", err)
	}
}

func TestResolveRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{"mu[", "mu[0]", "mu[a]", "[1]"} {
		if _, err := Resolve([]string{name}); !errors.Is(err, model.ErrMalformedOutput) {
			t.Errorf("Resolve(%q) error = %v, want ErrMalformedOutput", name, err)
		}
	}
}

func TestSchemaFor(t *testing.T) {
	cases := []struct {
		method    string
		instances int
		concat    bool
	}{
		{model.MethodSample, 0, true},
		{model.MethodOptimize, 1, false},
		{model.MethodVariational, 1, false},
	}
	for _, c := range cases {
		s, err := For(c.method)
		if err != nil {
			t.Fatalf("For(%s): %v", c.method, err)
		}
		if s.Instances != c.instances || s.ConcatDraws != c.concat {
			t.Errorf("For(%s) = %+v, want instances=%d concat=%v", c.method, s, c.instances, c.concat)
		}
	}

	if _, err := For("diagnose"); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("For(diagnose) error = %v, want ErrConfiguration", err)
	}
}
