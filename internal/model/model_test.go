package model

import (
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusErrored, true},
		{StatusPending, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusWarned, true},
		{StatusRunning, StatusErrored, true},
		{StatusRunning, StatusPending, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusErrored, StatusRunning, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStatus(t *testing.T) {
	terminal := []string{StatusSucceeded, StatusWarned, StatusErrored}
	for _, s := range terminal {
		if !TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusPending, StatusRunning, "bogus"} {
		if TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = true, want false", s)
		}
	}
}

func validConfig() RunConfig {
	return RunConfig{
		Method:  MethodSample,
		ExePath: "/models/bernoulli",
		ChainArgs: [][]string{
			{"sample", "id=1", "output", "file=/tmp/out-1.csv"},
			{"sample", "id=2", "output", "file=/tmp/out-2.csv"},
		},
		OutputPaths: []string{"/tmp/out-1.csv", "/tmp/out-2.csv"},
	}
}

func TestRunConfigValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRunConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"unknown method", func(c *RunConfig) { c.Method = "diagnose" }},
		{"missing exe", func(c *RunConfig) { c.ExePath = "" }},
		{"no chains", func(c *RunConfig) { c.ChainArgs = nil }},
		{"path count mismatch", func(c *RunConfig) { c.OutputPaths = c.OutputPaths[:1] }},
		{"empty path", func(c *RunConfig) { c.OutputPaths[0] = "" }},
		{"duplicate paths", func(c *RunConfig) { c.OutputPaths[1] = c.OutputPaths[0] }},
		{"negative parallelism", func(c *RunConfig) { c.MaxParallel = -1 }},
		{"negative timeout", func(c *RunConfig) { c.TimeoutS = -5 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := validConfig()
			c.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate returned nil, want error")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Validate error = %v, want ErrConfiguration", err)
			}
		})
	}
}
