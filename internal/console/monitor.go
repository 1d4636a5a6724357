// Package console classifies engine console transcripts. The engine's only
// failure-reporting channel is free-form text, so classification works by
// matching each line against an ordered set of signature rules; everything
// else that merely looks suspicious is retained as advisory text without
// affecting the verdict.
package console

import (
	"regexp"
	"sync"
)

// Classification values for a transcript.
const (
	Clean   = "clean"
	Warned  = "warned"
	Errored = "errored"
)

// maxAdvisories caps retained advisory lines so a chatty chain cannot grow
// the monitor without bound.
const maxAdvisories = 100

// suspiciousLine flags lines worth surfacing to the caller even when no
// registered rule matches them. Such lines never change the classification.
var suspiciousLine = regexp.MustCompile(`(?i)(warn|error|exception|reject|fail|diverge)`)

// Match records a rule that fired on a transcript line.
type Match struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Line     string `json:"line"`
	LineNo   int    `json:"line_no"`
}

// Monitor consumes one chain's transcript as it grows and maintains a
// running classification. It is safe for concurrent Observe calls, which
// happen when stdout and stderr are scanned by separate readers.
type Monitor struct {
	rules *RuleSet

	mu         sync.Mutex
	lineNo     int
	class      string
	matches    []Match
	advisories []string
}

// NewMonitor creates a monitor over the given rule set.
func NewMonitor(rules *RuleSet) *Monitor {
	return &Monitor{rules: rules, class: Clean}
}

// Observe feeds one transcript line to the monitor. The first matching rule
// decides the line's contribution; an error match pins the classification to
// Errored, a warn match upgrades Clean to Warned.
func (m *Monitor) Observe(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lineNo++
	for _, r := range m.rules.rules {
		if !r.re.MatchString(line) {
			continue
		}
		m.matches = append(m.matches, Match{
			Rule:     r.name,
			Severity: r.severity,
			Line:     line,
			LineNo:   m.lineNo,
		})
		if r.severity == SeverityError {
			m.class = Errored
		} else if m.class == Clean {
			m.class = Warned
		}
		return
	}

	if suspiciousLine.MatchString(line) && len(m.advisories) < maxAdvisories {
		m.advisories = append(m.advisories, line)
	}
}

// Classification returns the current verdict for the transcript observed so far.
func (m *Monitor) Classification() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.class
}

// Matches returns a copy of all rule matches recorded so far.
func (m *Monitor) Matches() []Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Match, len(m.matches))
	copy(out, m.matches)
	return out
}

// Advisories returns a copy of suspicious lines that matched no rule.
func (m *Monitor) Advisories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.advisories))
	copy(out, m.advisories)
	return out
}

// Classify runs a complete transcript through a fresh monitor and returns
// the verdict with its matches. Convenience for post-mortem classification.
func (rs *RuleSet) Classify(lines []string) (string, []Match) {
	m := NewMonitor(rs)
	for _, line := range lines {
		m.Observe(line)
	}
	return m.Classification(), m.Matches()
}
