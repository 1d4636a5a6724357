package console

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule severity constants. Error rules take precedence over warning rules:
// once an error rule matches, the transcript stays errored no matter what
// matches afterwards.
const (
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Rule is one engine output signature. Patterns are regular expressions
// matched against individual transcript lines, in registration order.
type Rule struct {
	Name     string `yaml:"name"`
	Severity string `yaml:"severity"`
	Pattern  string `yaml:"pattern"`
}

type compiledRule struct {
	name     string
	severity string
	re       *regexp.Regexp
}

// RuleSet is an ordered, compiled list of signature rules. It is immutable
// after construction and safe for concurrent use.
type RuleSet struct {
	rules []compiledRule
}

// builtinRules are the signatures of the reference engine version. Callers
// targeting engines with different wording load their own set via Load.
var builtinRules = []Rule{
	{Name: "exception", Severity: SeverityError, Pattern: `Exception`},
	{Name: "init-failed", Severity: SeverityError, Pattern: `Initialization failed`},
	{Name: "generic-error", Severity: SeverityError, Pattern: `(?i)\berror\b`},
	{Name: "advi-not-converged", Severity: SeverityWarn, Pattern: `algorithm may not have converged`},
	{Name: "metropolis-reject", Severity: SeverityWarn, Pattern: `proposal is about to be rejected`},
	{Name: "reject-initial", Severity: SeverityWarn, Pattern: `Rejecting initial value`},
}

var defaultSet = mustCompile(builtinRules)

// Default returns the built-in rule set for the reference engine.
func Default() *RuleSet {
	return defaultSet
}

// Compile validates and compiles a list of rules into a RuleSet.
func Compile(rules []Rule) (*RuleSet, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule set is empty")
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if r.Severity != SeverityWarn && r.Severity != SeverityError {
			return nil, fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, severity: r.Severity, re: re})
	}
	return &RuleSet{rules: compiled}, nil
}

func mustCompile(rules []Rule) *RuleSet {
	rs, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return rs
}

// ruleFile is the YAML document shape for Load.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads a rule set from a YAML file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	rs, err := Compile(f.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile rules from %s: %w", path, err)
	}
	return rs, nil
}
