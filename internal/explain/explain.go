// Package explain answers one-line "what does this do" requests.
//
// The rule corpus itself is owned by the annotation engine; this package only
// defines the Explainer contract and a small regexp rule set so the endpoint
// works without it.
package explain

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Structural is returned for lines that carry no meaning on their own.
	Structural = "..."
	// Unsupported is returned when no rule matches.
	Unsupported = "Line analysis unsupported."
)

//go:embed rules.yaml
var defaultRules []byte

// Explainer turns one line of source into a short explanation. It must be a
// pure function of its input.
type Explainer interface {
	Explain(line string) string
}

// Rule is a pattern and the summary shown for it. "{}" in Summary is replaced
// by the next capture group; "{{" and "}}" are literal braces.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Summary string `yaml:"summary"`

	re *regexp.Regexp
}

// RuleSet is an ordered Explainer; the first matching rule wins.
type RuleSet struct {
	rules []Rule
}

var structuralLines = map[string]bool{
	"":   true,
	"{":  true,
	"}":  true,
	"};": true,
}

// Default returns the embedded rule set.
func Default() *RuleSet {
	rs, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded explain rules: %v", err))
	}
	return rs
}

// Load reads a rule set from a YAML file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read explain rules: %w", err)
	}
	return Parse(data)
}

// Parse compiles rules from YAML with a top-level "rules" list.
func Parse(data []byte) (*RuleSet, error) {
	var f struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse explain rules: %w", err)
	}
	for i := range f.Rules {
		re, err := regexp.Compile(f.Rules[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		f.Rules[i].re = re
	}
	return &RuleSet{rules: f.Rules}, nil
}

// Len is the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Explain implements Explainer.
func (rs *RuleSet) Explain(line string) string {
	line = strings.TrimSpace(line)
	if structuralLines[line] {
		return Structural
	}
	for _, r := range rs.rules {
		m := r.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if s, ok := fill(r.Summary, m[1:]); ok {
			return s
		}
		return r.Summary
	}
	return Unsupported
}

// fill substitutes groups into "{}" slots. It reports false when the summary
// has more slots than there are groups.
func fill(summary string, groups []string) (string, bool) {
	var b strings.Builder
	next := 0
	for i := 0; i < len(summary); i++ {
		switch {
		case strings.HasPrefix(summary[i:], "{{"):
			b.WriteByte('{')
			i++
		case strings.HasPrefix(summary[i:], "}}"):
			b.WriteByte('}')
			i++
		case strings.HasPrefix(summary[i:], "{}"):
			if next >= len(groups) {
				return "", false
			}
			b.WriteString(groups[next])
			next++
			i++
		default:
			b.WriteByte(summary[i])
		}
	}
	return b.String(), true
}
