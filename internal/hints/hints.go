// Package hints maps raw compiler diagnostics to short plain-language tips.
package hints

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule pairs a diagnostic substring with the tip shown when it matches.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Hint    string `yaml:"hint"`
}

// Table is an ordered list of rules; the first match wins.
type Table []Rule

// Default is the built-in table.
var Default = Table{
	{
		Pattern: "expected ';'",
		Hint:    "You forgot a semicolon (;) at the end of a line. In C++, that's like a period at the end of a sentence.",
	},
	{
		Pattern: "was not declared in this scope",
		Hint:    "You're using a name that the computer doesn't recognize. Did you forget to create the variable first?",
	},
	{
		Pattern: "undeclared identifier",
		Hint:    "You're using a name that the computer doesn't recognize. Did you forget to create the variable first?",
	},
	{
		Pattern: "expected '}'",
		Hint:    "A block is missing its closing brace (}). Every { needs a matching }.",
	},
	{
		Pattern: "undefined reference to `main'",
		Hint:    "Your program needs a main() function. That's where the computer starts running your code.",
	},
}

// Match returns the hint of the first rule whose pattern occurs in diagnostic.
func (t Table) Match(diagnostic string) (string, bool) {
	for _, r := range t {
		if r.Pattern != "" && strings.Contains(diagnostic, r.Pattern) {
			return r.Hint, true
		}
	}
	return "", false
}

type file struct {
	Hints Table `yaml:"hints"`
}

// Parse reads a table from YAML of the form:
//
//	hints:
//	  - pattern: "expected ';'"
//	    hint: "You forgot a semicolon."
func Parse(data []byte) (Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hints: %w", err)
	}
	for i, r := range f.Hints {
		if r.Pattern == "" {
			return nil, fmt.Errorf("hint %d: empty pattern", i)
		}
	}
	return f.Hints, nil
}

// Load reads a table from a YAML file.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hints: %w", err)
	}
	return Parse(data)
}
