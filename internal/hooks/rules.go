// Package hooks provides a rule-driven AuthHook. Operators describe veto
// and claim rules in a YAML file; the expressions are compiled once at load
// time and evaluated on every login.
package hooks

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/goccy/go-yaml"
)

// VetoRule refuses a login when its expression evaluates to true.
type VetoRule struct {
	Name        string `yaml:"name"`
	When        string `yaml:"when"`
	Reason      string `yaml:"reason"`
	RedirectURL string `yaml:"redirect_url"`

	compiled *vm.Program
}

// ClaimRule adds a claim to the ID token. When is optional; an absent
// condition always applies. Value is an expression evaluated in the same
// environment as When.
type ClaimRule struct {
	Name  string `yaml:"name"`
	When  string `yaml:"when"`
	Claim string `yaml:"claim"`
	Value string `yaml:"value"`

	compiledWhen  *vm.Program
	compiledValue *vm.Program
}

// RuleSet is the compiled contents of a rules file.
type RuleSet struct {
	Veto   []VetoRule  `yaml:"veto"`
	Claims []ClaimRule `yaml:"claims"`
}

// LoadRules reads, parses and compiles a rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and compiles a rules document.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) compile() error {
	seen := make(map[string]struct{})
	for i := range rs.Veto {
		rule := &rs.Veto[i]
		if rule.Name == "" {
			return fmt.Errorf("veto rule %d has no name", i)
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("rule name '%s' is not unique", rule.Name)
		}
		seen[rule.Name] = struct{}{}

		if rule.When == "" {
			return fmt.Errorf("veto rule '%s' missing when", rule.Name)
		}
		out, err := expr.Compile(rule.When, expr.AsBool())
		if err != nil {
			return fmt.Errorf("compiling expr for rule '%s': %w", rule.Name, err)
		}
		rule.compiled = out
	}

	for i := range rs.Claims {
		rule := &rs.Claims[i]
		if rule.Name == "" {
			return fmt.Errorf("claim rule %d has no name", i)
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("rule name '%s' is not unique", rule.Name)
		}
		seen[rule.Name] = struct{}{}

		if rule.Claim == "" {
			return fmt.Errorf("claim rule '%s' missing claim", rule.Name)
		}
		if rule.Value == "" {
			return fmt.Errorf("claim rule '%s' missing value", rule.Name)
		}
		if rule.When != "" {
			out, err := expr.Compile(rule.When, expr.AsBool())
			if err != nil {
				return fmt.Errorf("compiling expr for rule '%s': %w", rule.Name, err)
			}
			rule.compiledWhen = out
		}
		out, err := expr.Compile(rule.Value)
		if err != nil {
			return fmt.Errorf("compiling value expr for rule '%s': %w", rule.Name, err)
		}
		rule.compiledValue = out
	}

	return nil
}
