package loopguard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is a declarative set of caller exemptions, usually loaded from a
// YAML file checked in next to the code that needs it:
//
//	rules:
//	  - name: time.Sleep
//	    allow:
//	      - file: internal/migrate/migrate.go
//	        functions: [Run]
//	  - name: (*os.File).Read
//	    allow:
//	      - file: config/load.go
//
// Applying a policy appends [Rule.CanBlockIn] entries; it never removes
// existing exemptions and never changes rule activation state.
type Policy struct {
	Rules []PolicyRule `yaml:"rules"`
}

// PolicyRule is one rule entry in a [Policy], addressed by qualified name.
type PolicyRule struct {
	Name  string        `yaml:"name"`
	Allow []PolicyAllow `yaml:"allow"`
}

// PolicyAllow is one allowed-caller entry, with [Rule.CanBlockIn] matching
// semantics: File is a path-suffix match on a segment boundary (empty: any
// file), Functions match the caller symbol by qualified or base name (none:
// any function). At least one of the two must be set; an entry matching
// every caller would silently disable the rule and is rejected as a
// configuration mistake.
type PolicyAllow struct {
	File      string   `yaml:"file"`
	Functions []string `yaml:"functions"`
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("loopguard: invalid policy: %w", err)
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, rule := range p.Rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("loopguard: invalid policy: rule %d has no name", i)
		}
		if _, ok := seen[rule.Name]; ok {
			return nil, fmt.Errorf("loopguard: invalid policy: rule %q appears twice", rule.Name)
		}
		seen[rule.Name] = struct{}{}
		for j, allow := range rule.Allow {
			if allow.File == "" && len(allow.Functions) == 0 {
				return nil, fmt.Errorf("loopguard: invalid policy: rule %q allow entry %d matches every caller", rule.Name, j)
			}
		}
	}
	return &p, nil
}

// LoadPolicyFile reads and parses a YAML policy file.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ApplyPolicy appends the policy's exemptions to the named rules. Every name
// is resolved before anything is applied, so a policy naming an unregistered
// rule fails with [ErrUnknownRule] without half-applying. Safe to call
// whether or not the guard is active; new exemptions take effect on the next
// guarded call.
func (g *Guard) ApplyPolicy(p *Policy) error {
	if p == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, pr := range p.Rules {
		if _, ok := g.rules[pr.Name]; !ok {
			return &ConfigError{Name: pr.Name, Cause: ErrUnknownRule}
		}
	}
	for _, pr := range p.Rules {
		r := g.rules[pr.Name]
		for _, allow := range pr.Allow {
			r.CanBlockIn(allow.File, allow.Functions...)
		}
		if len(pr.Allow) > 0 {
			g.env.logger.Debug().
				Str("rule", pr.Name).
				Int("exemptions", len(pr.Allow)).
				Log("policy exemptions applied")
		}
	}
	return nil
}
