package leases

import (
	"io"
	"os"

	"github.com/alecthomas/errors"

	"github.com/alecthomas/landlord/internal/policyparser"
)

// LoadPolicyFile builds a [ClassPolicy] from a rule file.
//
// Classes inherit any duration they do not set from config, and resources without a matching class are
// governed by a [FixedPolicy] built from config.
func LoadPolicyFile(path string, config Config) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()
	return ParsePolicy(path, f, config)
}

// ParsePolicy builds a [ClassPolicy] from rules read from r.
func ParsePolicy(filename string, r io.Reader, config Config) (Policy, error) {
	file, err := policyparser.Parse(filename, r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	policy := &ClassPolicy{Classes: map[string]Policy{}, Fallback: NewFixedPolicy(config)}
	for _, rule := range file.Rules {
		fixed := NewFixedPolicy(config)
		if d, ok := rule.Default(); ok {
			fixed.Default = d
		}
		if m, ok := rule.Max(); ok {
			fixed.Max = m
		}
		fixed.Default = min(fixed.Default, fixed.Max)
		var class Policy = fixed
		if limit := rule.Limit(); limit > 0 {
			class = NewQuotaPolicy(fixed, limit)
		}
		policy.Classes[rule.Class] = class
	}
	return policy, nil
}
