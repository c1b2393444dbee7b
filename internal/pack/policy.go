package pack

import (
	"slices"

	"fortknox/internal/fault"
	"fortknox/internal/pii"
)

// Built-in policy ids.
const (
	PolicyInternal = "internal"
	PolicyExternal = "external"
)

// Policy bounds what may be packed and sent to a remote engine.
type Policy struct {
	ID         string    `yaml:"id" json:"id" validate:"required"`
	MinLevel   pii.Level `yaml:"min_level" json:"min_level"`
	MaxBytes   int       `yaml:"max_bytes" json:"max_bytes" validate:"gt=0"`
	QuoteLimit int       `yaml:"quote_limit" json:"quote_limit" validate:"gte=1"`
}

// MinSpan is the shortest verbatim word run the re-identification guard
// rejects: one word more than the quote limit.
func (p Policy) MinSpan() int { return p.QuoteLimit + 1 }

// Policies maps policy ids to policies.
type Policies map[string]Policy

// DefaultPolicies returns the built-in policies.
func DefaultPolicies() Policies {
	return Policies{
		PolicyInternal: {ID: PolicyInternal, MinLevel: pii.Normal, MaxBytes: 800_000, QuoteLimit: 8},
		PolicyExternal: {ID: PolicyExternal, MinLevel: pii.Strict, MaxBytes: 300_000, QuoteLimit: 8},
	}
}

// Get returns the policy with id or an UNKNOWN_POLICY error.
func (ps Policies) Get(id string) (Policy, error) {
	p, ok := ps[id]
	if !ok {
		return Policy{}, fault.New(fault.UnknownPolicy, id)
	}
	return p, nil
}

// With returns a copy of ps with overrides applied by id.
func (ps Policies) With(overrides []Policy) Policies {
	out := make(Policies, len(ps)+len(overrides))
	for id, p := range ps {
		out[id] = p
	}
	for _, p := range overrides {
		out[p.ID] = p
	}
	return out
}

// IDs returns the policy ids in sorted order.
func (ps Policies) IDs() []string {
	ids := make([]string, 0, len(ps))
	for id := range ps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
