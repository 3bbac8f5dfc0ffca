package policy

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Operator combines a policy's rules.
type Operator uint8

const (
	// OperatorAnd requires every rule to pass.
	OperatorAnd Operator = 0
	// OperatorOr requires at least one rule to pass.
	OperatorOr Operator = 1
)

func (o Operator) String() string {
	if o == OperatorOr {
		return "OR"
	}
	return "AND"
}

func (o Operator) valid() bool {
	return o == OperatorAnd || o == OperatorOr
}

// Policy is an ordered list of rules plus a composition operator. Rule order
// is part of the policy's identity. Policies are immutable: every algebraic
// operation returns a new Policy, and the id/encoding are recomputed from
// (rules, operator) at construction, never mutated independently.
type Policy struct {
	rules    []Rule
	operator Operator
	id       common.Hash
	encoded  []byte
}

// Compose builds a policy from rules and an operator. An empty rule list is
// invalid: a policy with nothing to enforce must not exist.
func Compose(rules []Rule, operator Operator) (*Policy, error) {
	if len(rules) == 0 {
		return nil, validationErr("rules", "policy must contain at least one rule")
	}
	if len(rules) > maxListEntries {
		return nil, validationErr("rules", "policy exceeds %d rules", maxListEntries)
	}
	if !operator.valid() {
		return nil, validationErr("operator", "operator must be AND or OR")
	}
	for i, r := range rules {
		if r == nil {
			return nil, validationErr("rules", "rule at index %d is nil", i)
		}
	}
	copied := make([]Rule, len(rules))
	for i, r := range rules {
		copied[i] = r.clone()
	}

	encoded := encodeRules(copied, operator)
	return &Policy{
		rules:    copied,
		operator: operator,
		id:       crypto.Keccak256Hash(encoded),
		encoded:  encoded,
	}, nil
}

// Rules returns a deep copy of the rule list in composition order; mutating
// the returned rules never affects the policy.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.clone()
	}
	return out
}

// Operator returns the composition operator.
func (p *Policy) Operator() Operator { return p.operator }

// ID returns the policy's 32-byte identifier, the keccak256 hash of the
// canonical encoding.
func (p *Policy) ID() common.Hash { return p.id }

// IDHex renders the identifier as a 0x-prefixed 64-hex-character string.
func (p *Policy) IDHex() string { return p.id.Hex() }

// Encoded returns a copy of the canonical byte encoding.
func (p *Policy) Encoded() []byte {
	out := make([]byte, len(p.encoded))
	copy(out, p.encoded)
	return out
}

// Extend returns a new policy with more rules appended, keeping the operator.
func (p *Policy) Extend(more []Rule) (*Policy, error) {
	return p.ExtendWith(p.operator, more)
}

// ExtendWith returns a new policy with more rules appended and the given
// operator.
func (p *Policy) ExtendWith(operator Operator, more []Rule) (*Policy, error) {
	combined := make([]Rule, 0, len(p.rules)+len(more))
	combined = append(combined, p.rules...)
	combined = append(combined, more...)
	return Compose(combined, operator)
}

// Intersect combines two policies so that both must be satisfied.
func Intersect(a, b *Policy) (*Policy, error) {
	return combine(a, b, OperatorAnd)
}

// Union combines two policies so that either may be satisfied.
func Union(a, b *Policy) (*Policy, error) {
	return combine(a, b, OperatorOr)
}

func combine(a, b *Policy, operator Operator) (*Policy, error) {
	combined := make([]Rule, 0, len(a.rules)+len(b.rules))
	combined = append(combined, a.rules...)
	combined = append(combined, b.rules...)
	return Compose(combined, operator)
}

// RemoveRulesByType returns a policy without rules of the given type. Removing
// nothing returns the receiver unchanged; removing everything is invalid.
func (p *Policy) RemoveRulesByType(t RuleType) (*Policy, error) {
	kept := make([]Rule, 0, len(p.rules))
	for _, r := range p.rules {
		if r.Type() != t {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(p.rules) {
		return p, nil
	}
	if len(kept) == 0 {
		return nil, validationErr("rules", "Cannot remove all rules from a policy")
	}
	return Compose(kept, p.operator)
}

// RulesByType returns copies of the rules of the given type, in composition
// order.
func (p *Policy) RulesByType(t RuleType) []Rule {
	var out []Rule
	for _, r := range p.rules {
		if r.Type() == t {
			out = append(out, r.clone())
		}
	}
	return out
}
