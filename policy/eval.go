package policy

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SpendAttempt describes a single action an agent wants to take, evaluated
// against a policy's rules. Zero values mean "not applicable": a nil amount
// skips spending-limit checks, a zero contract skips allowlist checks, and so
// on.
type SpendAttempt struct {
	Amount    *big.Int
	Token     common.Address
	Contract  common.Address
	Selector  *Selector
	Timestamp int64

	// CallsInWindow reports how many calls the agent already made within
	// the trailing interval, supplied by the caller's history (the budget
	// tracker for payments, or a call log for contract actions). Rate-limit
	// rules pass when nil.
	CallsInWindow func(intervalSeconds uint32) uint32
}

// Decision records the outcome of evaluating a spend attempt.
type Decision struct {
	Allowed    bool
	DeniedRule RuleType
	Reason     string
}

// Evaluate checks a spend attempt against every rule, combined with the
// policy's operator: AND requires all rules to pass, OR requires at least
// one. The first failing rule (AND) or last failure (OR) is reported.
func (p *Policy) Evaluate(attempt SpendAttempt) Decision {
	if p.operator == OperatorOr {
		var last Decision
		for _, r := range p.rules {
			d := evalRule(r, attempt)
			if d.Allowed {
				return Decision{Allowed: true}
			}
			last = d
		}
		return last
	}
	for _, r := range p.rules {
		if d := evalRule(r, attempt); !d.Allowed {
			return d
		}
	}
	return Decision{Allowed: true}
}

func evalRule(r Rule, attempt SpendAttempt) Decision {
	deny := func(reason string, args ...interface{}) Decision {
		return Decision{DeniedRule: r.Type(), Reason: fmt.Sprintf(reason, args...)}
	}

	switch rule := r.(type) {
	case *RateLimitRule:
		if attempt.CallsInWindow != nil {
			if calls := attempt.CallsInWindow(rule.IntervalSeconds); calls >= rule.MaxCalls {
				return deny("rate limit exceeded: %d calls in %ds window", calls, rule.IntervalSeconds)
			}
		}

	case *TimeWindowRule:
		if attempt.Timestamp < rule.ValidAfter || attempt.Timestamp >= rule.ValidUntil {
			return deny("outside active window [%d, %d)", rule.ValidAfter, rule.ValidUntil)
		}

	case *ContractAllowlistRule:
		if attempt.Contract != (common.Address{}) && !rule.Contains(attempt.Contract) {
			return deny("contract %s is not allowlisted", attempt.Contract.Hex())
		}

	case *FunctionAllowlistRule:
		if attempt.Contract == rule.Contract && attempt.Selector != nil && !rule.Allows(*attempt.Selector) {
			return deny("selector %s is not allowed on %s", attempt.Selector.Hex(), rule.Contract.Hex())
		}

	case *SpendingLimitRule:
		if attempt.Amount != nil && attempt.Token == rule.Token &&
			rule.MaxPerTransaction.Sign() > 0 && attempt.Amount.Cmp(rule.MaxPerTransaction) > 0 {
			return deny("amount %s exceeds per-transaction limit %s", attempt.Amount, rule.MaxPerTransaction)
		}
	}
	return Decision{Allowed: true}
}
