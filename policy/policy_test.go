package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRules(t *testing.T) (rate *RateLimitRule, window *TimeWindowRule, spend *SpendingLimitRule) {
	t.Helper()
	var err error
	rate, err = NewRateLimit(10, 60)
	require.NoError(t, err)
	window, err = NewTimeWindow(1_700_000_000, 1_800_000_000)
	require.NoError(t, err)
	spend, err = NewSpendingLimit(tokenA, "100", "1000", "5000")
	require.NoError(t, err)
	return rate, window, spend
}

func TestComposeRejectsEmptyRules(t *testing.T) {
	_, err := Compose(nil, OperatorAnd)
	require.Error(t, err)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestComposeDeterministicIdentity(t *testing.T) {
	rate, window, spend := mustRules(t)

	a, err := Compose([]Rule{rate, window, spend}, OperatorAnd)
	require.NoError(t, err)
	b, err := Compose([]Rule{rate, window, spend}, OperatorAnd)
	require.NoError(t, err)

	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, a.Encoded(), b.Encoded())
	assert.Len(t, a.IDHex(), 66, "0x-prefixed 64 hex chars")

	// Rule order is part of identity.
	reordered, err := Compose([]Rule{window, rate, spend}, OperatorAnd)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), reordered.ID())

	// The operator is part of identity.
	orPolicy, err := Compose([]Rule{rate, window, spend}, OperatorOr)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), orPolicy.ID())

	// Any field change changes identity.
	rate2, err := NewRateLimit(11, 60)
	require.NoError(t, err)
	changed, err := Compose([]Rule{rate2, window, spend}, OperatorAnd)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), changed.ID())
}

func TestExtendKeepsOperatorAndAppends(t *testing.T) {
	rate, window, _ := mustRules(t)

	p, err := Compose([]Rule{rate}, OperatorOr)
	require.NoError(t, err)

	extended, err := p.Extend([]Rule{window})
	require.NoError(t, err)
	assert.Equal(t, OperatorOr, extended.Operator())
	assert.Len(t, extended.Rules(), 2)

	// The original policy is untouched.
	assert.Len(t, p.Rules(), 1)

	switched, err := p.ExtendWith(OperatorAnd, []Rule{window})
	require.NoError(t, err)
	assert.Equal(t, OperatorAnd, switched.Operator())
}

func TestIntersectAndUnion(t *testing.T) {
	rate, window, spend := mustRules(t)

	a, err := Compose([]Rule{rate}, OperatorAnd)
	require.NoError(t, err)
	b, err := Compose([]Rule{window, spend}, OperatorOr)
	require.NoError(t, err)

	both, err := Intersect(a, b)
	require.NoError(t, err)
	assert.Equal(t, OperatorAnd, both.Operator())
	assert.Len(t, both.Rules(), 3)

	either, err := Union(a, b)
	require.NoError(t, err)
	assert.Equal(t, OperatorOr, either.Operator())
	assert.Len(t, either.Rules(), 3)
}

func TestRemoveRulesByType(t *testing.T) {
	rate, window, _ := mustRules(t)

	p, err := Compose([]Rule{rate, window}, OperatorAnd)
	require.NoError(t, err)

	// No rule of that type: unchanged policy back.
	same, err := p.RemoveRulesByType(RuleTypeSpendingLimit)
	require.NoError(t, err)
	assert.Same(t, p, same)

	removed, err := p.RemoveRulesByType(RuleTypeRateLimit)
	require.NoError(t, err)
	require.Len(t, removed.Rules(), 1)
	assert.NotEqual(t, p.ID(), removed.ID())

	// Removing the last rule is invalid.
	_, err = removed.RemoveRulesByType(RuleTypeTimeWindow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot remove all rules")
}

func TestComposeRejectsOversizeRuleList(t *testing.T) {
	window, err := NewTimeWindow(100, 200)
	require.NoError(t, err)

	rules := make([]Rule, maxListEntries+1)
	for i := range rules {
		rules[i] = window
	}

	_, err = Compose(rules, OperatorAnd)
	require.Error(t, err)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "rules", vErr.Field)

	// One fewer is fine.
	p, err := Compose(rules[1:], OperatorAnd)
	require.NoError(t, err)
	assert.Len(t, p.Rules(), maxListEntries)
}

func TestComposeDoesNotAliasCallerRules(t *testing.T) {
	spend, err := NewSpendingLimit(tokenA, "100", "1000", "5000")
	require.NoError(t, err)
	contracts, err := NewContractAllowlist([]string{targetA})
	require.NoError(t, err)

	p, err := Compose([]Rule{spend, contracts}, OperatorAnd)
	require.NoError(t, err)
	id := p.ID()

	// Mutating the caller's rules after composition must not desync the
	// policy's identity from its live rule values.
	spend.MaxDaily.SetInt64(999_999)
	contracts.Addresses[0] = addr(t, targetB)

	fresh, err := Compose(p.Rules(), OperatorAnd)
	require.NoError(t, err)
	assert.Equal(t, id, fresh.ID())

	kept := p.RulesByType(RuleTypeSpendingLimit)[0].(*SpendingLimitRule)
	assert.Equal(t, "1000", kept.MaxDaily.String())

	// Rules returned by accessors are copies too.
	kept.MaxDaily.SetInt64(7)
	again := p.RulesByType(RuleTypeSpendingLimit)[0].(*SpendingLimitRule)
	assert.Equal(t, "1000", again.MaxDaily.String())
}

func TestRulesByType(t *testing.T) {
	rate, window, spend := mustRules(t)
	rate2, err := NewRateLimit(5, 30)
	require.NoError(t, err)

	p, err := Compose([]Rule{rate, window, rate2, spend}, OperatorAnd)
	require.NoError(t, err)

	limits := p.RulesByType(RuleTypeRateLimit)
	require.Len(t, limits, 2)
	assert.Equal(t, rate, limits[0])
	assert.Equal(t, rate2, limits[1])

	assert.Empty(t, p.RulesByType(RuleTypeContractAllowlist))
}
