package policy

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// OnchainPolicy is the spending/allowlist policy tuple consumed by the
// on-chain enforcement module. Field order and types mirror the contract's
// struct layout exactly.
type OnchainPolicy struct {
	AllowedTargets   []common.Address `abi:"allowedTargets"`
	AllowedSelectors [][4]byte        `abi:"allowedSelectors"`
	MaxAmountPerTx   *big.Int         `abi:"maxAmountPerTx"`
	DailyLimit       *big.Int         `abi:"dailyLimit"`
	WeeklyLimit      *big.Int         `abi:"weeklyLimit"`
	ValidAfter       *big.Int         `abi:"validAfter"`
	ValidUntil       *big.Int         `abi:"validUntil"`
	Active           bool             `abi:"active"`
}

// OnchainBudget is the metered-payment budget tuple consumed by the on-chain
// budget module.
type OnchainBudget struct {
	MaxPerRequest  *big.Int `abi:"maxPerRequest"`
	DailyBudget    *big.Int `abi:"dailyBudget"`
	TotalBudget    *big.Int `abi:"totalBudget"`
	Spent          *big.Int `abi:"spent"`
	DailySpent     *big.Int `abi:"dailySpent"`
	LastReset      *big.Int `abi:"lastReset"`
	AllowedDomains []string `abi:"allowedDomains"`
}

var (
	onchainPolicyArgs abi.Arguments
	onchainBudgetArgs abi.Arguments
)

func init() {
	policyType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "allowedTargets", Type: "address[]"},
		{Name: "allowedSelectors", Type: "bytes4[]"},
		{Name: "maxAmountPerTx", Type: "uint256"},
		{Name: "dailyLimit", Type: "uint256"},
		{Name: "weeklyLimit", Type: "uint256"},
		{Name: "validAfter", Type: "uint48"},
		{Name: "validUntil", Type: "uint48"},
		{Name: "active", Type: "bool"},
	})
	if err != nil {
		panic(fmt.Sprintf("building on-chain policy ABI type: %v", err))
	}
	budgetType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "maxPerRequest", Type: "uint256"},
		{Name: "dailyBudget", Type: "uint256"},
		{Name: "totalBudget", Type: "uint256"},
		{Name: "spent", Type: "uint256"},
		{Name: "dailySpent", Type: "uint256"},
		{Name: "lastReset", Type: "uint256"},
		{Name: "allowedDomains", Type: "string[]"},
	})
	if err != nil {
		panic(fmt.Sprintf("building on-chain budget ABI type: %v", err))
	}
	onchainPolicyArgs = abi.Arguments{{Type: policyType}}
	onchainBudgetArgs = abi.Arguments{{Type: budgetType}}
}

// EncodeOnchainPolicy ABI-encodes the policy tuple for the enforcement
// contract.
func EncodeOnchainPolicy(p OnchainPolicy) ([]byte, error) {
	normalizeOnchainPolicy(&p)
	if err := checkUint48("validAfter", p.ValidAfter); err != nil {
		return nil, err
	}
	if err := checkUint48("validUntil", p.ValidUntil); err != nil {
		return nil, err
	}
	return onchainPolicyArgs.Pack(p)
}

// DecodeOnchainPolicy decodes an ABI-encoded policy tuple.
func DecodeOnchainPolicy(data []byte) (OnchainPolicy, error) {
	var out OnchainPolicy
	values, err := onchainPolicyArgs.Unpack(data)
	if err != nil {
		return out, fmt.Errorf("failed to decode on-chain policy tuple: %w", err)
	}
	out = *abi.ConvertType(values[0], new(OnchainPolicy)).(*OnchainPolicy)
	return out, nil
}

// EncodeOnchainBudget ABI-encodes the budget tuple for the on-chain budget
// module.
func EncodeOnchainBudget(b OnchainBudget) ([]byte, error) {
	normalizeOnchainBudget(&b)
	return onchainBudgetArgs.Pack(b)
}

// DecodeOnchainBudget decodes an ABI-encoded budget tuple.
func DecodeOnchainBudget(data []byte) (OnchainBudget, error) {
	var out OnchainBudget
	values, err := onchainBudgetArgs.Unpack(data)
	if err != nil {
		return out, fmt.Errorf("failed to decode on-chain budget tuple: %w", err)
	}
	out = *abi.ConvertType(values[0], new(OnchainBudget)).(*OnchainBudget)
	return out, nil
}

// Onchain projects the policy onto the enforcement contract's tuple layout.
// Allowlist rules contribute targets and selectors; the first spending-limit
// rule contributes the amount tiers; the first time-window rule contributes
// the validity window.
func (p *Policy) Onchain() OnchainPolicy {
	out := OnchainPolicy{Active: true}
	for _, r := range p.rules {
		switch rule := r.(type) {
		case *ContractAllowlistRule:
			out.AllowedTargets = append(out.AllowedTargets, rule.Addresses...)
		case *FunctionAllowlistRule:
			out.AllowedTargets = append(out.AllowedTargets, rule.Contract)
			for _, sel := range rule.Selectors {
				out.AllowedSelectors = append(out.AllowedSelectors, [4]byte(sel))
			}
		case *SpendingLimitRule:
			if out.MaxAmountPerTx == nil {
				out.MaxAmountPerTx = new(big.Int).Set(rule.MaxPerTransaction)
				out.DailyLimit = new(big.Int).Set(rule.MaxDaily)
				out.WeeklyLimit = new(big.Int).Set(rule.MaxWeekly)
			}
		case *TimeWindowRule:
			if out.ValidAfter == nil {
				out.ValidAfter = big.NewInt(rule.ValidAfter)
				out.ValidUntil = big.NewInt(rule.ValidUntil)
			}
		}
	}
	normalizeOnchainPolicy(&out)
	return out
}

func normalizeOnchainPolicy(p *OnchainPolicy) {
	if p.AllowedTargets == nil {
		p.AllowedTargets = []common.Address{}
	}
	if p.AllowedSelectors == nil {
		p.AllowedSelectors = [][4]byte{}
	}
	for _, v := range []**big.Int{&p.MaxAmountPerTx, &p.DailyLimit, &p.WeeklyLimit, &p.ValidAfter, &p.ValidUntil} {
		if *v == nil {
			*v = new(big.Int)
		}
	}
}

func normalizeOnchainBudget(b *OnchainBudget) {
	if b.AllowedDomains == nil {
		b.AllowedDomains = []string{}
	}
	for _, v := range []**big.Int{&b.MaxPerRequest, &b.DailyBudget, &b.TotalBudget, &b.Spent, &b.DailySpent, &b.LastReset} {
		if *v == nil {
			*v = new(big.Int)
		}
	}
}

func checkUint48(field string, v *big.Int) error {
	if v.Sign() < 0 || v.BitLen() > 48 {
		return validationErr(field, "%s must fit in uint48", field)
	}
	return nil
}
