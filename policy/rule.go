// Package policy implements the spending-policy rule model and composer for
// delegated agent wallets. A policy is an ordered list of typed rules combined
// with a boolean operator; its identity is the keccak256 hash of a canonical
// binary encoding shared with the on-chain enforcement module.
package policy

import (
	"bytes"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RuleType identifies a rule variant.
type RuleType string

const (
	RuleTypeRateLimit         RuleType = "rate_limit"
	RuleTypeTimeWindow        RuleType = "time_window"
	RuleTypeContractAllowlist RuleType = "contract_allowlist"
	RuleTypeFunctionAllowlist RuleType = "function_allowlist"
	RuleTypeSpendingLimit     RuleType = "spending_limit"
)

// maxListEntries bounds rule counts and allowlist lengths: the canonical
// encoding carries them as uint16.
const maxListEntries = 0xFFFF

// Rule is the tagged union of all constraint kinds. Concrete rule values are
// immutable after construction; build them through the New* constructors so
// invariants hold.
type Rule interface {
	Type() RuleType

	// encodeBody writes the rule's canonical field encoding (without the
	// type tag and length prefix) to buf.
	encodeBody(buf *bytes.Buffer)

	// clone returns a deep copy, so policies never alias caller-held rule
	// state.
	clone() Rule
}

// ValidationError reports a rule or policy constructed from invalid input.
// It is always a local, construction-time failure; callers must fix the
// input and reconstruct.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErr(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParseAddress parses a 0x-prefixed 20-byte hex address, normalizing to a
// canonical lowercase form.
func ParseAddress(s string) (common.Address, error) {
	if !addressPattern.MatchString(s) {
		return common.Address{}, validationErr("address", "invalid address %q: must be 0x-prefixed 40-char hex", s)
	}
	return common.HexToAddress(s), nil
}

// Selector is the 4-byte identifier of a callable contract function.
type Selector [4]byte

// SelectorFromSignature derives a selector from a human-readable function
// signature such as "transfer(address,uint256)" using the standard 4-byte
// keccak hash.
func SelectorFromSignature(signature string) (Selector, error) {
	sig := strings.TrimSpace(signature)
	if sig == "" || !strings.Contains(sig, "(") || !strings.HasSuffix(sig, ")") {
		return Selector{}, validationErr("signature", "invalid function signature %q", signature)
	}
	var sel Selector
	copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
	return sel, nil
}

var selectorPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{8}$`)

// ParseSelector accepts either a raw 4-byte hex selector ("0xa9059cbb") or a
// human-readable function signature.
func ParseSelector(s string) (Selector, error) {
	if selectorPattern.MatchString(s) {
		var sel Selector
		copy(sel[:], common.FromHex(s))
		return sel, nil
	}
	return SelectorFromSignature(s)
}

// Hex renders the selector as 0x-prefixed lowercase hex.
func (s Selector) Hex() string {
	return fmt.Sprintf("0x%x", s[:])
}

// RateLimitRule caps how many calls an agent may make within an interval.
type RateLimitRule struct {
	MaxCalls        uint32
	IntervalSeconds uint32
}

// NewRateLimit builds a rate-limit rule. Both fields must be positive.
func NewRateLimit(maxCalls, intervalSeconds uint32) (*RateLimitRule, error) {
	if maxCalls == 0 {
		return nil, validationErr("maxCalls", "maxCalls must be positive")
	}
	if intervalSeconds == 0 {
		return nil, validationErr("intervalSeconds", "intervalSeconds must be positive")
	}
	return &RateLimitRule{MaxCalls: maxCalls, IntervalSeconds: intervalSeconds}, nil
}

func (r *RateLimitRule) Type() RuleType { return RuleTypeRateLimit }

func (r *RateLimitRule) clone() Rule {
	c := *r
	return &c
}

// TimeWindowRule restricts activity to a unix-seconds window.
type TimeWindowRule struct {
	ValidAfter int64
	ValidUntil int64
}

// NewTimeWindow builds a time-window rule. validAfter must precede validUntil.
func NewTimeWindow(validAfter, validUntil int64) (*TimeWindowRule, error) {
	if validAfter >= validUntil {
		return nil, validationErr("validAfter", "validAfter must be before validUntil")
	}
	return &TimeWindowRule{ValidAfter: validAfter, ValidUntil: validUntil}, nil
}

func (r *TimeWindowRule) Type() RuleType { return RuleTypeTimeWindow }

func (r *TimeWindowRule) clone() Rule {
	c := *r
	return &c
}

// ContractAllowlistRule restricts which counterparty contracts an agent may
// call. An empty allowlist is invalid: absence of the rule, not an empty
// rule, expresses "unrestricted".
type ContractAllowlistRule struct {
	Addresses []common.Address
}

// NewContractAllowlist builds a contract-allowlist rule from address strings.
// Addresses are normalized, deduplicated and sorted so semantically equal
// rules encode identically.
func NewContractAllowlist(addresses []string) (*ContractAllowlistRule, error) {
	if len(addresses) == 0 {
		return nil, validationErr("addresses", "Allowlist must contain at least one address or domain")
	}
	normalized, err := normalizeAddresses(addresses)
	if err != nil {
		return nil, err
	}
	if len(normalized) > maxListEntries {
		return nil, validationErr("addresses", "allowlist exceeds %d entries", maxListEntries)
	}
	return &ContractAllowlistRule{Addresses: normalized}, nil
}

func (r *ContractAllowlistRule) Type() RuleType { return RuleTypeContractAllowlist }

func (r *ContractAllowlistRule) clone() Rule {
	return &ContractAllowlistRule{Addresses: append([]common.Address(nil), r.Addresses...)}
}

// Contains reports whether addr is on the allowlist.
func (r *ContractAllowlistRule) Contains(addr common.Address) bool {
	for _, a := range r.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// FunctionAllowlistRule restricts which functions may be called on a specific
// contract, identified by their 4-byte selectors.
type FunctionAllowlistRule struct {
	Contract  common.Address
	Selectors []Selector
}

// NewFunctionAllowlist builds a function-allowlist rule. Selectors are
// accepted either as raw 4-byte hex or as function signatures, and are
// deduplicated and sorted for canonical order.
func NewFunctionAllowlist(contract string, selectors []string) (*FunctionAllowlistRule, error) {
	addr, err := ParseAddress(contract)
	if err != nil {
		return nil, err
	}
	if len(selectors) == 0 {
		return nil, validationErr("selectors", "Allowlist must contain at least one selector")
	}
	seen := make(map[Selector]bool, len(selectors))
	parsed := make([]Selector, 0, len(selectors))
	for _, s := range selectors {
		sel, err := ParseSelector(s)
		if err != nil {
			return nil, err
		}
		if !seen[sel] {
			seen[sel] = true
			parsed = append(parsed, sel)
		}
	}
	sort.Slice(parsed, func(i, j int) bool {
		return bytes.Compare(parsed[i][:], parsed[j][:]) < 0
	})
	if len(parsed) > maxListEntries {
		return nil, validationErr("selectors", "allowlist exceeds %d entries", maxListEntries)
	}
	return &FunctionAllowlistRule{Contract: addr, Selectors: parsed}, nil
}

func (r *FunctionAllowlistRule) Type() RuleType { return RuleTypeFunctionAllowlist }

func (r *FunctionAllowlistRule) clone() Rule {
	return &FunctionAllowlistRule{
		Contract:  r.Contract,
		Selectors: append([]Selector(nil), r.Selectors...),
	}
}

// Allows reports whether the selector is permitted on the rule's contract.
func (r *FunctionAllowlistRule) Allows(sel Selector) bool {
	for _, s := range r.Selectors {
		if s == sel {
			return true
		}
	}
	return false
}

// SpendingLimitRule caps token spend per transaction, per day and per week.
// A zero cap means unlimited at that tier; non-zero tiers must nest
// (per-transaction <= daily <= weekly).
type SpendingLimitRule struct {
	Token             common.Address
	MaxPerTransaction *big.Int
	MaxDaily          *big.Int
	MaxWeekly         *big.Int
}

// NewSpendingLimit builds a spending-limit rule. Amounts are decimal strings
// in the token's atomic units; empty strings mean zero (unlimited).
func NewSpendingLimit(token, maxPerTransaction, maxDaily, maxWeekly string) (*SpendingLimitRule, error) {
	addr, err := ParseAddress(token)
	if err != nil {
		return nil, err
	}
	perTx, err := parseAmount("maxPerTransaction", maxPerTransaction)
	if err != nil {
		return nil, err
	}
	daily, err := parseAmount("maxDaily", maxDaily)
	if err != nil {
		return nil, err
	}
	weekly, err := parseAmount("maxWeekly", maxWeekly)
	if err != nil {
		return nil, err
	}
	if daily.Sign() > 0 && perTx.Cmp(daily) > 0 {
		return nil, validationErr("maxPerTransaction", "maxPerTransaction must not exceed maxDaily")
	}
	if weekly.Sign() > 0 && daily.Cmp(weekly) > 0 {
		return nil, validationErr("maxDaily", "maxDaily must not exceed maxWeekly")
	}
	if weekly.Sign() > 0 && perTx.Cmp(weekly) > 0 {
		return nil, validationErr("maxPerTransaction", "maxPerTransaction must not exceed maxWeekly")
	}
	return &SpendingLimitRule{
		Token:             addr,
		MaxPerTransaction: perTx,
		MaxDaily:          daily,
		MaxWeekly:         weekly,
	}, nil
}

func (r *SpendingLimitRule) Type() RuleType { return RuleTypeSpendingLimit }

func (r *SpendingLimitRule) clone() Rule {
	return &SpendingLimitRule{
		Token:             r.Token,
		MaxPerTransaction: new(big.Int).Set(r.MaxPerTransaction),
		MaxDaily:          new(big.Int).Set(r.MaxDaily),
		MaxWeekly:         new(big.Int).Set(r.MaxWeekly),
	}
}

// parseAmount parses a non-negative decimal amount that must fit in 256 bits.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, validationErr(field, "%s must be a decimal integer, got %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, validationErr(field, "%s must not be negative", field)
	}
	if v.BitLen() > 256 {
		return nil, validationErr(field, "%s exceeds 256 bits", field)
	}
	return v, nil
}

func normalizeAddresses(addresses []string) ([]common.Address, error) {
	seen := make(map[common.Address]bool, len(addresses))
	out := make([]common.Address, 0, len(addresses))
	for _, s := range addresses {
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out, nil
}
