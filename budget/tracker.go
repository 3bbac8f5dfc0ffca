// Package budget implements per-agent spend accounting for metered payments.
// A Tracker owns an append-only payment history and answers "can this amount
// be spent now" against a budget policy with per-request, rolling-daily and
// optional lifetime caps plus domain and asset allowlists.
package budget

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/becomeliminal/agentwallet-x402/policy"
)

// DailyWindow is the rolling window used for daily-budget checks.
const DailyWindow = 24 * time.Hour

// DefaultRecordRetention is how long payment records are kept before
// PruneExpiredRecords drops them. Independent of DailyWindow.
const DefaultRecordRetention = 7 * 24 * time.Hour

// Policy is the budget configuration for one agent. Empty allowlists mean
// unrestricted, not deny-all; a nil or zero TotalBudget means no lifetime cap.
type Policy struct {
	MaxPerRequest  *big.Int
	MaxDaily       *big.Int
	TotalBudget    *big.Int
	AllowedDomains []string
	AllowedAssets  []common.Address
}

// Validate checks the policy is usable.
func (p *Policy) Validate() error {
	if p.MaxPerRequest == nil || p.MaxPerRequest.Sign() <= 0 {
		return &policy.ValidationError{Field: "maxPerRequest", Message: "maxPerRequest must be positive"}
	}
	if p.MaxDaily == nil || p.MaxDaily.Sign() <= 0 {
		return &policy.ValidationError{Field: "maxDaily", Message: "maxDaily must be positive"}
	}
	if p.TotalBudget != nil && p.TotalBudget.Sign() < 0 {
		return &policy.ValidationError{Field: "totalBudget", Message: "totalBudget must not be negative"}
	}
	return nil
}

// Record is one settled payment. Immutable once recorded.
type Record struct {
	ID            string
	Domain        string
	Amount        *big.Int
	Asset         common.Address
	Timestamp     int64
	Authorization string
	Signature     string
}

// NewRecord builds a record with a fresh id and the current timestamp.
func NewRecord(domain string, amount *big.Int, asset common.Address) Record {
	return Record{
		ID:        uuid.NewString(),
		Domain:    domain,
		Amount:    new(big.Int).Set(amount),
		Asset:     asset,
		Timestamp: time.Now().Unix(),
	}
}

// Tracker accounts for one agent's payments. The internal mutex makes
// individual calls safe, but CanSpend followed by RecordPayment is a
// check-then-act pair: callers that spend concurrently for the same agent
// must hold their own per-agent lock around the pair (see agent.Manager).
type Tracker struct {
	mu      sync.Mutex
	policy  Policy
	history []Record

	now func() int64 // test hook
}

// NewTracker builds a tracker for the given budget policy.
func NewTracker(p Policy) (*Tracker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cp := Policy{
		MaxPerRequest:  new(big.Int).Set(p.MaxPerRequest),
		MaxDaily:       new(big.Int).Set(p.MaxDaily),
		AllowedDomains: append([]string(nil), p.AllowedDomains...),
		AllowedAssets:  append([]common.Address(nil), p.AllowedAssets...),
	}
	if p.TotalBudget != nil {
		cp.TotalBudget = new(big.Int).Set(p.TotalBudget)
	}
	return &Tracker{
		policy: cp,
		now:    func() int64 { return time.Now().Unix() },
	}, nil
}

// Policy returns a copy of the tracker's budget policy.
func (t *Tracker) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := Policy{
		MaxPerRequest:  new(big.Int).Set(t.policy.MaxPerRequest),
		MaxDaily:       new(big.Int).Set(t.policy.MaxDaily),
		AllowedDomains: append([]string(nil), t.policy.AllowedDomains...),
		AllowedAssets:  append([]common.Address(nil), t.policy.AllowedAssets...),
	}
	if t.policy.TotalBudget != nil {
		cp.TotalBudget = new(big.Int).Set(t.policy.TotalBudget)
	}
	return cp
}

// CanSpend reports whether amount may be spent now for the given asset and
// domain. It never mutates state. A false result carries the failed check;
// denial is an expected outcome, not an error. A zero asset or empty domain
// skips the corresponding allowlist check, and an empty allowlist is
// unrestricted.
func (t *Tracker) CanSpend(amount *big.Int, asset common.Address, domain string) (bool, string) {
	if amount == nil || amount.Sign() < 0 {
		return false, "amount must be a non-negative integer"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if amount.Cmp(t.policy.MaxPerRequest) > 0 {
		return false, "amount exceeds per-request limit"
	}
	if domain != "" && len(t.policy.AllowedDomains) > 0 && !t.domainAllowed(domain) {
		return false, "domain " + domain + " is not allowlisted"
	}
	if asset != (common.Address{}) && len(t.policy.AllowedAssets) > 0 && !t.assetAllowed(asset) {
		return false, "asset " + asset.Hex() + " is not allowlisted"
	}

	daily := t.sumSince(t.now()-int64(DailyWindow/time.Second), &asset)
	if new(big.Int).Add(daily, amount).Cmp(t.policy.MaxDaily) > 0 {
		return false, "daily budget exceeded"
	}
	if t.policy.TotalBudget != nil && t.policy.TotalBudget.Sign() > 0 {
		total := t.sumSince(0, nil)
		if new(big.Int).Add(total, amount).Cmp(t.policy.TotalBudget) > 0 {
			return false, "total budget exceeded"
		}
	}
	return true, ""
}

// RecordPayment appends a settled payment. It does not re-check the budget:
// callers must pair it with an immediately preceding CanSpend under their
// own lock.
func (t *Tracker) RecordPayment(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.Amount != nil {
		rec.Amount = new(big.Int).Set(rec.Amount)
	} else {
		rec.Amount = new(big.Int)
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = t.now()
	}
	t.history = append(t.history, rec)
}

// DailySpend sums payments across all assets within the rolling 24h window.
func (t *Tracker) DailySpend() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumSince(t.now()-int64(DailyWindow/time.Second), nil)
}

// DailySpendForAsset sums payments for one asset within the rolling 24h
// window.
func (t *Tracker) DailySpendForAsset(asset common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumSince(t.now()-int64(DailyWindow/time.Second), &asset)
}

// TotalSpend sums the full history across all assets.
func (t *Tracker) TotalSpend() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumSince(0, nil)
}

// TotalSpendForAsset sums the full history for one asset.
func (t *Tracker) TotalSpendForAsset(asset common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumSince(0, &asset)
}

// RemainingDailyBudget returns max(0, maxDaily - dailySpend).
func (t *Tracker) RemainingDailyBudget() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	spent := t.sumSince(t.now()-int64(DailyWindow/time.Second), nil)
	remaining := new(big.Int).Sub(t.policy.MaxDaily, spent)
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

// RemainingPerRequestBudget returns the per-call ceiling. It is an
// instantaneous limit, independent of history.
func (t *Tracker) RemainingPerRequestBudget() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.policy.MaxPerRequest)
}

// CallsInWindow counts payments made within the trailing window of
// intervalSeconds. Used to back rate-limit rule evaluation.
func (t *Tracker) CallsInWindow(intervalSeconds uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now() - int64(intervalSeconds)
	var count uint32
	for _, rec := range t.history {
		if rec.Timestamp >= cutoff {
			count++
		}
	}
	return count
}

// History returns a defensive copy of the payment history; mutating it never
// affects tracker state.
func (t *Tracker) History() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.history))
	for i, rec := range t.history {
		out[i] = rec
		out[i].Amount = new(big.Int).Set(rec.Amount)
	}
	return out
}

// ClearHistory drops all records, resetting daily and total spend to zero.
func (t *Tracker) ClearHistory() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
}

// PruneExpiredRecords removes records older than maxAge. A non-positive
// maxAge applies the default 7-day retention.
func (t *Tracker) PruneExpiredRecords(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultRecordRetention
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now() - int64(maxAge/time.Second)
	kept := t.history[:0]
	for _, rec := range t.history {
		if rec.Timestamp >= cutoff {
			kept = append(kept, rec)
		}
	}
	pruned := len(t.history) - len(kept)
	t.history = kept
	return pruned
}

// Onchain snapshots the tracker into the on-chain budget tuple layout.
// LastReset carries the start of the current rolling window.
func (t *Tracker) Onchain() policy.OnchainBudget {
	t.mu.Lock()
	defer t.mu.Unlock()
	windowStart := t.now() - int64(DailyWindow/time.Second)
	out := policy.OnchainBudget{
		MaxPerRequest:  new(big.Int).Set(t.policy.MaxPerRequest),
		DailyBudget:    new(big.Int).Set(t.policy.MaxDaily),
		TotalBudget:    new(big.Int),
		Spent:          t.sumSince(0, nil),
		DailySpent:     t.sumSince(windowStart, nil),
		LastReset:      big.NewInt(windowStart),
		AllowedDomains: append([]string{}, t.policy.AllowedDomains...),
	}
	if t.policy.TotalBudget != nil {
		out.TotalBudget.Set(t.policy.TotalBudget)
	}
	return out
}

// sumSince sums record amounts with timestamp >= cutoff, optionally filtered
// to one asset. Callers hold t.mu. A nil or zero asset filter matches all
// records.
func (t *Tracker) sumSince(cutoff int64, asset *common.Address) *big.Int {
	total := new(big.Int)
	for _, rec := range t.history {
		if rec.Timestamp < cutoff {
			continue
		}
		if asset != nil && *asset != (common.Address{}) && rec.Asset != *asset {
			continue
		}
		total.Add(total, rec.Amount)
	}
	return total
}

func (t *Tracker) domainAllowed(domain string) bool {
	for _, d := range t.policy.AllowedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func (t *Tracker) assetAllowed(asset common.Address) bool {
	for _, a := range t.policy.AllowedAssets {
		if a == asset {
			return true
		}
	}
	return false
}
