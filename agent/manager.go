// Package agent ties a delegated agent's spending policy and budget tracker
// together and provides the mutual-exclusion boundary the tracker's
// check-then-act pair requires. There is no process-global state: the Manager
// is an explicit table owned by whatever component manages agent lifecycles.
package agent

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/becomeliminal/agentwallet-x402"
	"github.com/becomeliminal/agentwallet-x402/budget"
	"github.com/becomeliminal/agentwallet-x402/policy"
)

// Agent is one delegated identity: a spending policy plus a budget tracker.
type Agent struct {
	mu      sync.Mutex
	id      string
	policy  *policy.Policy
	tracker *budget.Tracker
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Policy returns the agent's spending policy, nil when none was attached.
// Policies are immutable and safe to share.
func (a *Agent) Policy() *policy.Policy { return a.policy }

// Tracker returns the agent's budget tracker. Direct use of
// CanSpend+RecordPayment on it is racy across goroutines; prefer
// Manager.Authorize.
func (a *Agent) Tracker() *budget.Tracker { return a.tracker }

// Manager holds one Agent per id. It serializes each agent's
// check-and-commit sequence so concurrent spend attempts cannot both pass
// CanSpend before either records.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*Agent
	logger *slog.Logger
}

// NewManager creates an empty agent table.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{agents: make(map[string]*Agent), logger: logger}
}

// Register creates an agent with a budget policy and an optional spending
// policy. Registering an existing id fails.
func (m *Manager) Register(id string, spendPolicy *policy.Policy, budgetPolicy budget.Policy) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	tracker, err := budget.NewTracker(budgetPolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid budget policy for agent %q: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[id]; exists {
		return nil, fmt.Errorf("agent %q is already registered", id)
	}
	a := &Agent{id: id, policy: spendPolicy, tracker: tracker}
	m.agents[id] = a
	m.logger.Debug("agent registered", "agent", id)
	return a, nil
}

// Get returns a registered agent.
func (m *Manager) Get(id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, x402.ErrNotFound)
	}
	return a, nil
}

// Remove drops an agent and its history.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
}

// Spend describes one payment attempt routed through Authorize.
type Spend struct {
	Amount *big.Int
	Asset  common.Address
	Domain string
}

// Denial reports why a spend attempt was refused. It is an expected outcome,
// distinct from operational errors.
type Denial struct {
	Rule   policy.RuleType
	Reason string
}

// Authorize runs one atomic check-and-commit for an agent: evaluate the
// spending policy, check the budget, run commit (typically the network
// payment), and record the payment iff commit succeeds. The agent's lock is
// held for the whole sequence, which is the single-writer boundary the
// tracker requires. A non-nil Denial with nil error means the policy or
// budget refused; a nil commit result's record is still appended.
func (m *Manager) Authorize(id string, spend Spend, commit func() (budget.Record, error)) (*Denial, error) {
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if spend.Amount == nil || spend.Amount.Sign() < 0 {
		return nil, fmt.Errorf("spend amount must be a non-negative integer")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.policy != nil {
		decision := a.policy.Evaluate(policy.SpendAttempt{
			Amount:        spend.Amount,
			Token:         spend.Asset,
			Timestamp:     time.Now().Unix(),
			CallsInWindow: a.tracker.CallsInWindow,
		})
		if !decision.Allowed {
			m.logger.Warn("spend denied by policy", "agent", id, "rule", decision.DeniedRule, "reason", decision.Reason)
			return &Denial{Rule: decision.DeniedRule, Reason: decision.Reason}, nil
		}
	}

	if allowed, reason := a.tracker.CanSpend(spend.Amount, spend.Asset, spend.Domain); !allowed {
		m.logger.Warn("spend denied by budget", "agent", id, "reason", reason)
		return &Denial{Reason: reason}, nil
	}

	rec, err := commit()
	if err != nil {
		return nil, err
	}
	if rec.Amount == nil {
		rec.Amount = spend.Amount
	}
	if rec.Domain == "" {
		rec.Domain = spend.Domain
	}
	if rec.Asset == (common.Address{}) {
		rec.Asset = spend.Asset
	}
	a.tracker.RecordPayment(rec)
	m.logger.Debug("spend recorded", "agent", id, "amount", spend.Amount.String(), "domain", spend.Domain)
	return nil, nil
}
