package x402

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/becomeliminal/agentwallet-x402/budget"
)

// State names the handshake's position. Settled and Rejected are terminal.
type State string

const (
	StateIdle              State = "idle"
	StateRequested         State = "requested"
	StateChallengeReceived State = "challenge_received"
	StateAuthorizing       State = "authorizing"
	StateRetrying          State = "retrying"
	StateSettled           State = "settled"
	StateRejected          State = "rejected"
)

// ClientConfig configures the paying client.
type ClientConfig struct {
	// Signer produces payment payloads for supported requirements.
	Signer Signer

	// Budget gates every payment. A denial rejects the handshake without
	// producing a signature.
	Budget *budget.Tracker

	// HTTP is the underlying client. Defaults to a 30s-timeout client.
	HTTP *http.Client

	// MaxRetries bounds transport-level retries of the paid request.
	// Defaults to 3.
	MaxRetries uint64

	// RetryInterval is the initial backoff interval. Defaults to 500ms.
	RetryInterval time.Duration

	// Logger receives handshake transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *ClientConfig) Validate() error {
	if c.Signer == nil {
		return fmt.Errorf("signer is required")
	}
	if c.Budget == nil {
		return fmt.Errorf("budget tracker is required")
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Result is the terminal outcome of one handshake.
type Result struct {
	// State is StateSettled or StateRejected.
	State State

	// Response is the final HTTP response. The caller owns the body.
	Response *http.Response

	// Paid reports whether a payment was made. False when the resource
	// answered without a 402.
	Paid bool

	// Requirement is the challenge requirement that was selected, when one
	// was.
	Requirement *PaymentRequirement

	// DenialReason is set when the budget tracker rejected the payment.
	// Budget denial is an expected outcome, not an error.
	DenialReason string

	// Settlement is the parsed X-PAYMENT-RESPONSE header, when present.
	Settlement *SettlementResponse
}

// Client drives the x402 challenge/sign/retry handshake:
//
//	Idle → Requested → (402) ChallengeReceived → Authorizing → Retrying →
//	Settled | Rejected
//
// A payment is recorded against the budget tracker only after the retried
// request settles with a 2xx response.
type Client struct {
	cfg ClientConfig
}

// NewClient builds a paying client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	return &Client{cfg: cfg}, nil
}

// Get performs a paid GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return c.Do(ctx, req)
}

// Do performs a paid request. Requests with a body must set GetBody so the
// request can be replayed after the challenge; http.NewRequest does this for
// common body types.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Result, error) {
	log := c.cfg.Logger.With("url", req.URL.String())
	log.Debug("payment handshake started", "state", StateRequested)

	resp, err := c.cfg.HTTP.Do(req.WithContext(ctx))
	if err != nil {
		return nil, NewProtocolError(ErrCodeNetworkFailure, "initial request failed", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		log.Debug("no payment required", "status", resp.StatusCode)
		return &Result{State: StateSettled, Response: resp}, nil
	}

	// ChallengeReceived: parse requirements and pick one we can sign.
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, NewProtocolError(ErrCodeMalformedChallenge, "failed to read 402 challenge body", err)
	}
	challenge, err := ParsePaymentRequired(body)
	if err != nil {
		return nil, err
	}
	log.Debug("challenge received", "state", StateChallengeReceived, "requirements", len(challenge.Accepts))

	requirement, ok := SelectRequirement(challenge.Accepts, c.cfg.Signer)
	if !ok {
		return nil, NewProtocolError(ErrCodeUnsupportedRequirement,
			fmt.Sprintf("no requirement matches signer scheme %q network %q", c.cfg.Signer.Scheme(), c.cfg.Signer.Network()), nil)
	}

	// Budget gate before any signature is produced.
	amount, err := requirement.Amount()
	if err != nil {
		return nil, NewProtocolError(ErrCodeMalformedChallenge, "invalid requirement amount", err)
	}
	asset := common.HexToAddress(requirement.Asset)
	domain := requirementDomain(requirement, req)
	if allowed, reason := c.cfg.Budget.CanSpend(amount, asset, domain); !allowed {
		log.Warn("payment denied by budget", "state", StateRejected, "reason", reason, "amount", amount.String())
		return &Result{State: StateRejected, Requirement: requirement, DenialReason: reason}, nil
	}

	// Authorizing: sign a transfer authorization for the required amount.
	log.Debug("authorizing payment", "state", StateAuthorizing, "amount", amount.String(), "asset", requirement.Asset)
	payload, err := c.cfg.Signer.SignPayment(requirement)
	if err != nil {
		return nil, NewProtocolError(ErrCodeSigningFailed, "failed to sign payment", err)
	}
	header, err := BuildPaymentHeader(payload)
	if err != nil {
		return nil, err
	}

	// Retrying: replay the request with the payment header attached.
	// Transport failures retry with bounded backoff; protocol outcomes do
	// not.
	retried, err := c.retryWithPayment(ctx, req, header)
	if err != nil {
		return nil, err
	}
	log.Debug("retried with payment", "state", StateRetrying, "status", retried.StatusCode)

	if retried.StatusCode == http.StatusPaymentRequired {
		// A second challenge after payment would loop forever; reject.
		retried.Body.Close()
		return &Result{State: StateRejected, Requirement: requirement},
			NewProtocolError(ErrCodeRepeatedChallenge, "server issued a second 402 after payment", nil)
	}
	if retried.StatusCode < 200 || retried.StatusCode >= 300 {
		retried.Body.Close()
		return &Result{State: StateRejected, Requirement: requirement},
			NewProtocolError(ErrCodeSettlementFailed,
				fmt.Sprintf("paid request returned status %d", retried.StatusCode), nil)
	}

	result := &Result{State: StateSettled, Response: retried, Paid: true, Requirement: requirement}

	if respHeader := retried.Header.Get(HeaderPaymentResponse); respHeader != "" {
		settlement, err := DecodeSettlementResponse(respHeader)
		if err != nil {
			retried.Body.Close()
			return &Result{State: StateRejected, Requirement: requirement},
				NewProtocolError(ErrCodeSettlementFailed, "invalid settlement response header", err)
		}
		if !settlement.Success {
			retried.Body.Close()
			return &Result{State: StateRejected, Requirement: requirement, Settlement: settlement},
				NewProtocolError(ErrCodeSettlementFailed,
					fmt.Sprintf("settlement failed: %s", settlement.ErrorReason), nil)
		}
		result.Settlement = settlement
	}

	// Record only after the settled 2xx response is observed.
	rec := budget.NewRecord(domain, amount, asset)
	rec.Authorization = header
	rec.Signature = payload.Payload.Signature
	c.cfg.Budget.RecordPayment(rec)
	log.Debug("payment settled", "state", StateSettled, "amount", amount.String())

	return result, nil
}

// retryWithPayment replays the request with the X-PAYMENT header, retrying
// network-level failures with exponential backoff up to MaxRetries.
func (c *Client) retryWithPayment(ctx context.Context, req *http.Request, header string) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		clone := req.Clone(ctx)
		clone.Header.Set(HeaderPayment, header)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to rewind request body: %w", err))
			}
			clone.Body = body
		}
		var err error
		resp, err = c.cfg.HTTP.Do(clone)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInterval
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx))
	if err != nil {
		return nil, NewProtocolError(ErrCodeNetworkFailure, "paid request failed after retries", err)
	}
	return resp, nil
}

// requirementDomain picks the budget-tracking domain for a payment: the
// challenge's resource host when present, the request host otherwise.
func requirementDomain(requirement *PaymentRequirement, req *http.Request) string {
	if requirement.Resource != "" {
		if u, err := url.Parse(requirement.Resource); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return req.URL.Hostname()
}
