// Package x402 implements the x402 metered-payment protocol for delegated
// agent wallets: the wire codec for payment headers and 402 challenges, the
// client-side challenge/sign/retry handshake gated by a budget tracker, and
// server helpers for issuing challenges and verifying payments.
package x402

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// ProtocolVersion is the x402 protocol version this package speaks.
const ProtocolVersion = 1

// SchemeExact is the only payment scheme currently supported: the payer
// authorizes a transfer of exactly the required amount.
const SchemeExact = "exact"

// PaymentRequirement describes one acceptable way to pay for a resource,
// issued by the server inside a 402 challenge.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"` // atomic units, decimal string
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
}

// Validate checks the requirement fields a client needs before paying.
func (r *PaymentRequirement) Validate() error {
	if r.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("network is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payTo is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if _, err := r.Amount(); err != nil {
		return err
	}
	return nil
}

// Amount parses MaxAmountRequired as an exact integer. Decimal strings keep
// amounts above 2^53 precise; they are never routed through floats.
func (r *PaymentRequirement) Amount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("maxAmountRequired must be a non-negative decimal string, got %q", r.MaxAmountRequired)
	}
	return v, nil
}

// PaymentRequiredResponse is the 402 challenge body.
type PaymentRequiredResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// ExactAuthorization is the wire form of an EIP-3009 transfer authorization.
// All numeric fields are decimal strings; the nonce is 0x-prefixed 64-char
// hex.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ValueInt parses the authorization value as an exact integer.
func (a *ExactAuthorization) ValueInt() (*big.Int, error) {
	return parseDecimal("value", a.Value)
}

// ValidAfterInt parses validAfter as an exact integer.
func (a *ExactAuthorization) ValidAfterInt() (*big.Int, error) {
	return parseDecimal("validAfter", a.ValidAfter)
}

// ValidBeforeInt parses validBefore as an exact integer.
func (a *ExactAuthorization) ValidBeforeInt() (*big.Int, error) {
	return parseDecimal("validBefore", a.ValidBefore)
}

func parseDecimal(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal string, got %q", field, s)
	}
	return v, nil
}

// ExactPayload carries the signed authorization inside a payment header.
type ExactPayload struct {
	Signature     string              `json:"signature"`
	Authorization *ExactAuthorization `json:"authorization"`
}

// PaymentPayload is the full payment header envelope, base64-JSON encoded
// into the X-PAYMENT header on the retried request.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     *ExactPayload `json:"payload"`
}

// SettlementResponse is sent by the server in the X-PAYMENT-RESPONSE header
// after a settled payment.
type SettlementResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Network         string `json:"network,omitempty"`
	Payer           string `json:"payer,omitempty"`
	ErrorReason     string `json:"errorReason,omitempty"`
}

// VerificationResult contains the result of payment verification.
type VerificationResult struct {
	Valid        bool
	Reason       string
	PayerAddress string
	Amount       string
}

// SettlementResult contains the result of payment settlement.
type SettlementResult struct {
	TransactionHash  string
	Status           string
	SettledAt        time.Time
	Amount           string
	PayerAddress     string
	RecipientAddress string
	Network          string
}

// Verifier is the interface payment verification backends implement. The EVM
// implementation delegates to a facilitator service; other chains can plug in
// their own.
type Verifier interface {
	// Verify checks if a payment is valid without settling it.
	Verify(ctx context.Context, payload *PaymentPayload, requirement *PaymentRequirement) (*VerificationResult, error)

	// Settle executes the payment on-chain and returns settlement details.
	Settle(ctx context.Context, payload *PaymentPayload, requirement *PaymentRequirement) (*SettlementResult, error)
}

// Signer produces signed payment payloads for requirements it supports.
// Implementations are chain-specific; see the evm subpackage.
type Signer interface {
	// Scheme returns the payment scheme this signer produces.
	Scheme() string

	// Network returns the network identifier this signer operates on.
	Network() string

	// CanSign reports whether the signer supports the requirement's
	// scheme and network.
	CanSign(requirement *PaymentRequirement) bool

	// SignPayment creates a signed payment payload for the requirement's
	// full MaxAmountRequired.
	SignPayment(requirement *PaymentRequirement) (*PaymentPayload, error)
}

// PaymentContext carries settled-payment details for downstream handlers.
type PaymentContext struct {
	Verified        bool
	PayerAddress    string
	Amount          string
	Network         string
	TransactionHash string
	SettledAt       time.Time
}

type contextKey string

// PaymentContextKey is the key used to store payment context in request
// context.
const PaymentContextKey contextKey = "x402-payment"

// GetPaymentFromContext extracts payment information from the request
// context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and errors if absent or
// unverified.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}
