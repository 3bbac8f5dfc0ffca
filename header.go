package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
)

// Header names used by the handshake.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

var noncePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// BuildPaymentHeader serializes a payment payload into the X-PAYMENT header
// value: base64 of the UTF-8 JSON envelope. The payload's numeric fields must
// already be decimal strings.
func BuildPaymentHeader(payload *PaymentPayload) (string, error) {
	if err := validatePayload(payload); err != nil {
		return "", NewProtocolError(ErrCodeInvalidHeader, "invalid payment payload", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", NewProtocolError(ErrCodeInvalidHeader, "failed to marshal payment payload", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParsePaymentHeader is the inverse of BuildPaymentHeader. Numeric fields are
// validated as decimal strings so callers can recover exact integers through
// the ExactAuthorization accessors.
func ParsePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, NewProtocolError(ErrCodeInvalidHeader, "failed to decode base64", err)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewProtocolError(ErrCodeInvalidHeader, "failed to parse JSON", err)
	}
	if err := validatePayload(&payload); err != nil {
		return nil, NewProtocolError(ErrCodeInvalidHeader, "invalid payment payload", err)
	}
	return &payload, nil
}

func validatePayload(payload *PaymentPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is required")
	}
	if payload.X402Version != ProtocolVersion {
		return fmt.Errorf("unsupported x402Version %d", payload.X402Version)
	}
	if payload.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if payload.Network == "" {
		return fmt.Errorf("network is required")
	}
	if payload.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if payload.Payload.Signature == "" {
		return fmt.Errorf("signature is required")
	}
	auth := payload.Payload.Authorization
	if auth == nil {
		return fmt.Errorf("authorization is required")
	}
	if auth.From == "" || auth.To == "" {
		return fmt.Errorf("authorization missing from/to")
	}
	if !noncePattern.MatchString(auth.Nonce) {
		return fmt.Errorf("nonce must be 0x-prefixed 64-char hex, got %q", auth.Nonce)
	}
	if _, err := auth.ValueInt(); err != nil {
		return err
	}
	if _, err := auth.ValidAfterInt(); err != nil {
		return err
	}
	if _, err := auth.ValidBeforeInt(); err != nil {
		return err
	}
	return nil
}

// EncodeSettlementResponse encodes a settlement response for the
// X-PAYMENT-RESPONSE header.
func EncodeSettlementResponse(resp *SettlementResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlementResponse decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettlementResponse(header string) (*SettlementResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	var resp SettlementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &resp, nil
}
