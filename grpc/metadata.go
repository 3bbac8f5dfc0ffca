// Package grpc carries the x402 payment handshake over gRPC metadata: a
// server interceptor that challenges and verifies payments on priced methods,
// and a client interceptor that signs and retries against those challenges.
package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/becomeliminal/agentwallet-x402"
)

// Metadata keys for payment signaling.
const (
	MetadataKeyPayment             = "x402-payment"
	MetadataKeyPaymentRequirements = "x402-payment-requirements"
	MetadataKeyPaymentResponse     = "x402-payment-response"
)

// EncodePaymentRequirements encodes a challenge body to base64 JSON for
// metadata or status payloads.
func EncodePaymentRequirements(challenge *x402.PaymentRequiredResponse) (string, error) {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentRequirements decodes base64 JSON payment requirements.
func DecodePaymentRequirements(encoded string) (*x402.PaymentRequiredResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return x402.ParsePaymentRequired(raw)
}

// EncodeSettlement encodes a settlement response for trailing metadata.
func EncodeSettlement(resp *x402.SettlementResponse) (string, error) {
	return x402.EncodeSettlementResponse(resp)
}

// DecodeSettlement decodes a settlement response from trailing metadata.
func DecodeSettlement(encoded string) (*x402.SettlementResponse, error) {
	return x402.DecodeSettlementResponse(encoded)
}
