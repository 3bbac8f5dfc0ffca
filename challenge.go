package x402

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BuildChallenge constructs the 402 challenge body for a pricing rule, one
// requirement per accepted token.
func BuildChallenge(rule *PricingRule, resource string, validity time.Duration) *PaymentRequiredResponse {
	accepts := make([]PaymentRequirement, 0, len(rule.AcceptedTokens))
	for _, token := range rule.AcceptedTokens {
		accepts = append(accepts, PaymentRequirement{
			Scheme:            SchemeExact,
			Network:           token.Network,
			MaxAmountRequired: token.Amount,
			Resource:          resource,
			Description:       rule.Description,
			MimeType:          rule.MimeType,
			PayTo:             token.PayTo,
			MaxTimeoutSeconds: int(validity.Seconds()),
			Asset:             token.Asset,
		})
	}
	return &PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Error:       "Payment required",
		Accepts:     accepts,
	}
}

// WritePaymentRequired sends a 402 response with the challenge body.
func WritePaymentRequired(w http.ResponseWriter, challenge *PaymentRequiredResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge)
}

// ParsePaymentRequired parses a 402 challenge body. The response must carry
// at least one requirement, each with a parseable decimal amount.
func ParsePaymentRequired(body []byte) (*PaymentRequiredResponse, error) {
	var challenge PaymentRequiredResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, NewProtocolError(ErrCodeMalformedChallenge, "failed to parse 402 challenge body", err)
	}
	if challenge.X402Version == 0 {
		return nil, NewProtocolError(ErrCodeMalformedChallenge, "x402Version is required", nil)
	}
	if len(challenge.Accepts) == 0 {
		return nil, NewProtocolError(ErrCodeMalformedChallenge, "challenge carries no payment requirements", nil)
	}
	for i := range challenge.Accepts {
		if err := challenge.Accepts[i].Validate(); err != nil {
			return nil, NewProtocolError(ErrCodeMalformedChallenge,
				fmt.Sprintf("invalid requirement at index %d", i), err)
		}
	}
	return &challenge, nil
}

// SelectRequirement picks the first requirement the signer supports. The
// boolean result is false when no requirement matches.
func SelectRequirement(accepts []PaymentRequirement, signer Signer) (*PaymentRequirement, bool) {
	for i := range accepts {
		if signer.CanSign(&accepts[i]) {
			return &accepts[i], true
		}
	}
	return nil, false
}
