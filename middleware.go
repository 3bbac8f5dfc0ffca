package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment
// requirements on the payee side. Requests without a valid X-PAYMENT header
// receive a 402 challenge built from the matched pricing rule; paid requests
// are verified and settled through the configured Verifier before reaching
// the handler.
func PaymentMiddleware(cfg ChallengeConfig) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get(HeaderPayment)
			if header == "" {
				WritePaymentRequired(w, BuildChallenge(rule, requestResource(r), cfg.ValidityDuration))
				return
			}

			payload, err := ParsePaymentHeader(header)
			if err != nil {
				sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid X-PAYMENT header: %v", err))
				return
			}

			requirement, ok := matchRequirement(rule, payload, requestResource(r), cfg.ValidityDuration)
			if !ok {
				WritePaymentRequired(w, BuildChallenge(rule, requestResource(r), cfg.ValidityDuration))
				return
			}

			verifyResult, err := cfg.Verifier.Verify(ctx, payload, requirement)
			if err != nil {
				sendError(w, http.StatusInternalServerError, fmt.Sprintf("Payment verification error: %v", err))
				return
			}
			if !verifyResult.Valid {
				WritePaymentRequired(w, BuildChallenge(rule, requestResource(r), cfg.ValidityDuration))
				return
			}

			settlementResult, err := cfg.Verifier.Settle(ctx, payload, requirement)
			if err != nil {
				sendError(w, http.StatusInternalServerError, fmt.Sprintf("Payment settlement error: %v", err))
				return
			}

			paymentCtx := &PaymentContext{
				Verified:        true,
				PayerAddress:    verifyResult.PayerAddress,
				Amount:          verifyResult.Amount,
				Network:         payload.Network,
				TransactionHash: settlementResult.TransactionHash,
				SettledAt:       settlementResult.SettledAt,
			}
			ctx = context.WithValue(ctx, PaymentContextKey, paymentCtx)

			settlement := SettlementResponse{
				Success:         true,
				TransactionHash: settlementResult.TransactionHash,
				Network:         settlementResult.Network,
				Payer:           settlementResult.PayerAddress,
			}
			if encoded, err := EncodeSettlementResponse(&settlement); err == nil {
				w.Header().Set(HeaderPaymentResponse, encoded)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// matchRequirement finds the pricing-rule token matching the payment's
// network, rebuilt as the requirement the verifier checks against.
func matchRequirement(rule *PricingRule, payload *PaymentPayload, resource string, validity time.Duration) (*PaymentRequirement, bool) {
	for _, token := range rule.AcceptedTokens {
		if token.Network == payload.Network {
			return &PaymentRequirement{
				Scheme:            SchemeExact,
				Network:           token.Network,
				MaxAmountRequired: token.Amount,
				Resource:          resource,
				PayTo:             token.PayTo,
				MaxTimeoutSeconds: int(validity.Seconds()),
				Asset:             token.Asset,
			}, true
		}
	}
	return nil, false
}

func requestResource(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
