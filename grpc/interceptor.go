package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/agentwallet-x402"
)

// UnaryServerInterceptor enforces x402 payments on priced gRPC methods using
// metadata for payment signaling. Unpaid calls fail with ResourceExhausted
// carrying the base64 challenge, following Google Cloud's precedent for
// quota/billing enforcement.
func UnaryServerInterceptor(cfg x402.ChallengeConfig) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}
		paymentValues := md.Get(MetadataKeyPayment)
		if len(paymentValues) == 0 {
			return nil, paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}

		payload, err := x402.ParsePaymentHeader(paymentValues[0])
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid payment: %v", err))
		}

		requirement, matched := matchMethodRequirement(rule, payload, info.FullMethod, &cfg)
		if !matched {
			return nil, paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}

		verifyResult, err := cfg.Verifier.Verify(ctx, payload, requirement)
		if err != nil {
			return nil, status.Error(codes.Internal, fmt.Sprintf("payment verification error: %v", err))
		}
		if !verifyResult.Valid {
			return nil, paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}

		settlementResult, err := cfg.Verifier.Settle(ctx, payload, requirement)
		if err != nil {
			return nil, status.Error(codes.Unavailable, fmt.Sprintf("payment settlement failed: %v", err))
		}

		paymentCtx := &x402.PaymentContext{
			Verified:        true,
			PayerAddress:    verifyResult.PayerAddress,
			Amount:          verifyResult.Amount,
			Network:         payload.Network,
			TransactionHash: settlementResult.TransactionHash,
			SettledAt:       settlementResult.SettledAt,
		}
		ctx = context.WithValue(ctx, x402.PaymentContextKey, paymentCtx)

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		settlement := x402.SettlementResponse{
			Success:         true,
			TransactionHash: settlementResult.TransactionHash,
			Network:         settlementResult.Network,
			Payer:           settlementResult.PayerAddress,
		}
		if encoded, encErr := EncodeSettlement(&settlement); encErr == nil {
			grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentResponse, encoded))
		}

		return resp, nil
	}
}

// paymentRequiredStatus builds the ResourceExhausted status carrying the
// base64 challenge in the message.
func paymentRequiredStatus(rule *x402.PricingRule, fullMethod string, cfg *x402.ChallengeConfig) error {
	challenge := x402.BuildChallenge(rule, fullMethod, cfg.ValidityDuration)
	encoded, err := EncodePaymentRequirements(challenge)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

func matchMethodRequirement(rule *x402.PricingRule, payload *x402.PaymentPayload, fullMethod string, cfg *x402.ChallengeConfig) (*x402.PaymentRequirement, bool) {
	for _, token := range rule.AcceptedTokens {
		if token.Network == payload.Network {
			return &x402.PaymentRequirement{
				Scheme:            x402.SchemeExact,
				Network:           token.Network,
				MaxAmountRequired: token.Amount,
				Resource:          fullMethod,
				PayTo:             token.PayTo,
				MaxTimeoutSeconds: int(cfg.ValidityDuration.Seconds()),
				Asset:             token.Asset,
			}, true
		}
	}
	return nil, false
}

// GetPaymentFromContext extracts payment information from the gRPC context in
// service handlers.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}
