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

// StreamServerInterceptor enforces x402 payments on priced streaming methods.
// Payment is verified and settled before the stream starts; per-message
// payment is not supported.
func StreamServerInterceptor(cfg x402.ChallengeConfig) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}
		paymentValues := md.Get(MetadataKeyPayment)
		if len(paymentValues) == 0 {
			return paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}

		payload, err := x402.ParsePaymentHeader(paymentValues[0])
		if err != nil {
			return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid payment: %v", err))
		}

		requirement, matched := matchMethodRequirement(rule, payload, info.FullMethod, &cfg)
		if !matched {
			return paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}

		verifyResult, err := cfg.Verifier.Verify(ctx, payload, requirement)
		if err != nil {
			return status.Error(codes.Internal, fmt.Sprintf("payment verification error: %v", err))
		}
		if !verifyResult.Valid {
			return paymentRequiredStatus(rule, info.FullMethod, &cfg)
		}

		settlementResult, err := cfg.Verifier.Settle(ctx, payload, requirement)
		if err != nil {
			return status.Error(codes.Unavailable, fmt.Sprintf("payment settlement failed: %v", err))
		}

		paymentCtx := &x402.PaymentContext{
			Verified:        true,
			PayerAddress:    verifyResult.PayerAddress,
			Amount:          verifyResult.Amount,
			Network:         payload.Network,
			TransactionHash: settlementResult.TransactionHash,
			SettledAt:       settlementResult.SettledAt,
		}
		wrapped := &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, paymentCtx),
		}

		err = handler(srv, wrapped)
		if err != nil {
			return err
		}

		settlement := x402.SettlementResponse{
			Success:         true,
			TransactionHash: settlementResult.TransactionHash,
			Network:         settlementResult.Network,
			Payer:           settlementResult.PayerAddress,
		}
		if encoded, encErr := EncodeSettlement(&settlement); encErr == nil {
			ss.SetTrailer(metadata.Pairs(MetadataKeyPaymentResponse, encoded))
		}
		return nil
	}
}

// paymentServerStream carries the settled-payment context to the handler.
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
