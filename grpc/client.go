package grpc

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/agentwallet-x402"
	"github.com/becomeliminal/agentwallet-x402/budget"

	"github.com/ethereum/go-ethereum/common"
)

// ClientConfig configures the paying client interceptor.
type ClientConfig struct {
	// Signer produces payment payloads for supported requirements.
	Signer x402.Signer

	// Budget gates every payment before a signature is produced.
	Budget *budget.Tracker

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
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// UnaryClientInterceptor drives the x402 handshake for gRPC calls: on a
// ResourceExhausted status carrying a challenge it checks the budget, signs
// an authorization, and retries the call once with payment metadata. A
// second challenge on the paid retry fails the call instead of looping.
func UnaryClientInterceptor(cfg ClientConfig) (grpc.UnaryClientInterceptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client interceptor configuration: %w", err)
	}

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		challenge, ok := challengeFromError(err)
		if !ok {
			return err
		}
		log := cfg.Logger.With("method", method)
		log.Debug("payment challenge received", "requirements", len(challenge.Accepts))

		requirement, matched := x402.SelectRequirement(challenge.Accepts, cfg.Signer)
		if !matched {
			return x402.NewProtocolError(x402.ErrCodeUnsupportedRequirement,
				fmt.Sprintf("no requirement matches signer scheme %q network %q", cfg.Signer.Scheme(), cfg.Signer.Network()), nil)
		}
		amount, amtErr := requirement.Amount()
		if amtErr != nil {
			return x402.NewProtocolError(x402.ErrCodeMalformedChallenge, "invalid requirement amount", amtErr)
		}
		asset := common.HexToAddress(requirement.Asset)

		if allowed, reason := cfg.Budget.CanSpend(amount, asset, method); !allowed {
			log.Warn("payment denied by budget", "reason", reason, "amount", amount.String())
			return x402.NewProtocolError(x402.ErrCodeSettlementFailed,
				fmt.Sprintf("budget denied payment: %s", reason), nil)
		}

		payload, signErr := cfg.Signer.SignPayment(requirement)
		if signErr != nil {
			return x402.NewProtocolError(x402.ErrCodeSigningFailed, "failed to sign payment", signErr)
		}
		header, hdrErr := x402.BuildPaymentHeader(payload)
		if hdrErr != nil {
			return hdrErr
		}

		paidCtx := metadata.AppendToOutgoingContext(ctx, MetadataKeyPayment, header)
		var trailer metadata.MD
		retryOpts := append([]grpc.CallOption{grpc.Trailer(&trailer)}, opts...)
		retryErr := invoker(paidCtx, method, req, reply, cc, retryOpts...)
		if _, again := challengeFromError(retryErr); again {
			return x402.NewProtocolError(x402.ErrCodeRepeatedChallenge, "server issued a second challenge after payment", nil)
		}
		if retryErr != nil {
			return retryErr
		}

		if values := trailer.Get(MetadataKeyPaymentResponse); len(values) > 0 {
			if settlement, decErr := DecodeSettlement(values[0]); decErr == nil && !settlement.Success {
				return x402.NewProtocolError(x402.ErrCodeSettlementFailed,
					fmt.Sprintf("settlement failed: %s", settlement.ErrorReason), nil)
			}
		}

		// Record only after the paid call succeeded.
		rec := budget.NewRecord(method, amount, asset)
		rec.Authorization = header
		rec.Signature = payload.Payload.Signature
		cfg.Budget.RecordPayment(rec)
		log.Debug("payment settled", "amount", amount.String())
		return nil
	}, nil
}

// challengeFromError extracts a payment challenge from a ResourceExhausted
// status whose message is base64-encoded requirements.
func challengeFromError(err error) (*x402.PaymentRequiredResponse, bool) {
	if err == nil {
		return nil, false
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, false
	}
	challenge, decErr := DecodePaymentRequirements(st.Message())
	if decErr != nil {
		return nil, false
	}
	return challenge, true
}
