package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates settled
// payment details from the HTTP middleware's request context into gRPC
// metadata, so gateway-fronted handlers can read who paid and how much.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set("x-payment-verified", "true")
		md.Set("x-payment-payer", payment.PayerAddress)
		md.Set("x-payment-amount", payment.Amount)
		md.Set("x-payment-network", payment.Network)
		if payment.TransactionHash != "" {
			md.Set("x-payment-tx-hash", payment.TransactionHash)
		}
		return md
	})
}

// PaymentFromGatewayContext extracts payment details from gateway-forwarded
// gRPC metadata in handlers behind WithPaymentMetadata.
func PaymentFromGatewayContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}
	verified := md.Get("x-payment-verified")
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &PaymentContext{Verified: true}
	if v := md.Get("x-payment-payer"); len(v) > 0 {
		payment.PayerAddress = v[0]
	}
	if v := md.Get("x-payment-amount"); len(v) > 0 {
		payment.Amount = v[0]
	}
	if v := md.Get("x-payment-network"); len(v) > 0 {
		payment.Network = v[0]
	}
	if v := md.Get("x-payment-tx-hash"); len(v) > 0 {
		payment.TransactionHash = v[0]
	}
	return payment, true
}

// GetHTTPPathPattern extracts the matched HTTP route pattern from
// grpc-gateway context, useful for pricing decisions keyed on routes.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
