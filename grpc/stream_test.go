package grpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/agentwallet-x402"
)

type fakeServerStream struct {
	ctx     context.Context
	trailer metadata.MD
}

func (s *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeServerStream) SetTrailer(md metadata.MD)    { s.trailer = metadata.Join(s.trailer, md) }
func (s *fakeServerStream) Context() context.Context     { return s.ctx }
func (s *fakeServerStream) SendMsg(interface{}) error    { return nil }
func (s *fakeServerStream) RecvMsg(interface{}) error    { return nil }

func watchInfo() *grpc.StreamServerInfo {
	return &grpc.StreamServerInfo{FullMethod: "/wallet.v1.DataService/Fetch"}
}

func passStreamHandler(handled *bool) grpc.StreamHandler {
	return func(srv interface{}, ss grpc.ServerStream) error {
		if handled != nil {
			*handled = true
		}
		return nil
	}
}

func TestStreamInterceptorChallengesUnpaidStream(t *testing.T) {
	verifier := &testVerifier{valid: true}
	interceptor := StreamServerInterceptor(testServerConfig(verifier))

	handled := false
	stream := &fakeServerStream{ctx: context.Background()}
	err := interceptor(nil, stream, watchInfo(), passStreamHandler(&handled))
	require.Error(t, err)
	assert.False(t, handled)

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())

	challenge, err := DecodePaymentRequirements(st.Message())
	require.NoError(t, err)
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, "/wallet.v1.DataService/Fetch", challenge.Accepts[0].Resource)
}

func TestStreamInterceptorAcceptsPayment(t *testing.T) {
	verifier := &testVerifier{valid: true}
	interceptor := StreamServerInterceptor(testServerConfig(verifier))

	var payment *x402.PaymentContext
	handler := func(srv interface{}, ss grpc.ServerStream) error {
		p, err := x402.RequirePayment(ss.Context())
		require.NoError(t, err)
		payment = p
		return nil
	}

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPayment, testPaymentHeader(t)))
	stream := &fakeServerStream{ctx: ctx}
	err := interceptor(nil, stream, watchInfo(), handler)
	require.NoError(t, err)

	assert.Equal(t, 1, verifier.verifyCalls)
	assert.Equal(t, 1, verifier.settleCalls)
	require.NotNil(t, payment)
	assert.Equal(t, testFrom, payment.PayerAddress)
	assert.Equal(t, "0xtx1", payment.TransactionHash)

	values := stream.trailer.Get(MetadataKeyPaymentResponse)
	require.Len(t, values, 1)
	settlement, err := DecodeSettlement(values[0])
	require.NoError(t, err)
	assert.True(t, settlement.Success)
	assert.Equal(t, "0xtx1", settlement.TransactionHash)
}

func TestStreamInterceptorSkipsTrailerOnHandlerError(t *testing.T) {
	verifier := &testVerifier{valid: true}
	interceptor := StreamServerInterceptor(testServerConfig(verifier))

	handler := func(srv interface{}, ss grpc.ServerStream) error {
		return status.Error(codes.Aborted, "stream failed")
	}

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPayment, testPaymentHeader(t)))
	stream := &fakeServerStream{ctx: ctx}
	err := interceptor(nil, stream, watchInfo(), handler)
	require.Error(t, err)
	assert.Equal(t, codes.Aborted, status.Code(err))
	assert.Empty(t, stream.trailer.Get(MetadataKeyPaymentResponse))
}

func TestStreamInterceptorRejectsInvalidPayment(t *testing.T) {
	verifier := &testVerifier{valid: true}
	interceptor := StreamServerInterceptor(testServerConfig(verifier))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPayment, "garbage"))
	stream := &fakeServerStream{ctx: ctx}
	err := interceptor(nil, stream, watchInfo(), passStreamHandler(nil))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Zero(t, verifier.verifyCalls)
}

func TestStreamInterceptorRechallengesFailedVerification(t *testing.T) {
	verifier := &testVerifier{valid: false}
	interceptor := StreamServerInterceptor(testServerConfig(verifier))

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPayment, testPaymentHeader(t)))
	stream := &fakeServerStream{ctx: ctx}
	err := interceptor(nil, stream, watchInfo(), passStreamHandler(nil))
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Zero(t, verifier.settleCalls)
}

func TestStreamInterceptorSkipsUnpricedMethods(t *testing.T) {
	verifier := &testVerifier{valid: true}
	interceptor := StreamServerInterceptor(testServerConfig(verifier))

	for _, method := range []string{"/grpc.health.v1.Health/Watch", "/wallet.v1.DataService/Free"} {
		handled := false
		stream := &fakeServerStream{ctx: context.Background()}
		err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: method},
			passStreamHandler(&handled))
		require.NoError(t, err, method)
		assert.True(t, handled, method)
	}
	assert.Zero(t, verifier.verifyCalls)
}

func TestStreamInterceptorPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		StreamServerInterceptor(x402.ChallengeConfig{})
	})
}
