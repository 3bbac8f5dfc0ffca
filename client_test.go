package x402

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/agentwallet-x402/budget"
)

type mockSigner struct {
	network   string
	signCount int
	signErr   error
}

func (m *mockSigner) Scheme() string  { return SchemeExact }
func (m *mockSigner) Network() string { return m.network }

func (m *mockSigner) CanSign(requirement *PaymentRequirement) bool {
	return requirement.Scheme == SchemeExact && requirement.Network == m.network
}

func (m *mockSigner) SignPayment(requirement *PaymentRequirement) (*PaymentPayload, error) {
	m.signCount++
	if m.signErr != nil {
		return nil, m.signErr
	}
	return &PaymentPayload{
		X402Version: ProtocolVersion,
		Scheme:      SchemeExact,
		Network:     m.network,
		Payload: &ExactPayload{
			Signature: "0xmocksignature",
			Authorization: &ExactAuthorization{
				From:        testFrom,
				To:          requirement.PayTo,
				Value:       requirement.MaxAmountRequired,
				ValidAfter:  "0",
				ValidBefore: fmt.Sprintf("%d", time.Now().Add(time.Minute).Unix()),
				Nonce:       testNonce,
			},
		},
	}, nil
}

func newTestClient(t *testing.T, signer Signer, policy budget.Policy) (*Client, *budget.Tracker) {
	t.Helper()
	tracker, err := budget.NewTracker(policy)
	require.NoError(t, err)
	client, err := NewClient(ClientConfig{
		Signer: signer,
		Budget: tracker,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return client, tracker
}

func openPolicy() budget.Policy {
	return budget.Policy{
		MaxPerRequest: big.NewInt(1_000_000),
		MaxDaily:      big.NewInt(10_000_000),
	}
}

// payServer answers 402 until a valid payment header arrives, then settles.
func payServer(t *testing.T, amount string, settle *SettlementResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderPayment)
		if header == "" {
			rule := &PricingRule{AcceptedTokens: []TokenRequirement{
				{Network: "base-sepolia", Asset: testAsset, PayTo: testTo, Amount: amount},
			}}
			WritePaymentRequired(w, BuildChallenge(rule, "http://"+r.Host+r.URL.Path, time.Minute))
			return
		}
		if _, err := ParsePaymentHeader(header); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if settle != nil {
			encoded, err := EncodeSettlementResponse(settle)
			require.NoError(t, err)
			w.Header().Set(HeaderPaymentResponse, encoded)
		}
		w.Write([]byte("premium data"))
	}))
}

func TestClientPaysOn402(t *testing.T) {
	settle := &SettlementResponse{Success: true, TransactionHash: "0xtx1", Network: "base-sepolia", Payer: testFrom}
	server := payServer(t, "10000", settle)
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia"}
	client, tracker := newTestClient(t, signer, openPolicy())

	result, err := client.Get(context.Background(), server.URL+"/v1/data")
	require.NoError(t, err)
	defer result.Response.Body.Close()

	assert.Equal(t, StateSettled, result.State)
	assert.True(t, result.Paid)
	assert.Equal(t, 1, signer.signCount)
	require.NotNil(t, result.Settlement)
	assert.Equal(t, "0xtx1", result.Settlement.TransactionHash)

	body, err := io.ReadAll(result.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, "premium data", string(body))

	history := tracker.History()
	require.Len(t, history, 1)
	assert.Equal(t, big.NewInt(10000), history[0].Amount)
	assert.NotEmpty(t, history[0].Authorization)
	assert.Equal(t, "0xmocksignature", history[0].Signature)
}

func TestClientPassesThroughWithout402(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("free data"))
	}))
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia"}
	client, tracker := newTestClient(t, signer, openPolicy())

	result, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer result.Response.Body.Close()

	assert.Equal(t, StateSettled, result.State)
	assert.False(t, result.Paid)
	assert.Zero(t, signer.signCount)
	assert.Empty(t, tracker.History())
}

func TestClientBudgetDenialRejectsBeforeSigning(t *testing.T) {
	server := payServer(t, "10000", nil)
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia"}
	client, tracker := newTestClient(t, signer, budget.Policy{
		MaxPerRequest: big.NewInt(100),
		MaxDaily:      big.NewInt(10_000),
	})

	result, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, StateRejected, result.State)
	assert.Equal(t, "amount exceeds per-request limit", result.DenialReason)
	assert.Zero(t, signer.signCount, "denied payments must never be signed")
	assert.Empty(t, tracker.History())
}

func TestClientRejectsRepeatedChallenge(t *testing.T) {
	rule := &PricingRule{AcceptedTokens: []TokenRequirement{
		{Network: "base-sepolia", Asset: testAsset, PayTo: testTo, Amount: "10000"},
	}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WritePaymentRequired(w, BuildChallenge(rule, "http://"+r.Host, time.Minute))
	}))
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia"}
	client, tracker := newTestClient(t, signer, openPolicy())

	result, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, ErrCodeRepeatedChallenge, ProtocolErrorCode(err))
	assert.Equal(t, StateRejected, result.State)
	assert.Empty(t, tracker.History())
}

func TestClientUnsupportedRequirement(t *testing.T) {
	server := payServer(t, "10000", nil)
	defer server.Close()

	client, _ := newTestClient(t, &mockSigner{network: "polygon"}, openPolicy())

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnsupportedRequirement, ProtocolErrorCode(err))
}

func TestClientFailedSettlementNotRecorded(t *testing.T) {
	settle := &SettlementResponse{Success: false, ErrorReason: "insufficient funds"}
	server := payServer(t, "10000", settle)
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia"}
	client, tracker := newTestClient(t, signer, openPolicy())

	result, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSettlementFailed, ProtocolErrorCode(err))
	assert.Equal(t, StateRejected, result.State)
	require.NotNil(t, result.Settlement)
	assert.Equal(t, "insufficient funds", result.Settlement.ErrorReason)
	assert.Empty(t, tracker.History(), "failed settlements must not count against the budget")
}

func TestClientErrorStatusAfterPayment(t *testing.T) {
	rule := &PricingRule{AcceptedTokens: []TokenRequirement{
		{Network: "base-sepolia", Asset: testAsset, PayTo: testTo, Amount: "10000"},
	}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPayment) == "" {
			WritePaymentRequired(w, BuildChallenge(rule, "http://"+r.Host, time.Minute))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia"}
	client, tracker := newTestClient(t, signer, openPolicy())

	result, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSettlementFailed, ProtocolErrorCode(err))
	assert.Equal(t, StateRejected, result.State)
	assert.Empty(t, tracker.History())
}

func TestClientConfigValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)

	tracker, err := budget.NewTracker(openPolicy())
	require.NoError(t, err)
	_, err = NewClient(ClientConfig{Signer: &mockSigner{network: "base"}})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{Budget: tracker})
	assert.Error(t, err)
}

// The challenge body is decoded as JSON off the wire, not trusted blindly.
func TestClientMalformedChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte("pay me"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, &mockSigner{network: "base-sepolia"}, openPolicy())

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, ErrCodeMalformedChallenge, ProtocolErrorCode(err))
}
