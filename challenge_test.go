package x402

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPricingRule() *PricingRule {
	return &PricingRule{
		AcceptedTokens: []TokenRequirement{
			{Network: "base-sepolia", Asset: testAsset, PayTo: testTo, Amount: "10000"},
			{Network: "base", Asset: testAsset, PayTo: testTo, Amount: "10000"},
		},
		Description: "Premium API access",
	}
}

func TestBuildChallenge(t *testing.T) {
	challenge := BuildChallenge(testPricingRule(), "https://api.example.com/v1/data", 5*time.Minute)

	assert.Equal(t, ProtocolVersion, challenge.X402Version)
	require.Len(t, challenge.Accepts, 2)

	first := challenge.Accepts[0]
	assert.Equal(t, SchemeExact, first.Scheme)
	assert.Equal(t, "base-sepolia", first.Network)
	assert.Equal(t, "10000", first.MaxAmountRequired)
	assert.Equal(t, "https://api.example.com/v1/data", first.Resource)
	assert.Equal(t, "Premium API access", first.Description)
	assert.Equal(t, testTo, first.PayTo)
	assert.Equal(t, 300, first.MaxTimeoutSeconds)
	assert.Equal(t, testAsset, first.Asset)
}

func TestParsePaymentRequiredRoundTrip(t *testing.T) {
	challenge := BuildChallenge(testPricingRule(), "https://api.example.com/v1/data", time.Minute)
	body, err := json.Marshal(challenge)
	require.NoError(t, err)

	parsed, err := ParsePaymentRequired(body)
	require.NoError(t, err)
	assert.Equal(t, challenge, parsed)
}

func TestParsePaymentRequiredMalformed(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "payment required"},
		{"missing version", `{"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"1","payTo":"0x1","asset":"0x2"}]}`},
		{"empty accepts", `{"x402Version":1,"accepts":[]}`},
		{"missing payTo", `{"x402Version":1,"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"1","asset":"0x2"}]}`},
		{"float amount", `{"x402Version":1,"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"1.5","payTo":"0x1","asset":"0x2"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePaymentRequired([]byte(tc.body))
			require.Error(t, err)
			assert.Equal(t, ErrCodeMalformedChallenge, ProtocolErrorCode(err))
		})
	}
}

func TestSelectRequirement(t *testing.T) {
	accepts := []PaymentRequirement{
		{Scheme: SchemeExact, Network: "base", MaxAmountRequired: "1", PayTo: testTo, Asset: testAsset},
		{Scheme: SchemeExact, Network: "base-sepolia", MaxAmountRequired: "1", PayTo: testTo, Asset: testAsset},
	}

	signer := &mockSigner{network: "base-sepolia"}
	req, ok := SelectRequirement(accepts, signer)
	require.True(t, ok)
	assert.Equal(t, "base-sepolia", req.Network)

	_, ok = SelectRequirement(accepts, &mockSigner{network: "polygon"})
	assert.False(t, ok)
}
