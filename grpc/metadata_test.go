package grpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/agentwallet-x402"
)

const (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testFrom  = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	testNonce = "0x00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
)

func testRule() *x402.PricingRule {
	return &x402.PricingRule{
		AcceptedTokens: []x402.TokenRequirement{
			{Network: "base-sepolia", Asset: testAsset, PayTo: testPayTo, Amount: "10000"},
		},
	}
}

func TestPaymentRequirementsRoundTrip(t *testing.T) {
	challenge := x402.BuildChallenge(testRule(), "/wallet.v1.DataService/Fetch", time.Minute)

	encoded, err := EncodePaymentRequirements(challenge)
	require.NoError(t, err)

	decoded, err := DecodePaymentRequirements(encoded)
	require.NoError(t, err)
	assert.Equal(t, challenge, decoded)
}

func TestDecodePaymentRequirementsRejectsGarbage(t *testing.T) {
	_, err := DecodePaymentRequirements("!!!")
	assert.Error(t, err)

	// Valid base64 of an empty challenge still fails validation.
	encoded, err := EncodePaymentRequirements(&x402.PaymentRequiredResponse{X402Version: 1})
	require.NoError(t, err)
	_, err = DecodePaymentRequirements(encoded)
	assert.Equal(t, x402.ErrCodeMalformedChallenge, x402.ProtocolErrorCode(err))
}

func TestSettlementRoundTrip(t *testing.T) {
	settlement := &x402.SettlementResponse{Success: true, TransactionHash: "0xtx1", Network: "base-sepolia"}

	encoded, err := EncodeSettlement(settlement)
	require.NoError(t, err)

	decoded, err := DecodeSettlement(encoded)
	require.NoError(t, err)
	assert.Equal(t, settlement, decoded)
}
