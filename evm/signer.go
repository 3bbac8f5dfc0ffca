// Package evm implements the EVM side of the x402 protocol: EIP-3009
// transfer-authorization signing (EIP-712 typed data) and payment
// verification/settlement through a facilitator service.
package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/becomeliminal/agentwallet-x402"
)

// Authorization is a single-use EIP-3009 transfer authorization. The nonce is
// random per authorization and never reused.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Wire converts the authorization into its decimal-string wire form.
func (a *Authorization) Wire() *x402.ExactAuthorization {
	return &x402.ExactAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       hexutil.Encode(a.Nonce[:]),
	}
}

// TokenConfig identifies the token contract whose authorization standard
// scopes the EIP-712 domain.
type TokenConfig struct {
	// Address is the token contract address.
	Address common.Address

	// Name is the token's EIP-712 domain name (e.g., "USD Coin").
	Name string

	// Version is the token's EIP-712 domain version (e.g., "2").
	Version string

	// ChainID is the chain the token lives on.
	ChainID *big.Int
}

// Validate checks the token configuration.
func (t *TokenConfig) Validate() error {
	if t.Address == (common.Address{}) {
		return fmt.Errorf("token address is required")
	}
	if t.Name == "" {
		return fmt.Errorf("token domain name is required")
	}
	if t.Version == "" {
		return fmt.Errorf("token domain version is required")
	}
	if t.ChainID == nil || t.ChainID.Sign() <= 0 {
		return fmt.Errorf("chain id must be positive")
	}
	return nil
}

// transferWithAuthorizationTypes is the EIP-3009 typed-data layout.
var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// typedData builds the EIP-712 payload for an authorization against a token's
// domain.
func typedData(token *TokenConfig, auth *Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              token.Name,
			Version:           token.Version,
			ChainId:           (*math.HexOrDecimal256)(token.ChainID),
			VerifyingContract: token.Address.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       auth.Nonce[:],
		},
	}
}

// SignTransferAuthorization builds a fresh authorization for the transfer and
// signs its EIP-712 hash with the private key. The returned signature is the
// 65-byte (r, s, v) form with v in {27, 28}, recoverable to the from address.
func SignTransferAuthorization(key *ecdsa.PrivateKey, token *TokenConfig, to common.Address, value *big.Int, validity time.Duration) (*Authorization, []byte, error) {
	if err := token.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid token config: %w", err)
	}
	if value == nil || value.Sign() < 0 {
		return nil, nil, fmt.Errorf("value must be non-negative")
	}
	if validity <= 0 {
		return nil, nil, fmt.Errorf("validity must be positive")
	}

	now := time.Now().Unix()
	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          to,
		Value:       new(big.Int).Set(value),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(now + int64(validity/time.Second)),
	}
	if _, err := rand.Read(auth.Nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	digest, err := authorizationDigest(token, auth)
	if err != nil {
		return nil, nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign authorization: %w", err)
	}
	// Shift recovery id to the Ethereum convention.
	sig[64] += 27
	return auth, sig, nil
}

// VerifyAuthorizationSignature recovers the signer from the authorization's
// EIP-712 digest and checks it matches the authorization's from address.
func VerifyAuthorizationSignature(token *TokenConfig, auth *Authorization, signature []byte) error {
	if len(signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	digest, err := authorizationDigest(token, auth)
	if err != nil {
		return err
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != auth.From {
		return fmt.Errorf("signature recovered %s, want %s", recovered.Hex(), auth.From.Hex())
	}
	return nil
}

func authorizationDigest(token *TokenConfig, auth *Authorization) ([]byte, error) {
	td := typedData(token, auth)
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return digest, nil
}

// Signer signs x402 payment payloads with a delegated agent key. It
// implements the x402.Signer interface for one network and one token.
type Signer struct {
	key      *ecdsa.PrivateKey
	network  string
	token    TokenConfig
	validity time.Duration
}

// NewSigner builds a payment signer. validity bounds how long signed
// authorizations stay acceptable; zero applies a 5 minute default.
func NewSigner(key *ecdsa.PrivateKey, network string, token TokenConfig, validity time.Duration) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if network == "" {
		return nil, fmt.Errorf("network is required")
	}
	if err := token.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}
	if validity <= 0 {
		validity = 5 * time.Minute
	}
	return &Signer{key: key, network: network, token: token, validity: validity}, nil
}

// Address returns the signer's (payer) address.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Scheme returns the payment scheme this signer produces.
func (s *Signer) Scheme() string { return x402.SchemeExact }

// Network returns the network identifier this signer operates on.
func (s *Signer) Network() string { return s.network }

// CanSign reports whether the requirement's scheme, network and asset match
// this signer.
func (s *Signer) CanSign(requirement *x402.PaymentRequirement) bool {
	if requirement.Scheme != x402.SchemeExact || requirement.Network != s.network {
		return false
	}
	return common.HexToAddress(requirement.Asset) == s.token.Address
}

// SignPayment signs an authorization for the requirement's full amount and
// wraps it into the payment header envelope.
func (s *Signer) SignPayment(requirement *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirement) {
		return nil, fmt.Errorf("requirement scheme %q network %q asset %q is not signable", requirement.Scheme, requirement.Network, requirement.Asset)
	}
	amount, err := requirement.Amount()
	if err != nil {
		return nil, err
	}
	payTo := common.HexToAddress(requirement.PayTo)

	validity := s.validity
	if requirement.MaxTimeoutSeconds > 0 {
		validity = time.Duration(requirement.MaxTimeoutSeconds) * time.Second
	}

	auth, sig, err := SignTransferAuthorization(s.key, &s.token, payTo, amount, validity)
	if err != nil {
		return nil, err
	}
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
		Payload: &x402.ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth.Wire(),
		},
	}, nil
}
