package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/becomeliminal/agentwallet-x402"
)

// FacilitatorVerifyRequest is the request to the facilitator's /verify
// endpoint.
type FacilitatorVerifyRequest struct {
	X402Version  int                      `json:"x402Version"`
	Payload      *x402.PaymentPayload     `json:"payload"`
	Requirements *x402.PaymentRequirement `json:"requirements"`
}

// FacilitatorVerifyResponse is the response from /verify.
type FacilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// FacilitatorSettleRequest is the request to the facilitator's /settle
// endpoint.
type FacilitatorSettleRequest struct {
	X402Version  int                      `json:"x402Version"`
	Payload      *x402.PaymentPayload     `json:"payload"`
	Requirements *x402.PaymentRequirement `json:"requirements"`
}

// FacilitatorSettleResponse is the response from /settle.
type FacilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// FacilitatorClient handles communication with an x402 facilitator service.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFacilitatorClient creates a new facilitator client.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify checks if a payment is valid via POST /verify.
func (c *FacilitatorClient) Verify(ctx context.Context, req *FacilitatorVerifyRequest) (*FacilitatorVerifyResponse, error) {
	var resp FacilitatorVerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes the payment on-chain via POST /settle.
func (c *FacilitatorClient) Settle(ctx context.Context, req *FacilitatorSettleRequest) (*FacilitatorSettleResponse, error) {
	var resp FacilitatorSettleResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call facilitator %s endpoint: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("facilitator %s returned status %d: %s", path, httpResp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// FacilitatorVerifier implements x402.Verifier by delegating verification and
// settlement to a facilitator service.
type FacilitatorVerifier struct {
	facilitator *FacilitatorClient
}

// NewFacilitatorVerifier creates a verifier backed by a facilitator service.
func NewFacilitatorVerifier(facilitatorURL string) *FacilitatorVerifier {
	return &FacilitatorVerifier{facilitator: NewFacilitatorClient(facilitatorURL)}
}

// Verify checks if a payment is valid without settling it.
func (v *FacilitatorVerifier) Verify(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*x402.VerificationResult, error) {
	verifyResp, err := v.facilitator.Verify(ctx, &FacilitatorVerifyRequest{
		X402Version:  x402.ProtocolVersion,
		Payload:      payload,
		Requirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator verification failed: %w", err)
	}

	return &x402.VerificationResult{
		Valid:        verifyResp.IsValid,
		Reason:       verifyResp.InvalidReason,
		PayerAddress: payload.Payload.Authorization.From,
		Amount:       payload.Payload.Authorization.Value,
	}, nil
}

// Settle executes the payment on-chain and returns settlement details.
func (v *FacilitatorVerifier) Settle(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirement) (*x402.SettlementResult, error) {
	settleResp, err := v.facilitator.Settle(ctx, &FacilitatorSettleRequest{
		X402Version:  x402.ProtocolVersion,
		Payload:      payload,
		Requirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator settlement failed: %w", err)
	}
	if !settleResp.Success {
		return nil, fmt.Errorf("settlement failed: %s", settleResp.ErrorReason)
	}

	auth := payload.Payload.Authorization
	return &x402.SettlementResult{
		TransactionHash:  settleResp.Transaction,
		Status:           "success",
		SettledAt:        time.Now(),
		Amount:           auth.Value,
		PayerAddress:     auth.From,
		RecipientAddress: auth.To,
		Network:          settleResp.Network,
	}, nil
}
