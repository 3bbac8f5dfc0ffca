package x402

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ChallengeConfig holds the server-side configuration for issuing 402
// challenges and verifying payments.
type ChallengeConfig struct {
	// Verifier is the payment verification backend (e.g., evm.FacilitatorVerifier).
	Verifier Verifier

	// EndpointPricing maps URL patterns to pricing rules. Patterns support
	// exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	EndpointPricing map[string]PricingRule

	// MethodPricing maps full gRPC method names ("/package.Service/Method")
	// to pricing rules. Supports wildcards: "/package.Service/*" matches
	// every method in a service.
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional). If nil,
	// unmatched endpoints don't require payment.
	DefaultPricing *PricingRule

	// ValidityDuration is how long issued requirements remain payable.
	// Defaults to 5 minutes.
	ValidityDuration time.Duration

	// SkipPaths lists paths that bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that bypass payment checks.
	SkipMethods []string
}

// PricingRule defines payment requirements for an endpoint.
type PricingRule struct {
	// AcceptedTokens lists the payment options for this endpoint. Each
	// token specifies its own amount in atomic units.
	AcceptedTokens []TokenRequirement

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string
}

// TokenRequirement specifies a payment option (network + token).
type TokenRequirement struct {
	// Network identifies the blockchain network (e.g., "base").
	Network string

	// Asset is the token contract address.
	Asset string

	// PayTo is the address that will receive payment.
	PayTo string

	// Amount is the payment required in atomic units for this token.
	Amount string
}

// Validate checks if the configuration is valid.
func (c *ChallengeConfig) Validate() error {
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}
	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}
	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}
	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}
	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}
	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate() error {
	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}
	for i, token := range p.AcceptedTokens {
		if err := token.Validate(); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks if the token requirement is valid.
func (t *TokenRequirement) Validate() error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}
	if t.PayTo == "" {
		return fmt.Errorf("payTo is required")
	}
	if t.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if t.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	return nil
}

// MatchEndpoint finds the pricing rule for a given path. Longer patterns win
// when several wildcards match.
func (c *ChallengeConfig) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return nil, false
		}
	}

	if rule, ok := c.EndpointPricing[requestPath]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *PricingRule
	for pattern, rule := range c.EndpointPricing {
		if matchPath(requestPath, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}
	if bestRule != nil {
		return bestRule, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}
	return nil, false
}

// MatchMethod finds the pricing rule for a full gRPC method name.
func (c *ChallengeConfig) MatchMethod(fullMethod string) (*PricingRule, bool) {
	for _, skipMethod := range c.SkipMethods {
		if matchPath(fullMethod, skipMethod) {
			return nil, false
		}
	}

	if rule, ok := c.MethodPricing[fullMethod]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *PricingRule
	for pattern, rule := range c.MethodPricing {
		if matchPath(fullMethod, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}
	if bestRule != nil {
		return bestRule, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}
	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}
	matched, _ := path.Match(pattern, requestPath)
	return matched
}
