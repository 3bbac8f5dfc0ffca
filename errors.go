package x402

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a referenced policy, agent or requirement that does not
// exist.
var ErrNotFound = errors.New("not found")

// ProtocolError represents a terminal protocol-level failure: a malformed
// challenge, an unsupported scheme or network, or a failed settlement. These
// are never retried automatically.
type ProtocolError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeMalformedChallenge     = "MALFORMED_CHALLENGE"
	ErrCodeUnsupportedRequirement = "UNSUPPORTED_REQUIREMENT"
	ErrCodeInvalidHeader          = "INVALID_HEADER"
	ErrCodeSigningFailed          = "SIGNING_FAILED"
	ErrCodeSettlementFailed       = "SETTLEMENT_FAILED"
	ErrCodeRepeatedChallenge      = "REPEATED_CHALLENGE"
	ErrCodeNetworkFailure         = "NETWORK_FAILURE"
)

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(code, message string, cause error) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Cause: cause}
}

// IsProtocolError checks if an error is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ProtocolErrorCode extracts the code from a ProtocolError, or "" for other
// errors.
func ProtocolErrorCode(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
