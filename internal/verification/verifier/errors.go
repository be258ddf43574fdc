package verifier

import (
	"errors"
	"fmt"

	"fides/internal/identity/models"
)

// ErrorCategory is the normalized failure taxonomy for verifier errors.
//
// Implementations classify every collaborator failure into one of these
// categories so the onboarding service can make consistent retry decisions
// regardless of the underlying protocol. Note there is no "rejected"
// category: a collaborator that answers with a negative decision produces an
// Outcome, not an error.
type ErrorCategory string

const (
	// ErrorTimeout indicates the collaborator took too long to respond.
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorBadData indicates the collaborator rejected our request as malformed.
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorAuthentication indicates credential or permission trouble on our side.
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorOutage indicates the collaborator is unavailable.
	ErrorOutage ErrorCategory = "outage"

	// ErrorContractMismatch indicates the collaborator API changed shape.
	ErrorContractMismatch ErrorCategory = "contract_mismatch"

	// ErrorRateLimited indicates the collaborator throttled us.
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorInternal indicates an unexpected failure inside the verifier itself.
	ErrorInternal ErrorCategory = "internal"
)

// VerifierError wraps collaborator failures with normalized categorization.
//
// The structured form lets the onboarding service decide about retries and
// error translation without inspecting raw error strings or coupling to
// specific verifier implementations.
type VerifierError struct {
	Category   ErrorCategory
	Method     models.MethodKind
	Message    string
	Underlying error
	Retryable  bool
}

func (e *VerifierError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("verifier %s [%s]: %s: %v", e.Method, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("verifier %s [%s]: %s", e.Method, e.Category, e.Message)
}

func (e *VerifierError) Unwrap() error {
	return e.Underlying
}

// NewVerifierError creates a categorized verifier error with automatic retry
// classification. Transient failures (timeout, outage, rate-limited) are
// retryable; everything else is permanent until an operator intervenes.
func NewVerifierError(category ErrorCategory, method models.MethodKind, message string, underlying error) *VerifierError {
	retryable := category == ErrorTimeout ||
		category == ErrorOutage ||
		category == ErrorRateLimited

	return &VerifierError{
		Category:   category,
		Method:     method,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable checks whether an error is worth retrying.
func IsRetryable(err error) bool {
	var ve *VerifierError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// CategoryOf extracts the error category, defaulting to ErrorInternal for
// errors that did not come from a verifier.
func CategoryOf(err error) ErrorCategory {
	var ve *VerifierError
	if errors.As(err, &ve) {
		return ve.Category
	}
	return ErrorInternal
}
