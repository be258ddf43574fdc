package models

// Validation failure reasons. These are data, not errors: the submission
// path branches on the accept/reject decision and logs the reason verbatim.
const (
	ReasonNotVerified      = "organization not verified"
	ReasonNonceRevoked     = "nonce revoked"
	ReasonNonceMismatch    = "nonce mismatch"
	ReasonStoreUnavailable = "store unavailable"
)

// ValidationResult is the contract exposed to the submission-accept path.
// Valid is true only when the supplied nonce exactly equals the
// organization's stored, non-revoked nonce; every other state degrades to
// a reject with a reason rather than an error.
type ValidationResult struct {
	Valid   bool          `json:"valid"`
	Reason  string        `json:"reason,omitempty"`
	Binding *NonceBinding `json:"binding,omitempty"`
}

// Accept builds the success result carrying the matched binding.
func Accept(b *NonceBinding) ValidationResult {
	return ValidationResult{Valid: true, Binding: b}
}

// Reject builds a failure result with a reason.
func Reject(reason string) ValidationResult {
	return ValidationResult{Valid: false, Reason: reason}
}
