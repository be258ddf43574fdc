package audit

import (
	"time"

	id "fides/pkg/domain"
)

// Event captures one binding lifecycle action. Keep it transport-agnostic so
// stores and sinks can fan out.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	OrgID     id.OrgID  `json:"org_id"`
	Action    Action    `json:"action"`
	Nonce     string    `json:"nonce,omitempty"`
	Method    string    `json:"method,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Action names one auditable state change in the binding lifecycle.
type Action string

const (
	ActionIdentityVerified   Action = "identity_verified"
	ActionOnboardRejected    Action = "onboard_rejected"
	ActionNonceBound         Action = "nonce_bound"
	ActionNonceRotated       Action = "nonce_rotated"
	ActionNonceRevoked       Action = "nonce_revoked"
	ActionValidationRejected Action = "validation_rejected"
)
