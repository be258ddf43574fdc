package models

import (
	"time"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

// BindingStatus represents the lifecycle state of a nonce binding.
// The transition is one way: active bindings may be revoked, revoked
// bindings never reactivate. Restoring service always mints a new nonce.
type BindingStatus string

const (
	BindingStatusActive  BindingStatus = "active"
	BindingStatusRevoked BindingStatus = "revoked"
)

// NonceBinding asserts that a nonce belongs to a verified organization,
// backed by an ownership proof signed with the organization's private key.
type NonceBinding struct {
	Nonce     id.Nonce
	OrgID     id.OrgID
	PublicKey id.PublicKeyHex
	BoundAt   time.Time

	// OwnershipProof is the signature over the canonical binding message,
	// verified against PublicKey before the binding was accepted.
	OwnershipProof []byte

	RevokedAt        *time.Time
	RevocationReason string
}

// NewBinding creates a NonceBinding with domain invariant checks.
func NewBinding(nonce id.Nonce, orgID id.OrgID, publicKey id.PublicKeyHex, boundAt time.Time, proof []byte) (*NonceBinding, error) {
	if nonce.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "nonce required")
	}
	if orgID.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "organization id required")
	}
	if publicKey.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "public key required")
	}
	if boundAt.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "binding time required")
	}
	if len(proof) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "ownership proof required")
	}
	return &NonceBinding{
		Nonce:          nonce,
		OrgID:          orgID,
		PublicKey:      publicKey,
		BoundAt:        boundAt,
		OwnershipProof: proof,
	}, nil
}

// IsRevoked reports whether the binding has been revoked.
func (b *NonceBinding) IsRevoked() bool {
	return b.RevokedAt != nil
}

// Status reports the binding lifecycle state.
func (b *NonceBinding) Status() BindingStatus {
	if b.IsRevoked() {
		return BindingStatusRevoked
	}
	return BindingStatusActive
}

// Revoke marks the binding revoked. Revocation is monotonic: revoking an
// already revoked binding fails rather than updating the timestamp, so the
// original revocation record is never overwritten.
func (b *NonceBinding) Revoke(at time.Time, reason string) error {
	if b.IsRevoked() {
		return dErrors.New(dErrors.CodeAlreadyRevoked, "binding already revoked")
	}
	if at.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "revocation time required")
	}
	if reason == "" {
		return dErrors.New(dErrors.CodeValidation, "revocation reason required")
	}
	b.RevokedAt = &at
	b.RevocationReason = reason
	return nil
}

// Clone returns a deep copy of the binding.
func (b *NonceBinding) Clone() *NonceBinding {
	if b == nil {
		return nil
	}
	out := *b
	if b.RevokedAt != nil {
		at := *b.RevokedAt
		out.RevokedAt = &at
	}
	if b.OwnershipProof != nil {
		out.OwnershipProof = make([]byte, len(b.OwnershipProof))
		copy(out.OwnershipProof, b.OwnershipProof)
	}
	return &out
}
