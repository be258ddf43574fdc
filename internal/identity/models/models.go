package models

import (
	"time"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

// OrganizationIdentity is the per-organization aggregate: verification
// evidence plus the nonce binding lifecycle.
//
// # Uniqueness Invariants
//
// At most one identity exists per OrgID, and at most one identity per
// distinct external-reference value across ALL verification methods. The
// store layer enforces both; the second via a reverse index that outlives
// rotation and revocation, so a payment customer id can never be reused to
// onboard a second organization.
type OrganizationIdentity struct {
	OrgID      id.OrgID
	PublicKey  id.PublicKeyHex
	Method     Method
	VerifiedAt time.Time

	// Binding is the most recent binding, which may already be revoked.
	// Nil only before the first successful bind.
	Binding *NonceBinding

	// History holds bindings displaced by rotation, newest last. Retained
	// for audit; never deleted.
	History []NonceBinding

	// Revision supports conditional writes. Stores bump it on every
	// successful update and reject writes carrying a stale revision.
	Revision int64
}

// NewIdentity creates an OrganizationIdentity with domain invariant checks.
// The identity starts unbound; the binding engine installs the first nonce.
func NewIdentity(orgID id.OrgID, publicKey id.PublicKeyHex, method Method, verifiedAt time.Time) (*OrganizationIdentity, error) {
	if orgID.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "organization id required")
	}
	if publicKey.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "public key required")
	}
	if method == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "verification method required")
	}
	if method.Ref().IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "verification method missing external reference")
	}
	if verifiedAt.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "verification time required")
	}
	return &OrganizationIdentity{
		OrgID:      orgID,
		PublicKey:  publicKey,
		Method:     method,
		VerifiedAt: verifiedAt,
	}, nil
}

// ActiveBinding returns the current binding when one exists and is not
// revoked, nil otherwise.
func (o *OrganizationIdentity) ActiveBinding() *NonceBinding {
	if o.Binding == nil || o.Binding.IsRevoked() {
		return nil
	}
	return o.Binding
}

// HasActiveBinding reports whether a non-revoked binding exists.
func (o *OrganizationIdentity) HasActiveBinding() bool {
	return o.ActiveBinding() != nil
}

// FindBinding locates a binding by nonce across the current binding and the
// rotation history. Used by validation to tell "was yours, now revoked"
// apart from "never yours".
func (o *OrganizationIdentity) FindBinding(nonce id.Nonce) *NonceBinding {
	if o.Binding != nil && o.Binding.Nonce == nonce {
		return o.Binding
	}
	for i := range o.History {
		if o.History[i].Nonce == nonce {
			return &o.History[i]
		}
	}
	return nil
}

// InstallBinding attaches a freshly minted binding. The identity must not
// hold a non-revoked binding; a revoked current binding is moved into the
// history so re-binding after a standalone revocation stays auditable.
func (o *OrganizationIdentity) InstallBinding(b *NonceBinding) error {
	if b == nil {
		return dErrors.New(dErrors.CodeValidation, "binding required")
	}
	if b.OrgID != o.OrgID {
		return dErrors.New(dErrors.CodeValidation, "binding belongs to a different organization")
	}
	if o.HasActiveBinding() {
		return dErrors.New(dErrors.CodeAlreadyBound, "organization already holds an active binding")
	}
	if o.Binding != nil {
		o.History = append(o.History, *o.Binding)
	}
	o.Binding = b
	return nil
}

// RotateBinding revokes the current binding and installs its replacement as
// one state transition. Callers persist the resulting identity with a single
// conditional write, so readers never observe an intermediate state where
// both nonces, or neither, validate.
func (o *OrganizationIdentity) RotateBinding(replacement *NonceBinding, at time.Time, reason string) error {
	if replacement == nil {
		return dErrors.New(dErrors.CodeValidation, "replacement binding required")
	}
	current := o.ActiveBinding()
	if current == nil {
		return dErrors.New(dErrors.CodeNoActiveBinding, "no active binding to rotate")
	}
	if replacement.Nonce == current.Nonce {
		return dErrors.New(dErrors.CodeAlreadyBound, "replacement nonce must differ from the current nonce")
	}
	if err := current.Revoke(at, reason); err != nil {
		return err
	}
	o.History = append(o.History, *current)
	o.Binding = replacement
	return nil
}

// Clone returns a deep copy, so store snapshots cannot be mutated through
// retained pointers.
func (o *OrganizationIdentity) Clone() *OrganizationIdentity {
	if o == nil {
		return nil
	}
	out := *o
	out.Binding = o.Binding.Clone()
	if len(o.History) > 0 {
		out.History = make([]NonceBinding, len(o.History))
		for i := range o.History {
			out.History[i] = *o.History[i].Clone()
		}
	}
	return &out
}
