package httptransport

import (
	"time"

	"fides/internal/audit"
	"fides/internal/identity/models"
)

// Response DTOs and their mapping from domain objects. Ownership proofs
// are never serialized; they are verification inputs, not credentials.

type BindingResponse struct {
	OrgID     string    `json:"org_id"`
	Nonce     string    `json:"nonce"`
	PublicKey string    `json:"public_key"`
	BoundAt   time.Time `json:"bound_at"`
	Status    string    `json:"status"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

type OnboardResponse struct {
	OrgID       string    `json:"org_id"`
	Method      string    `json:"method"`
	ExternalRef string    `json:"external_ref"`
	VerifiedAt  time.Time `json:"verified_at"`
	Nonce       string    `json:"nonce"`
}

type IdentityResponse struct {
	OrgID       string           `json:"org_id"`
	PublicKey   string           `json:"public_key"`
	Method      string           `json:"method"`
	ExternalRef string           `json:"external_ref"`
	VerifiedAt  time.Time        `json:"verified_at"`
	Binding     *BindingResponse `json:"binding,omitempty"`
}

type IdentityListResponse struct {
	Organizations []IdentityResponse `json:"organizations"`
}

type NonceResponse struct {
	OrgID string `json:"org_id"`
	Nonce string `json:"nonce"`
}

type RevokeResponse struct {
	OrgID  string `json:"org_id"`
	Status string `json:"status"`
}

type ValidateResponse struct {
	Valid   bool             `json:"valid"`
	Reason  string           `json:"reason,omitempty"`
	Binding *BindingResponse `json:"binding,omitempty"`
}

type BindingHistoryResponse struct {
	OrgID    string            `json:"org_id"`
	Bindings []BindingResponse `json:"bindings"`
}

type FingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
	Bucket      string `json:"bucket,omitempty"`
}

type AuditEventsResponse struct {
	Events []audit.Event `json:"events"`
}

func toBindingResponse(b *models.NonceBinding) *BindingResponse {
	if b == nil {
		return nil
	}
	return &BindingResponse{
		OrgID:            b.OrgID.String(),
		Nonce:            b.Nonce.String(),
		PublicKey:        b.PublicKey.String(),
		BoundAt:          b.BoundAt,
		Status:           string(b.Status()),
		RevokedAt:        b.RevokedAt,
		RevocationReason: b.RevocationReason,
	}
}

func toIdentityResponse(identity *models.OrganizationIdentity) IdentityResponse {
	return IdentityResponse{
		OrgID:       identity.OrgID.String(),
		PublicKey:   identity.PublicKey.String(),
		Method:      string(identity.Method.Kind()),
		ExternalRef: identity.Method.Ref().String(),
		VerifiedAt:  identity.VerifiedAt,
		Binding:     toBindingResponse(identity.Binding),
	}
}

func toIdentityListResponse(identities []*models.OrganizationIdentity) IdentityListResponse {
	out := IdentityListResponse{Organizations: make([]IdentityResponse, 0, len(identities))}
	for _, identity := range identities {
		out.Organizations = append(out.Organizations, toIdentityResponse(identity))
	}
	return out
}
