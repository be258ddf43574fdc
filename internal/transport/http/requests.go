package httptransport

import (
	"net/url"
	"strings"

	"fides/internal/identity/models"
	dErrors "fides/pkg/domain-errors"
)

// Request DTOs. Each is normalized and validated by the decode helpers
// before a handler sees it; validation here covers shape only, the
// services own the business rules.

// OnboardRequest registers an organization through one verification method
// and mints its first binding.
type OnboardRequest struct {
	OrgID       string `json:"org_id"`
	PublicKey   string `json:"public_key"`
	Method      string `json:"method"`
	ExternalRef string `json:"external_ref"`

	// SigningEndpoint is the organization's signing agent. The canonical
	// binding message is POSTed there to obtain the ownership proof.
	SigningEndpoint string `json:"signing_endpoint"`
}

func (r *OnboardRequest) Normalize() {
	if r == nil {
		return
	}
	r.OrgID = strings.TrimSpace(r.OrgID)
	r.PublicKey = strings.TrimSpace(r.PublicKey)
	r.Method = strings.TrimSpace(r.Method)
	r.ExternalRef = strings.TrimSpace(r.ExternalRef)
	r.SigningEndpoint = strings.TrimSpace(r.SigningEndpoint)
}

func (r *OnboardRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.OrgID == "" {
		return dErrors.New(dErrors.CodeValidation, "org_id is required")
	}
	if r.PublicKey == "" {
		return dErrors.New(dErrors.CodeValidation, "public_key is required")
	}
	if _, err := models.ParseMethodKind(r.Method); err != nil {
		return err
	}
	if r.ExternalRef == "" {
		return dErrors.New(dErrors.CodeValidation, "external_ref is required")
	}
	return validateSigningEndpoint(r.SigningEndpoint)
}

// BindRequest mints a fresh binding for a verified organization whose
// previous binding was revoked.
type BindRequest struct {
	// PublicKey optionally re-keys the organization; empty keeps the key
	// on record.
	PublicKey       string `json:"public_key,omitempty"`
	SigningEndpoint string `json:"signing_endpoint"`
}

func (r *BindRequest) Normalize() {
	if r == nil {
		return
	}
	r.PublicKey = strings.TrimSpace(r.PublicKey)
	r.SigningEndpoint = strings.TrimSpace(r.SigningEndpoint)
}

func (r *BindRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validateSigningEndpoint(r.SigningEndpoint)
}

// RotateRequest replaces the current binding with a fresh nonce.
type RotateRequest struct {
	Reason          string `json:"reason"`
	NewPublicKey    string `json:"new_public_key,omitempty"`
	SigningEndpoint string `json:"signing_endpoint"`
}

func (r *RotateRequest) Normalize() {
	if r == nil {
		return
	}
	r.Reason = strings.TrimSpace(r.Reason)
	r.NewPublicKey = strings.TrimSpace(r.NewPublicKey)
	r.SigningEndpoint = strings.TrimSpace(r.SigningEndpoint)
}

func (r *RotateRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return validateSigningEndpoint(r.SigningEndpoint)
}

// RevokeRequest revokes the current binding without a replacement.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

func (r *RevokeRequest) Normalize() {
	if r == nil {
		return
	}
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *RevokeRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return nil
}

// ValidateRequest checks a submitted nonce on the hot path.
type ValidateRequest struct {
	OrgID string `json:"org_id"`
	Nonce string `json:"nonce"`
}

func (r *ValidateRequest) Normalize() {
	if r == nil {
		return
	}
	r.OrgID = strings.TrimSpace(r.OrgID)
	r.Nonce = strings.TrimSpace(r.Nonce)
}

func (r *ValidateRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.OrgID == "" {
		return dErrors.New(dErrors.CodeValidation, "org_id is required")
	}
	if r.Nonce == "" {
		return dErrors.New(dErrors.CodeValidation, "nonce is required")
	}
	return nil
}

// FingerprintRequest derives the k-anonymity fingerprint for a nonce.
type FingerprintRequest struct {
	Nonce string `json:"nonce"`

	// BucketChars, when positive, also returns the hex-prefix bucket of
	// that length for cohort grouping.
	BucketChars int `json:"bucket_chars,omitempty"`
}

func (r *FingerprintRequest) Normalize() {
	if r == nil {
		return
	}
	r.Nonce = strings.TrimSpace(r.Nonce)
}

func (r *FingerprintRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.Nonce == "" {
		return dErrors.New(dErrors.CodeValidation, "nonce is required")
	}
	if r.BucketChars < 0 {
		return dErrors.New(dErrors.CodeValidation, "bucket_chars must not be negative")
	}
	return nil
}

func validateSigningEndpoint(endpoint string) error {
	if endpoint == "" {
		return dErrors.New(dErrors.CodeValidation, "signing_endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return dErrors.New(dErrors.CodeValidation, "signing_endpoint must be an http(s) URL")
	}
	return nil
}
