// Package httptransport is the HTTP layer: request decoding, domain error
// translation, and routing. Handlers delegate to the verification and
// binding services and never embed business rules.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fides/internal/audit"
	"fides/internal/binding/proof"
	"fides/internal/fingerprint"
	"fides/internal/identity/models"
	"fides/internal/platform/middleware"
	verification "fides/internal/verification/service"
	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
	"fides/pkg/platform/httputil"
)

// VerificationService is the onboarding surface the handlers consume.
type VerificationService interface {
	Onboard(ctx context.Context, req verification.OnboardRequest) (*verification.OnboardResult, error)
	Identity(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error)
	ListByMethod(ctx context.Context, kind models.MethodKind) ([]*models.OrganizationIdentity, error)
}

// BindingService is the binding engine surface the handlers consume.
type BindingService interface {
	GenerateAndBind(ctx context.Context, orgID id.OrgID, publicKey id.PublicKeyHex, signer proof.Signer) (id.Nonce, error)
	Validate(ctx context.Context, orgID id.OrgID, n id.Nonce) (models.ValidationResult, error)
	Rotate(ctx context.Context, orgID id.OrgID, newPublicKey id.PublicKeyHex, reason string, signer proof.Signer) (id.Nonce, error)
	Revoke(ctx context.Context, orgID id.OrgID, reason string) error
	GetBinding(ctx context.Context, orgID id.OrgID) (*models.NonceBinding, error)
	History(ctx context.Context, orgID id.OrgID) ([]models.NonceBinding, error)
}

// AuditReader lists recorded audit events. Implemented by the audit
// publisher.
type AuditReader interface {
	List(ctx context.Context, orgID id.OrgID) ([]audit.Event, error)
}

const defaultSignerTimeout = 10 * time.Second

// Handler holds the HTTP handlers for every fides endpoint.
type Handler struct {
	verification  VerificationService
	bindings      BindingService
	deriver       *fingerprint.Deriver
	auditLog      AuditReader
	logger        *slog.Logger
	signerTimeout time.Duration
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithSignerTimeout bounds how long a signing endpoint may take to answer
// a proof request.
func WithSignerTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.signerTimeout = d
		}
	}
}

// NewHandler creates the HTTP handler set.
func NewHandler(
	verificationSvc VerificationService,
	bindings BindingService,
	deriver *fingerprint.Deriver,
	auditLog AuditReader,
	logger *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		verification:  verificationSvc,
		bindings:      bindings,
		deriver:       deriver,
		auditLog:      auditLog,
		logger:        logger,
		signerTimeout: defaultSignerTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the public routes: the hot-path validation endpoint
// submission servers call per request.
func (h *Handler) Register(r chi.Router) {
	r.Post("/bindings/validate", h.HandleValidate)
}

// RegisterOperator mounts the management routes. The router wraps these in
// operator authentication.
func (h *Handler) RegisterOperator(r chi.Router) {
	r.Post("/orgs", h.HandleOnboard)
	r.Get("/orgs", h.HandleListOrgs)
	r.Get("/orgs/{orgID}", h.HandleGetIdentity)
	r.Post("/orgs/{orgID}/bindings", h.HandleBind)
	r.Get("/orgs/{orgID}/bindings", h.HandleHistory)
	r.Get("/orgs/{orgID}/bindings/current", h.HandleGetBinding)
	r.Post("/orgs/{orgID}/bindings/rotate", h.HandleRotate)
	r.Post("/orgs/{orgID}/bindings/revoke", h.HandleRevoke)
	r.Post("/fingerprints", h.HandleFingerprint)
	r.Get("/audit/events", h.HandleAuditEvents)
}

// HandleOnboard verifies an organization and issues its first binding.
func (h *Handler) HandleOnboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[OnboardRequest](w, r, h.logger)
	if !ok {
		return
	}

	orgID, err := id.ParseOrgID(req.OrgID)
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}
	ref, err := id.ParseExternalRef(req.ExternalRef)
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}
	kind, err := models.ParseMethodKind(req.Method)
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	result, err := h.verification.Onboard(ctx, verification.OnboardRequest{
		OrgID:       orgID,
		PublicKey:   id.PublicKeyHex(req.PublicKey),
		Method:      kind,
		ExternalRef: ref,
		Signer:      h.signer(req.SigningEndpoint),
	})
	if err != nil {
		h.logError(ctx, "onboard failed", err, "org_id", orgID)
		httputil.WriteError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, &OnboardResponse{
		OrgID:       result.Identity.OrgID.String(),
		Method:      string(result.Identity.Method.Kind()),
		ExternalRef: result.Identity.Method.Ref().String(),
		VerifiedAt:  result.Identity.VerifiedAt,
		Nonce:       result.Nonce.String(),
	})
}

// HandleValidate decides whether a submitted nonce is the organization's
// live credential. Infrastructure trouble degrades to a structured
// rejection, so callers always get an accept/reject decision with status
// 200 and never need to branch on transport errors.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[ValidateRequest](w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.bindings.Validate(ctx, id.OrgID(req.OrgID), id.Nonce(req.Nonce))
	if err != nil {
		h.logError(ctx, "validation degraded", err, "org_id", req.OrgID)
	}

	httputil.WriteJSON(w, http.StatusOK, &ValidateResponse{
		Valid:   result.Valid,
		Reason:  result.Reason,
		Binding: toBindingResponse(result.Binding),
	})
}

// HandleBind mints a fresh binding for a verified organization with no
// active one.
func (h *Handler) HandleBind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.orgIDParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[BindRequest](w, r, h.logger)
	if !ok {
		return
	}

	nonce, err := h.bindings.GenerateAndBind(ctx, orgID, id.PublicKeyHex(req.PublicKey), h.signer(req.SigningEndpoint))
	if err != nil {
		h.logError(ctx, "bind failed", err, "org_id", orgID)
		httputil.WriteError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, &NonceResponse{
		OrgID: orgID.String(),
		Nonce: nonce.String(),
	})
}

// HandleRotate atomically replaces the current binding.
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.orgIDParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RotateRequest](w, r, h.logger)
	if !ok {
		return
	}

	nonce, err := h.bindings.Rotate(ctx, orgID, id.PublicKeyHex(req.NewPublicKey), req.Reason, h.signer(req.SigningEndpoint))
	if err != nil {
		h.logError(ctx, "rotate failed", err, "org_id", orgID)
		httputil.WriteError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, &NonceResponse{
		OrgID: orgID.String(),
		Nonce: nonce.String(),
	})
}

// HandleRevoke revokes the current binding without a replacement.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.orgIDParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RevokeRequest](w, r, h.logger)
	if !ok {
		return
	}

	if err := h.bindings.Revoke(ctx, orgID, req.Reason); err != nil {
		h.logError(ctx, "revoke failed", err, "org_id", orgID)
		httputil.WriteError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, &RevokeResponse{
		OrgID:  orgID.String(),
		Status: "revoked",
	})
}

// HandleGetBinding returns the organization's current binding, revoked or
// not.
func (h *Handler) HandleGetBinding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.orgIDParam(w, r)
	if !ok {
		return
	}

	binding, err := h.bindings.GetBinding(ctx, orgID)
	if err != nil {
		h.logError(ctx, "get binding failed", err, "org_id", orgID)
		httputil.WriteError(w, h.logger, err)
		return
	}
	if binding == nil {
		httputil.WriteError(w, h.logger, dErrors.New(dErrors.CodeNoBinding, "organization has no binding"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toBindingResponse(binding))
}

// HandleHistory returns every binding the organization has held, oldest
// first.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.orgIDParam(w, r)
	if !ok {
		return
	}

	history, err := h.bindings.History(ctx, orgID)
	if err != nil {
		h.logError(ctx, "binding history failed", err, "org_id", orgID)
		httputil.WriteError(w, h.logger, err)
		return
	}

	resp := BindingHistoryResponse{
		OrgID:    orgID.String(),
		Bindings: make([]BindingResponse, 0, len(history)),
	}
	for i := range history {
		resp.Bindings = append(resp.Bindings, *toBindingResponse(&history[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleGetIdentity returns the organization's verification record.
func (h *Handler) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.orgIDParam(w, r)
	if !ok {
		return
	}

	identity, err := h.verification.Identity(ctx, orgID)
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toIdentityResponse(identity))
}

// HandleListOrgs lists verified organizations for one verification method.
func (h *Handler) HandleListOrgs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := models.ParseMethodKind(r.URL.Query().Get("method"))
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	identities, err := h.verification.ListByMethod(ctx, kind)
	if err != nil {
		h.logError(ctx, "list organizations failed", err, "method", kind)
		httputil.WriteError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toIdentityListResponse(identities))
}

// HandleFingerprint derives the k-anonymity fingerprint for a nonce.
func (h *Handler) HandleFingerprint(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeAndPrepare[FingerprintRequest](w, r, h.logger)
	if !ok {
		return
	}

	nonce, err := id.ParseNonce(req.Nonce)
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	resp := FingerprintResponse{Fingerprint: h.deriver.Derive(nonce).String()}
	if req.BucketChars > 0 {
		resp.Bucket = h.deriver.DeriveBucket(nonce, req.BucketChars)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleAuditEvents lists audit events for one organization, newest first.
func (h *Handler) HandleAuditEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, err := id.ParseOrgID(r.URL.Query().Get("org_id"))
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return
	}

	events, err := h.auditLog.List(ctx, orgID)
	if err != nil {
		h.logError(ctx, "audit listing failed", err, "org_id", orgID)
		httputil.WriteError(w, h.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, AuditEventsResponse{Events: events})
}

// signer builds the callback signer reaching the organization's signing
// agent. Requests carry their own validated endpoint, so each call gets a
// fresh signer.
func (h *Handler) signer(endpoint string) proof.Signer {
	return proof.NewCallbackSigner(endpoint, h.signerTimeout)
}

func (h *Handler) orgIDParam(w http.ResponseWriter, r *http.Request) (id.OrgID, bool) {
	orgID, err := id.ParseOrgID(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, h.logger, err)
		return "", false
	}
	return orgID, true
}

func (h *Handler) logError(ctx context.Context, msg string, err error, args ...any) {
	if h.logger == nil {
		return
	}
	args = append(args, "error", err, "request_id", middleware.GetRequestID(ctx))
	h.logger.ErrorContext(ctx, msg, args...)
}
