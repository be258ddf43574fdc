// Package service implements organization onboarding: the one-time flow that
// verifies an organization through an external collaborator, claims its
// external reference, and issues the first nonce binding.
//
// Onboarding runs its checks in a fixed order so callers get the most
// specific error first: already verified, then key format, then the verifier
// decision, then reference uniqueness. The identity, its reference claim,
// and the first binding land in a single conditional store write, so a
// partially onboarded organization is never observable.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fides/internal/audit"
	"fides/internal/binding/proof"
	"fides/internal/identity/models"
	"fides/internal/platform/privacy"
	"fides/internal/platform/tracer"
	"fides/internal/sentinel"
	"fides/internal/verification/metrics"
	"fides/internal/verification/verifier"
	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
	platformsync "fides/pkg/platform/sync"
)

// IdentityStore is the subset of the identity store the onboarding flow
// needs.
//
// Error contract: implementations return sentinel errors (internal/sentinel)
// which this service translates into domain errors exactly once.
type IdentityStore interface {
	Get(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error)
	Create(ctx context.Context, identity *models.OrganizationIdentity) error
	FindByExternalRef(ctx context.Context, ref id.ExternalRef) (id.OrgID, error)
	ListByMethod(ctx context.Context, kind models.MethodKind) ([]*models.OrganizationIdentity, error)
}

// BindingMinter mints a proof-backed nonce binding without persisting it.
// Implemented by the binding engine; onboarding persists the minted binding
// together with the new identity in one write.
type BindingMinter interface {
	MintBinding(ctx context.Context, orgID id.OrgID, publicKey id.PublicKeyHex, signer proof.Signer) (*models.NonceBinding, error)
}

// BackoffConfig configures retry backoff for retryable verifier errors.
type BackoffConfig struct {
	InitialDelay time.Duration // Delay before first retry (default: 100ms)
	MaxDelay     time.Duration // Ceiling on delay between retries (default: 2s)
	MaxRetries   int           // Retries after the initial attempt (default: 3)
	Multiplier   float64       // Exponential backoff multiplier (default: 2.0)
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	return c
}

// Service orchestrates onboarding and exposes identity lookups.
type Service struct {
	store     IdentityStore
	verifiers *verifier.Registry
	minter    BindingMinter
	refLocks  *platformsync.KeyedMutex
	backoff   BackoffConfig
	auditor   *audit.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    tracer.Tracer
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAuditPublisher sets the audit publisher for onboarding events.
func WithAuditPublisher(auditor *audit.Publisher) Option {
	return func(s *Service) {
		s.auditor = auditor
	}
}

// WithTracer sets the tracer for onboarding spans.
func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithBackoff overrides verifier retry backoff. Zero fields keep defaults.
func WithBackoff(cfg BackoffConfig) Option {
	return func(s *Service) {
		s.backoff = cfg.withDefaults()
	}
}

// NewService creates the onboarding service.
func NewService(store IdentityStore, verifiers *verifier.Registry, minter BindingMinter, opts ...Option) *Service {
	svc := &Service{
		store:     store,
		verifiers: verifiers,
		minter:    minter,
		refLocks:  platformsync.NewKeyedMutex(platformsync.DefaultShards),
		backoff:   BackoffConfig{}.withDefaults(),
		tracer:    tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// OnboardRequest carries everything needed to onboard one organization.
type OnboardRequest struct {
	OrgID       id.OrgID
	PublicKey   id.PublicKeyHex
	Method      models.MethodKind
	ExternalRef id.ExternalRef

	// Signer produces the ownership proof over the first binding. The
	// private key stays with the caller; the service only ever sees
	// signatures.
	Signer proof.Signer
}

// OnboardResult is the outcome of a successful onboarding.
type OnboardResult struct {
	Identity *models.OrganizationIdentity
	Nonce    id.Nonce
}

// Onboard verifies an organization and issues its first binding.
//
// Checks run in order: the organization must not already be verified, the
// public key must parse, the method's verifier must accept, and the external
// reference must be unclaimed. Reference uniqueness holds across all
// verification methods and survives rotation and revocation, so a burned
// reference can never seed a second organization.
func (s *Service) Onboard(ctx context.Context, req OnboardRequest) (*OnboardResult, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanOnboard,
		tracer.String(tracer.AttrOrgHash, tracer.HashOrgID(req.OrgID.String())),
		tracer.String(tracer.AttrMethod, string(req.Method)))
	result, err := s.onboard(ctx, req)
	span.End(err)
	return result, err
}

func (s *Service) onboard(ctx context.Context, req OnboardRequest) (*OnboardResult, error) {
	start := time.Now()

	if err := validateOnboardRequest(req); err != nil {
		s.incrementOnboard(req.Method, "invalid_input")
		return nil, err
	}

	if _, err := s.store.Get(ctx, req.OrgID); err == nil {
		s.incrementOnboard(req.Method, "already_verified")
		return nil, dErrors.New(dErrors.CodeAlreadyVerified,
			fmt.Sprintf("organization %s is already verified", req.OrgID))
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		s.incrementOnboard(req.Method, "error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}

	publicKey, err := id.ParsePublicKeyHex(req.PublicKey.String())
	if err != nil {
		s.incrementOnboard(req.Method, "invalid_key")
		return nil, err
	}

	outcome, err := s.verifyWithBackoff(ctx, req)
	if err != nil {
		s.incrementOnboard(req.Method, "verifier_unavailable")
		return nil, err
	}
	if !outcome.Verified {
		s.incrementOnboard(req.Method, "rejected")
		s.emitAudit(ctx, audit.Event{
			OrgID:  req.OrgID,
			Action: audit.ActionOnboardRejected,
			Method: string(req.Method),
			Reason: outcome.Reason,
		})
		return nil, dErrors.New(dErrors.CodeVerificationRejected,
			fmt.Sprintf("verification rejected: %s", outcome.Reason))
	}

	// The reference lock serializes concurrent onboards presenting the
	// same reference, so both the lookup below and the Create see a
	// consistent reverse index.
	s.refLocks.Lock(req.ExternalRef.String())
	defer s.refLocks.Unlock(req.ExternalRef.String())

	if owner, err := s.store.FindByExternalRef(ctx, req.ExternalRef); err == nil {
		s.incrementOnboard(req.Method, "duplicate_ref")
		s.emitAudit(ctx, audit.Event{
			OrgID:  req.OrgID,
			Action: audit.ActionOnboardRejected,
			Method: string(req.Method),
			Reason: "duplicate external reference",
		})
		return nil, duplicateRefError(owner)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check external reference")
	}

	method, err := models.MethodFromMetadata(req.Method, req.ExternalRef, outcome.Metadata)
	if err != nil {
		return nil, err
	}
	identity, err := models.NewIdentity(req.OrgID, publicKey, method, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	binding, err := s.minter.MintBinding(ctx, req.OrgID, publicKey, req.Signer)
	if err != nil {
		s.incrementOnboard(req.Method, "error")
		return nil, err
	}
	if err := identity.InstallBinding(binding); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, identity); err != nil {
		return nil, s.translateCreateError(ctx, req, err)
	}

	s.incrementOnboard(req.Method, "verified")
	s.observeOnboard(time.Since(start).Seconds())
	s.emitAudit(ctx, audit.Event{
		OrgID:  req.OrgID,
		Action: audit.ActionIdentityVerified,
		Nonce:  binding.Nonce.String(),
		Method: string(req.Method),
	})
	if s.logger != nil {
		s.logger.InfoContext(ctx, "organization onboarded",
			"org_id", req.OrgID,
			"method", req.Method,
			"nonce", privacy.RedactNonce(binding.Nonce.String()),
		)
	}

	return &OnboardResult{Identity: identity, Nonce: binding.Nonce}, nil
}

func validateOnboardRequest(req OnboardRequest) error {
	if req.OrgID.IsEmpty() {
		return dErrors.New(dErrors.CodeInvalidInput, "organization id required")
	}
	if req.PublicKey.IsEmpty() {
		return dErrors.New(dErrors.CodeInvalidInput, "public key required")
	}
	if !req.Method.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("unknown verification method %q", req.Method))
	}
	if req.ExternalRef.IsEmpty() {
		return dErrors.New(dErrors.CodeInvalidInput, "external reference required")
	}
	if req.Signer == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "a proof signer is required")
	}
	return nil
}

// verifyWithBackoff calls the method's verifier, retrying transient failures
// with exponential backoff. Permanent failures and exhausted retries surface
// as CodeVerifierUnavailable with the categorized error in the chain.
func (s *Service) verifyWithBackoff(ctx context.Context, req OnboardRequest) (*verifier.Outcome, error) {
	v, ok := s.verifiers.Get(req.Method)
	if !ok {
		return nil, dErrors.New(dErrors.CodeVerifierUnavailable,
			fmt.Sprintf("no verifier configured for method %s", req.Method))
	}

	var lastErr error
	delay := s.backoff.InitialDelay

	for attempt := 0; attempt <= s.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "onboarding cancelled")
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * s.backoff.Multiplier)
			if delay > s.backoff.MaxDelay {
				delay = s.backoff.MaxDelay
			}
		}

		callStart := time.Now()
		callCtx, callSpan := s.tracer.Start(ctx, tracer.SpanVerify,
			tracer.String(tracer.AttrMethod, string(req.Method)),
			tracer.Int64(tracer.AttrAttempt, int64(attempt)))
		outcome, err := v.Verify(callCtx, req.OrgID, req.ExternalRef)
		callSpan.End(err)
		s.observeVerifier(req.Method, time.Since(callStart).Seconds())
		if err == nil {
			s.incrementVerifierCall(req.Method, verdictLabel(outcome))
			return outcome, nil
		}

		lastErr = err
		s.incrementVerifierError(req.Method, string(verifier.CategoryOf(err)))
		if s.logger != nil {
			s.logger.WarnContext(ctx, "verifier call failed",
				"org_id", req.OrgID,
				"method", req.Method,
				"category", verifier.CategoryOf(err),
				"attempt", attempt,
				"error", err,
			)
		}

		if !verifier.IsRetryable(err) {
			break
		}
	}

	return nil, dErrors.Wrap(lastErr, dErrors.CodeVerifierUnavailable,
		fmt.Sprintf("verifier for %s unavailable (%s)", req.Method, verifier.CategoryOf(lastErr)))
}

// translateCreateError maps store failures on the final write. By this point
// the flow already checked for both conflicts, so these are lost races with
// a concurrent onboard.
func (s *Service) translateCreateError(ctx context.Context, req OnboardRequest, err error) error {
	switch {
	case errors.Is(err, sentinel.ErrRefTaken):
		s.incrementOnboard(req.Method, "duplicate_ref")
		// Best effort owner lookup for the error message.
		if owner, lookupErr := s.store.FindByExternalRef(ctx, req.ExternalRef); lookupErr == nil {
			return duplicateRefError(owner)
		}
		return dErrors.New(dErrors.CodeDuplicateExternalReference,
			"external reference already claimed")
	case errors.Is(err, sentinel.ErrConflict):
		s.incrementOnboard(req.Method, "already_verified")
		return dErrors.New(dErrors.CodeAlreadyVerified,
			fmt.Sprintf("organization %s is already verified", req.OrgID))
	default:
		s.incrementOnboard(req.Method, "error")
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist identity")
	}
}

func duplicateRefError(owner id.OrgID) error {
	return dErrors.New(dErrors.CodeDuplicateExternalReference,
		fmt.Sprintf("external reference already claimed by organization %s", owner))
}

func verdictLabel(outcome *verifier.Outcome) string {
	if outcome.Verified {
		return "verified"
	}
	return "rejected"
}

// Identity returns the full identity record for an organization.
func (s *Service) Identity(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error) {
	identity, err := s.store.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound,
				fmt.Sprintf("organization %s is not verified", orgID))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return identity, nil
}

// ListByMethod returns all organizations verified via the given method.
// Used by audit tooling and the operator API.
func (s *Service) ListByMethod(ctx context.Context, kind models.MethodKind) ([]*models.OrganizationIdentity, error) {
	if !kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("unknown verification method %q", kind))
	}
	identities, err := s.store.ListByMethod(ctx, kind)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list identities")
	}
	return identities, nil
}

// HealthCheck probes every registered verifier. The map is keyed by method;
// nil values mean healthy.
func (s *Service) HealthCheck(ctx context.Context) map[models.MethodKind]error {
	results := make(map[models.MethodKind]error)
	for _, v := range s.verifiers.All() {
		results[v.Method()] = v.Health(ctx)
	}
	return results
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Emit(ctx, event)
}

func (s *Service) incrementOnboard(method models.MethodKind, outcome string) {
	if s.metrics == nil {
		return
	}
	// Unvalidated method strings stay out of the label set.
	label := string(method)
	if !method.IsValid() {
		label = "unknown"
	}
	s.metrics.IncrementOnboardAttempt(label, outcome)
}

func (s *Service) observeOnboard(seconds float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveOnboardLatency(seconds)
}

func (s *Service) incrementVerifierCall(method models.MethodKind, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncrementVerifierCall(string(method), result)
}

func (s *Service) incrementVerifierError(method models.MethodKind, category string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncrementVerifierError(string(method), category)
}

func (s *Service) observeVerifier(method models.MethodKind, seconds float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveVerifierLatency(string(method), seconds)
}
