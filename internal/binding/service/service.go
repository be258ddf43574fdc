// Package service implements the binding engine: minting nonce credentials
// for verified organizations, validating submitted nonces on the hot path,
// and the rotate/revoke lifecycle.
//
// Per-organization writes are serialized through a keyed mutex, and every
// write goes through the store's conditional-update contract, so concurrent
// operations on one organization either serialize or fail fast as a store
// conflict. Validation is read-only and takes no locks.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fides/internal/audit"
	"fides/internal/binding/metrics"
	"fides/internal/binding/nonce"
	"fides/internal/binding/proof"
	"fides/internal/identity/models"
	"fides/internal/platform/privacy"
	"fides/internal/platform/tracer"
	"fides/internal/sentinel"
	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
	platformsync "fides/pkg/platform/sync"
)

// Store is the slice of the identity store the engine consumes.
// Error contract:
//   - Get returns sentinel.ErrNotFound when the organization is unknown
//   - Update returns sentinel.ErrRevisionMiss on a lost revision race and
//     sentinel.ErrConflict when a nonce collides with another organization's
type Store interface {
	Get(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error)
	Update(ctx context.Context, identity *models.OrganizationIdentity) error
}

// defaultMaxConflictRetries bounds how often a write is retried after losing
// a race. Retries re-read state and re-mint, so each attempt is independent.
const defaultMaxConflictRetries = 3

// Service is the binding engine.
type Service struct {
	store      Store
	generator  nonce.Generator
	orgLocks   *platformsync.KeyedMutex
	auditor    *audit.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     tracer.Tracer
	maxRetries int
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger instance for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAuditPublisher sets the audit publisher for lifecycle events.
func WithAuditPublisher(auditor *audit.Publisher) Option {
	return func(s *Service) {
		s.auditor = auditor
	}
}

// WithTracer sets the tracer for lifecycle and validation spans.
func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMaxConflictRetries overrides the bounded retry count for store
// conflicts.
func WithMaxConflictRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithLockShards overrides the shard count of the per-organization lock.
func WithLockShards(n int) Option {
	return func(s *Service) {
		s.orgLocks = platformsync.NewKeyedMutex(n)
	}
}

func NewService(store Store, generator nonce.Generator, opts ...Option) *Service {
	svc := &Service{
		store:      store,
		generator:  generator,
		orgLocks:   platformsync.NewKeyedMutex(platformsync.DefaultShards),
		tracer:     tracer.NewNoop(),
		maxRetries: defaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// MintBinding generates a nonce for orgID, obtains an ownership proof from
// signer, and verifies the proof against publicKey before returning the
// binding. Nothing is persisted; the caller installs and persists the result.
// The orchestrator uses this during onboarding so the identity, its external
// reference, and the first binding land in one store transaction.
func (s *Service) MintBinding(ctx context.Context, orgID id.OrgID, publicKey id.PublicKeyHex, signer proof.Signer) (*models.NonceBinding, error) {
	boundAt := time.Now().UTC()
	n, err := s.generator.Generate(orgID, boundAt)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate nonce")
	}

	sig, err := signer.Sign(ctx, proof.CanonicalMessage(n, orgID, boundAt))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSignerUnavailable, "failed to obtain ownership proof")
	}
	if err := proof.Verify(publicKey, n, orgID, boundAt, sig); err != nil {
		return nil, err
	}

	return models.NewBinding(n, orgID, publicKey, boundAt, sig)
}

// GenerateAndBind mints a nonce credential for an already-verified
// organization that holds no active binding. publicKey may be empty to keep
// the key on record; a different key re-keys the identity along with the
// binding.
func (s *Service) GenerateAndBind(ctx context.Context, orgID id.OrgID, publicKey id.PublicKeyHex, signer proof.Signer) (id.Nonce, error) {
	if signer == nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "a proof signer is required")
	}

	ctx, span := s.tracer.Start(ctx, tracer.SpanBind,
		tracer.String(tracer.AttrOrgHash, tracer.HashOrgID(orgID.String())))

	s.orgLocks.Lock(orgID.String())
	defer s.orgLocks.Unlock(orgID.String())

	start := time.Now()
	var bound *models.NonceBinding
	err := s.withConflictRetry(ctx, func() error {
		identity, err := s.loadIdentity(ctx, orgID)
		if err != nil {
			return err
		}
		if identity.HasActiveBinding() {
			return dErrors.New(dErrors.CodeAlreadyBound, "organization already holds an active binding")
		}

		key := publicKey
		if key.IsEmpty() {
			key = identity.PublicKey
		}
		binding, err := s.MintBinding(ctx, orgID, key, signer)
		if err != nil {
			return err
		}
		if err := identity.InstallBinding(binding); err != nil {
			return err
		}
		identity.PublicKey = key

		if err := s.store.Update(ctx, identity); err != nil {
			return translateWriteError(err)
		}
		bound = binding
		return nil
	})
	span.End(err)
	if err != nil {
		return "", err
	}

	s.observeBindLatency(start)
	s.incrementBindingsCreated()
	s.emitAudit(ctx, audit.Event{
		OrgID:  orgID,
		Action: audit.ActionNonceBound,
		Nonce:  bound.Nonce.String(),
	})
	s.logLifecycle(ctx, "nonce_bound", orgID, bound.Nonce)
	return bound.Nonce, nil
}

// Validate decides whether n is the organization's currently bound,
// non-revoked credential. It never fails for business reasons; every
// rejection is a structured result with a reason. The error return reports
// infrastructure trouble only and the result is still usable for an
// accept/reject decision, so hot-path callers may ignore it.
func (s *Service) Validate(ctx context.Context, orgID id.OrgID, n id.Nonce) (models.ValidationResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, tracer.SpanValidate,
		tracer.String(tracer.AttrOrgHash, tracer.HashOrgID(orgID.String())))

	identity, err := s.store.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			result := models.Reject(models.ReasonNotVerified)
			s.incrementValidation(result)
			s.annotateValidation(span, result, nil)
			return result, nil
		}
		result := models.Reject(models.ReasonStoreUnavailable)
		s.incrementValidation(result)
		wrapped := dErrors.Wrap(err, dErrors.CodeInternal, "identity store unavailable")
		s.annotateValidation(span, result, wrapped)
		return result, wrapped
	}

	result := evaluateBinding(identity, n)
	s.observeValidateLatency(start)
	s.incrementValidation(result)
	s.annotateValidation(span, result, nil)
	if !result.Valid {
		s.emitAudit(ctx, audit.Event{
			OrgID:  orgID,
			Action: audit.ActionValidationRejected,
			Nonce:  n.String(),
			Reason: result.Reason,
		})
	}
	return result, nil
}

// annotateValidation closes the validation span with the decision outcome.
// Rejections are data, not failures, so only infrastructure errors mark the
// span failed.
func (s *Service) annotateValidation(span tracer.Span, result models.ValidationResult, err error) {
	span.SetAttributes(
		tracer.Bool(tracer.AttrValid, result.Valid),
		tracer.String(tracer.AttrReason, result.Reason),
	)
	span.End(err)
}

// evaluateBinding applies the validation decision table to a loaded identity.
// A nonce found only in history is reported as revoked, not as a mismatch,
// so holders of rotated-away credentials learn why they stopped validating.
func evaluateBinding(identity *models.OrganizationIdentity, n id.Nonce) models.ValidationResult {
	binding := identity.FindBinding(n)
	if binding == nil {
		return models.Reject(models.ReasonNonceMismatch)
	}
	if binding.IsRevoked() {
		return models.Reject(models.ReasonNonceRevoked)
	}
	return models.Accept(binding.Clone())
}

// Rotate atomically revokes the current binding and mints its replacement.
// The old nonce stops validating exactly when the new one starts; no caller
// observes a state where both or neither validate. newPublicKey may be empty
// to keep the key on record.
func (s *Service) Rotate(ctx context.Context, orgID id.OrgID, newPublicKey id.PublicKeyHex, reason string, signer proof.Signer) (id.Nonce, error) {
	if reason == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "a rotation reason is required")
	}
	if signer == nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "a proof signer is required")
	}

	ctx, span := s.tracer.Start(ctx, tracer.SpanRotate,
		tracer.String(tracer.AttrOrgHash, tracer.HashOrgID(orgID.String())),
		tracer.String(tracer.AttrReason, reason))

	s.orgLocks.Lock(orgID.String())
	defer s.orgLocks.Unlock(orgID.String())

	start := time.Now()
	var minted *models.NonceBinding
	err := s.withConflictRetry(ctx, func() error {
		identity, err := s.loadIdentity(ctx, orgID)
		if err != nil {
			return err
		}
		if !identity.HasActiveBinding() {
			return dErrors.New(dErrors.CodeNoActiveBinding, "no active binding to rotate")
		}

		key := newPublicKey
		if key.IsEmpty() {
			key = identity.PublicKey
		}
		replacement, err := s.MintBinding(ctx, orgID, key, signer)
		if err != nil {
			return err
		}
		if err := identity.RotateBinding(replacement, time.Now().UTC(), reason); err != nil {
			return err
		}
		identity.PublicKey = key

		if err := s.store.Update(ctx, identity); err != nil {
			return translateWriteError(err)
		}
		minted = replacement
		return nil
	})
	span.End(err)
	if err != nil {
		return "", err
	}

	s.observeBindLatency(start)
	s.incrementBindingsRotated()
	s.emitAudit(ctx, audit.Event{
		OrgID:  orgID,
		Action: audit.ActionNonceRotated,
		Nonce:  minted.Nonce.String(),
		Reason: reason,
	})
	s.logLifecycle(ctx, "nonce_rotated", orgID, minted.Nonce)
	return minted.Nonce, nil
}

// Revoke marks the current binding revoked without minting a replacement.
// An organization with no binding at all, known or not, has nothing to
// revoke.
func (s *Service) Revoke(ctx context.Context, orgID id.OrgID, reason string) error {
	if reason == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "a revocation reason is required")
	}

	ctx, span := s.tracer.Start(ctx, tracer.SpanRevoke,
		tracer.String(tracer.AttrOrgHash, tracer.HashOrgID(orgID.String())),
		tracer.String(tracer.AttrReason, reason))

	s.orgLocks.Lock(orgID.String())
	defer s.orgLocks.Unlock(orgID.String())

	var revoked id.Nonce
	err := s.withConflictRetry(ctx, func() error {
		identity, err := s.store.Get(ctx, orgID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNoBinding, "organization has no binding to revoke")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
		}
		if identity.Binding == nil {
			return dErrors.New(dErrors.CodeNoBinding, "organization has no binding to revoke")
		}
		if err := identity.Binding.Revoke(time.Now().UTC(), reason); err != nil {
			return err
		}

		if err := s.store.Update(ctx, identity); err != nil {
			return translateWriteError(err)
		}
		revoked = identity.Binding.Nonce
		return nil
	})
	span.End(err)
	if err != nil {
		return err
	}

	s.incrementBindingsRevoked()
	s.emitAudit(ctx, audit.Event{
		OrgID:  orgID,
		Action: audit.ActionNonceRevoked,
		Nonce:  revoked.String(),
		Reason: reason,
	})
	s.logLifecycle(ctx, "nonce_revoked", orgID, revoked)
	return nil
}

// GetBinding returns the organization's current binding, revoked or not, or
// nil when the organization is unknown or has never been bound.
func (s *Service) GetBinding(ctx context.Context, orgID id.OrgID) (*models.NonceBinding, error) {
	identity, err := s.store.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	if identity.Binding == nil {
		return nil, nil
	}
	return identity.Binding.Clone(), nil
}

// History returns every binding the organization has held, oldest first,
// ending with the current one. Audit tooling only.
func (s *Service) History(ctx context.Context, orgID id.OrgID) ([]models.NonceBinding, error) {
	identity, err := s.store.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotVerified, "organization is not verified")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}

	out := make([]models.NonceBinding, 0, len(identity.History)+1)
	for _, b := range identity.History {
		out = append(out, *b.Clone())
	}
	if identity.Binding != nil {
		out = append(out, *identity.Binding.Clone())
	}
	return out, nil
}

func (s *Service) loadIdentity(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error) {
	identity, err := s.store.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotVerified, "organization is not verified")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return identity, nil
}

// withConflictRetry runs fn, retrying a bounded number of times when a write
// loses a race. Each retry re-runs fn from the load step, so the loser
// converges on fresh state instead of overwriting the winner's.
func (s *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "operation cancelled")
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryableConflict(err) {
			return err
		}
		lastErr = err
		s.incrementConflictRetries()
	}
	return lastErr
}

// isRetryableConflict classifies write races. The sentinels stay in the
// wrapped chain, so this works on already-translated errors.
func isRetryableConflict(err error) bool {
	return errors.Is(err, sentinel.ErrRevisionMiss) || errors.Is(err, sentinel.ErrConflict)
}

// translateWriteError maps store write failures onto the caller-facing
// taxonomy, keeping the sentinel in the chain for retry classification.
func translateWriteError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrRevisionMiss), errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeStoreConflict, "concurrent write detected")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeInternal, "identity store unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist identity")
	}
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Emit(ctx, event)
}

func (s *Service) logLifecycle(ctx context.Context, msg string, orgID id.OrgID, n id.Nonce) {
	if s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, msg,
		"org_id", orgID,
		"nonce", privacy.RedactNonce(n.String()),
	)
}

func (s *Service) incrementBindingsCreated() {
	if s.metrics != nil {
		s.metrics.IncrementBindingsCreated()
		s.metrics.IncrementActiveBindings()
	}
}

func (s *Service) incrementBindingsRotated() {
	if s.metrics != nil {
		s.metrics.IncrementBindingsRotated()
	}
}

func (s *Service) incrementBindingsRevoked() {
	if s.metrics != nil {
		s.metrics.IncrementBindingsRevoked()
		s.metrics.DecrementActiveBindings()
	}
}

func (s *Service) incrementValidation(result models.ValidationResult) {
	if s.metrics == nil {
		return
	}
	outcome := "valid"
	if !result.Valid {
		outcome = "invalid"
	}
	s.metrics.IncrementValidation(outcome, result.Reason)
}

func (s *Service) incrementConflictRetries() {
	if s.metrics != nil {
		s.metrics.IncrementStoreConflictRetries()
	}
}

func (s *Service) observeBindLatency(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveBindLatency(time.Since(start).Seconds())
	}
}

func (s *Service) observeValidateLatency(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveValidateLatency(time.Since(start).Seconds())
	}
}
