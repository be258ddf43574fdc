package verifier

import (
	"context"
	"log/slog"

	"fides/internal/identity/models"
	id "fides/pkg/domain"
	"fides/pkg/platform/circuit"
)

// Resilient wraps a Verifier with a circuit breaker keyed to collaborator
// availability.
//
// Only availability trouble moves the breaker: retryable errors (timeout,
// outage, rate limited) count as failures, while decisions and permanent
// errors count as contact with a live collaborator. While the circuit is
// open, Verify fails fast without touching the collaborator; Health keeps
// probing it, so readiness sweeps double as the recovery path.
type Resilient struct {
	delegate Verifier
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

var _ Verifier = (*Resilient)(nil)

// NewResilient wraps delegate with a breaker named after its method.
// Threshold tuning goes through circuit options; logger may be nil.
func NewResilient(delegate Verifier, logger *slog.Logger, opts ...circuit.Option) *Resilient {
	return &Resilient{
		delegate: delegate,
		breaker:  circuit.New(string(delegate.Method()), opts...),
		logger:   logger,
	}
}

func (r *Resilient) Method() models.MethodKind { return r.delegate.Method() }

// Verify consults the delegate unless the circuit is open. The fail-fast
// error is a non-retryable outage so callers fail over immediately instead
// of spending their backoff budget on a collaborator already known down.
func (r *Resilient) Verify(ctx context.Context, orgID id.OrgID, ref id.ExternalRef) (*Outcome, error) {
	if r.breaker.IsOpen() {
		return nil, &VerifierError{
			Category:  ErrorOutage,
			Method:    r.delegate.Method(),
			Message:   "circuit open, failing fast",
			Retryable: false,
		}
	}

	outcome, err := r.delegate.Verify(ctx, orgID, ref)
	r.record(ctx, err)
	return outcome, err
}

// Health always probes the delegate, even while the circuit is open. Probe
// results feed the breaker, so enough healthy probes close it again.
func (r *Resilient) Health(ctx context.Context) error {
	err := r.delegate.Health(ctx)
	if err != nil {
		r.openOnFailure(ctx, err)
		return err
	}
	r.closeOnSuccess(ctx)
	return nil
}

// record classifies a Verify result for the breaker. An answered request
// counts as contact even when the answer is an error we caused ourselves.
func (r *Resilient) record(ctx context.Context, err error) {
	if err != nil && IsRetryable(err) {
		r.openOnFailure(ctx, err)
		return
	}
	r.closeOnSuccess(ctx)
}

func (r *Resilient) openOnFailure(ctx context.Context, err error) {
	if change := r.breaker.RecordFailure(); change.Opened && r.logger != nil {
		r.logger.ErrorContext(ctx, "verifier circuit opened",
			"circuit", r.breaker.Name(),
			"error", err,
		)
	}
}

func (r *Resilient) closeOnSuccess(ctx context.Context) {
	if change := r.breaker.RecordSuccess(); change.Closed && r.logger != nil {
		r.logger.InfoContext(ctx, "verifier circuit closed",
			"circuit", r.breaker.Name(),
		)
	}
}
