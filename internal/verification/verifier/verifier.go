// Package verifier defines the contract between the onboarding service and
// the external collaborators that vouch for an organization.
//
// Each verification method (payment processor, code host, manual review) is
// backed by exactly one Verifier. Implementations wrap external APIs behind
// this interface so the onboarding service can work with heterogeneous
// collaborators without coupling to their protocols, and classify failures
// through VerifierError so retry decisions stay uniform.
package verifier

import (
	"context"
	"fmt"
	"time"

	"fides/internal/identity/models"
	id "fides/pkg/domain"
)

// Outcome is the decision a verifier reached about an organization.
//
// An Outcome is only produced when the verifier could actually decide:
// collaborator trouble (timeout, outage, bad credentials) surfaces as a
// VerifierError instead. Verified=false therefore always means the
// collaborator answered and the answer was no.
type Outcome struct {
	Verified bool
	// Reason explains a negative decision in operator-readable form
	// ("account delinquent", "organization suspended"). Empty on success.
	Reason string
	// Metadata carries method-specific facts (processor name, plan,
	// reviewer) that the service folds into the stored verification
	// evidence. Keys follow the models.Meta* constants.
	Metadata  map[string]string
	CheckedAt time.Time
}

// Verifier is the interface every verification method implementation
// satisfies.
type Verifier interface {
	// Method returns the verification method this instance handles.
	Method() models.MethodKind

	// Verify asks the collaborator whether orgID legitimately controls
	// ref. Returns an Outcome when the collaborator could decide, or a
	// VerifierError with a normalized category when it could not.
	Verify(ctx context.Context, orgID id.OrgID, ref id.ExternalRef) (*Outcome, error)

	// Health checks whether the collaborator is reachable. Used by
	// readiness probes; nil means healthy.
	Health(ctx context.Context) error
}

// Registry maintains the configured verifiers indexed by method.
//
// One verifier per method; registering a second for the same method is a
// wiring bug and fails loudly. Not thread-safe: register everything during
// startup before the service begins handling requests.
type Registry struct {
	verifiers map[models.MethodKind]Verifier
}

func NewRegistry() *Registry {
	return &Registry{
		verifiers: make(map[models.MethodKind]Verifier),
	}
}

// Register adds a verifier, keyed by its method.
func (r *Registry) Register(v Verifier) error {
	kind := v.Method()
	if !kind.IsValid() {
		return fmt.Errorf("verifier reports unknown method %q", kind)
	}
	if _, exists := r.verifiers[kind]; exists {
		return fmt.Errorf("verifier for method %s already registered", kind)
	}
	r.verifiers[kind] = v
	return nil
}

func (r *Registry) Get(kind models.MethodKind) (Verifier, bool) {
	v, ok := r.verifiers[kind]
	return v, ok
}

// Methods returns the methods that currently have a verifier.
func (r *Registry) Methods() []models.MethodKind {
	out := make([]models.MethodKind, 0, len(r.verifiers))
	for kind := range r.verifiers {
		out = append(out, kind)
	}
	return out
}

func (r *Registry) All() []Verifier {
	out := make([]Verifier, 0, len(r.verifiers))
	for _, v := range r.verifiers {
		out = append(out, v)
	}
	return out
}
