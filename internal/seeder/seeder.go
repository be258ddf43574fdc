// Package seeder fills the in-memory stores with demo organizations so a
// development server answers validate and list calls out of the box.
package seeder

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"fides/internal/audit"
	"fides/internal/binding/nonce"
	"fides/internal/binding/proof"
	"fides/internal/identity/models"
	id "fides/pkg/domain"
)

// IdentityStore is the slice of the identity store the seeder writes to.
type IdentityStore interface {
	Create(ctx context.Context, identity *models.OrganizationIdentity) error
}

// AuditStore receives the audit trail matching the seeded lifecycles.
type AuditStore interface {
	Append(ctx context.Context, event audit.Event) error
}

// Seeder populates stores with demo organizations covering the binding
// lifecycle: active, rotated, and revoked.
type Seeder struct {
	identities IdentityStore
	audit      AuditStore
	generator  nonce.Generator
	logger     *slog.Logger
}

// New creates a seeder. The generator decides what the demo nonces look
// like, so codec deployments get inspectable seed data.
func New(identities IdentityStore, auditStore AuditStore, generator nonce.Generator, logger *slog.Logger) *Seeder {
	return &Seeder{
		identities: identities,
		audit:      auditStore,
		generator:  generator,
		logger:     logger,
	}
}

// demoOrg describes one seeded organization. Zero revokedReason means the
// binding stays active; rotated additionally leaves a revoked predecessor
// in the history.
type demoOrg struct {
	orgID         id.OrgID
	method        models.Method
	verifiedAgo   time.Duration
	rotated       bool
	revokedReason string
}

var demoOrgs = []demoOrg{
	{
		orgID:       "org-demo-acme",
		method:      models.PaymentVerification{CustomerID: "cus_demo_acme", Processor: "stripe", PlanID: "team"},
		verifiedAgo: 72 * time.Hour,
	},
	{
		orgID:       "org-demo-umbrella",
		method:      models.CodeHostVerification{OrgSlug: "umbrella-oss", Host: "github.com", PublicRepos: 42},
		verifiedAgo: 48 * time.Hour,
	},
	{
		orgID:       "org-demo-initech",
		method:      models.ManualVerification{TicketID: "TICKET-1042", Reviewer: "ops"},
		verifiedAgo: 24 * time.Hour,
		rotated:     true,
	},
	{
		orgID:         "org-demo-globex",
		method:        models.PaymentVerification{CustomerID: "cus_demo_globex", Processor: "stripe", PlanID: "solo"},
		verifiedAgo:   96 * time.Hour,
		revokedReason: "signing key compromised",
	},
}

// SeedAll creates the demo organizations and their audit trail. Each one
// gets a throwaway Ed25519 key, so the stored ownership proofs verify like
// production data. Nonces are logged in full: handing developers something
// to validate against is the point of seed data.
func (s *Seeder) SeedAll(ctx context.Context) error {
	s.logger.Info("seeding demo organizations")

	for _, demo := range demoOrgs {
		nonceValue, state, err := s.seedOrg(ctx, demo)
		if err != nil {
			return fmt.Errorf("seed %s: %w", demo.orgID, err)
		}
		s.logger.Info("demo organization ready",
			"org_id", demo.orgID,
			"method", demo.method.Kind(),
			"state", state,
			"nonce", nonceValue,
		)
	}

	s.logger.Info("demo data seeded", "organizations", len(demoOrgs))
	return nil
}

func (s *Seeder) seedOrg(ctx context.Context, demo demoOrg) (id.Nonce, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	publicKey := id.PublicKeyHex(hex.EncodeToString(pub))

	verifiedAt := time.Now().UTC().Add(-demo.verifiedAgo)
	identity, err := models.NewIdentity(demo.orgID, publicKey, demo.method, verifiedAt)
	if err != nil {
		return "", "", err
	}

	boundAt := verifiedAt.Add(time.Minute)
	first, err := s.mintBinding(demo.orgID, publicKey, priv, boundAt)
	if err != nil {
		return "", "", err
	}
	if err := identity.InstallBinding(first); err != nil {
		return "", "", err
	}
	s.append(ctx, audit.Event{
		Timestamp: verifiedAt,
		OrgID:     demo.orgID,
		Action:    audit.ActionIdentityVerified,
		Method:    string(demo.method.Kind()),
	})
	s.append(ctx, audit.Event{
		Timestamp: boundAt,
		OrgID:     demo.orgID,
		Action:    audit.ActionNonceBound,
		Nonce:     first.Nonce.String(),
		Method:    string(demo.method.Kind()),
	})

	state := "active"

	if demo.rotated {
		rotatedAt := time.Now().UTC().Add(-time.Hour)
		replacement, err := s.mintBinding(demo.orgID, publicKey, priv, rotatedAt)
		if err != nil {
			return "", "", err
		}
		if err := identity.RotateBinding(replacement, rotatedAt, "scheduled rotation"); err != nil {
			return "", "", err
		}
		s.append(ctx, audit.Event{
			Timestamp: rotatedAt,
			OrgID:     demo.orgID,
			Action:    audit.ActionNonceRotated,
			Nonce:     replacement.Nonce.String(),
			Reason:    "scheduled rotation",
		})
		state = "rotated"
	}

	if demo.revokedReason != "" {
		revokedAt := time.Now().UTC().Add(-2 * time.Hour)
		if err := identity.Binding.Revoke(revokedAt, demo.revokedReason); err != nil {
			return "", "", err
		}
		s.append(ctx, audit.Event{
			Timestamp: revokedAt,
			OrgID:     demo.orgID,
			Action:    audit.ActionNonceRevoked,
			Nonce:     identity.Binding.Nonce.String(),
			Reason:    demo.revokedReason,
		})
		state = "revoked"
	}

	if err := s.identities.Create(ctx, identity); err != nil {
		return "", "", err
	}
	return identity.Binding.Nonce, state, nil
}

// mintBinding generates a nonce and signs the canonical binding message
// with the demo key.
func (s *Seeder) mintBinding(orgID id.OrgID, publicKey id.PublicKeyHex, priv ed25519.PrivateKey, boundAt time.Time) (*models.NonceBinding, error) {
	n, err := s.generator.Generate(orgID, boundAt)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, proof.CanonicalMessage(n, orgID, boundAt))
	return models.NewBinding(n, orgID, publicKey, boundAt, sig)
}

// append drops audit failures: seed data is best effort and a missing
// trail entry must not abort startup.
func (s *Seeder) append(ctx context.Context, event audit.Event) {
	if err := s.audit.Append(ctx, event); err != nil {
		s.logger.Warn("seed audit append failed", "org_id", event.OrgID, "action", event.Action, "error", err)
	}
}
