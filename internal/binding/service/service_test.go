package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"fides/internal/audit"
	"fides/internal/binding/nonce"
	"fides/internal/binding/proof"
	"fides/internal/identity/models"
	identitystore "fides/internal/identity/store"
	"fides/internal/sentinel"
	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	store      *identitystore.MemoryStore
	service    *Service
	auditStore *audit.InMemoryStore
	signer     *proof.LocalSigner
	publicKey  id.PublicKeyHex
}

func (s *ServiceSuite) SetupTest() {
	s.store = identitystore.NewMemoryStore()
	s.auditStore = audit.NewInMemoryStore()
	s.service = NewService(
		s.store,
		nonce.NewRandomGenerator(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(audit.NewPublisher(s.auditStore)),
	)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.signer, err = proof.NewLocalSigner(priv)
	s.Require().NoError(err)
	s.publicKey = s.signer.PublicKeyHex()
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

// seedVerified creates a verified identity with no binding.
func (s *ServiceSuite) seedVerified(orgID id.OrgID, ref id.ExternalRef) {
	identity, err := models.NewIdentity(orgID, s.publicKey,
		models.ManualVerification{TicketID: ref, Reviewer: "ops"},
		time.Now().UTC())
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(context.Background(), identity))
}

func (s *ServiceSuite) bind(orgID id.OrgID) id.Nonce {
	n, err := s.service.GenerateAndBind(context.Background(), orgID, s.publicKey, s.signer)
	s.Require().NoError(err)
	return n
}

func (s *ServiceSuite) TestGenerateAndBind() {
	s.T().Run("mints a nonce that validates immediately", func(t *testing.T) {
		s.seedVerified("org-A", "ref-1")

		n := s.bind("org-A")
		require.NotEmpty(t, n)

		result, err := s.service.Validate(context.Background(), "org-A", n)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		require.NotNil(t, result.Binding)
		assert.Equal(t, n, result.Binding.Nonce)
		assert.Equal(t, models.BindingStatusActive, result.Binding.Status())
	})

	s.T().Run("fails for an unverified organization", func(t *testing.T) {
		_, err := s.service.GenerateAndBind(context.Background(), "org-ghost", s.publicKey, s.signer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotVerified))
	})

	s.T().Run("fails while a binding is active", func(t *testing.T) {
		s.seedVerified("org-B", "ref-2")
		s.bind("org-B")

		_, err := s.service.GenerateAndBind(context.Background(), "org-B", s.publicKey, s.signer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyBound))
	})

	s.T().Run("allows a fresh binding after standalone revocation", func(t *testing.T) {
		s.seedVerified("org-C", "ref-3")
		first := s.bind("org-C")
		require.NoError(t, s.service.Revoke(context.Background(), "org-C", "incident"))

		second := s.bind("org-C")
		assert.NotEqual(t, first, second)

		// The revoked credential still reports as revoked, not unknown.
		result, err := s.service.Validate(context.Background(), "org-C", first)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, models.ReasonNonceRevoked, result.Reason)
	})

	s.T().Run("rejects proofs from a signer without the registered key", func(t *testing.T) {
		s.seedVerified("org-D", "ref-4")

		_, strangerPriv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		stranger, err := proof.NewLocalSigner(strangerPriv)
		require.NoError(t, err)

		_, err = s.service.GenerateAndBind(context.Background(), "org-D", s.publicKey, stranger)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidProof))
	})

	s.T().Run("requires a signer", func(t *testing.T) {
		_, err := s.service.GenerateAndBind(context.Background(), "org-A", s.publicKey, nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.T().Run("emits an audit event", func(t *testing.T) {
		s.seedVerified("org-E", "ref-5")
		n := s.bind("org-E")

		events, err := s.auditStore.ListByOrg(context.Background(), "org-E")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, audit.ActionNonceBound, events[0].Action)
		assert.Equal(t, n.String(), events[0].Nonce)
	})
}

func (s *ServiceSuite) TestValidate() {
	s.T().Run("rejects an unknown organization", func(t *testing.T) {
		result, err := s.service.Validate(context.Background(), "org-ghost", "whatever")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, models.ReasonNotVerified, result.Reason)
	})

	s.T().Run("rejects a verified organization with no binding", func(t *testing.T) {
		s.seedVerified("org-A", "ref-1")
		result, err := s.service.Validate(context.Background(), "org-A", "whatever")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, models.ReasonNonceMismatch, result.Reason)
	})

	s.T().Run("rejects another organization's nonce", func(t *testing.T) {
		s.seedVerified("org-B", "ref-2")
		s.seedVerified("org-C", "ref-3")
		n := s.bind("org-B")

		result, err := s.service.Validate(context.Background(), "org-C", n)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, models.ReasonNonceMismatch, result.Reason)
	})

	s.T().Run("degrades a store outage to a structured reject", func(t *testing.T) {
		broken := NewService(&brokenStore{}, nonce.NewRandomGenerator())

		result, err := broken.Validate(context.Background(), "org-A", "n")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
		assert.False(t, result.Valid)
		assert.Equal(t, models.ReasonStoreUnavailable, result.Reason)
	})
}

func (s *ServiceSuite) TestRotate() {
	s.T().Run("swaps the active nonce in one transition", func(t *testing.T) {
		s.seedVerified("org-A", "ref-1")
		n1 := s.bind("org-A")

		n2, err := s.service.Rotate(context.Background(), "org-A", "", "scheduled", s.signer)
		require.NoError(t, err)
		assert.NotEqual(t, n1, n2)

		oldResult, err := s.service.Validate(context.Background(), "org-A", n1)
		require.NoError(t, err)
		assert.False(t, oldResult.Valid)
		assert.Equal(t, models.ReasonNonceRevoked, oldResult.Reason)

		newResult, err := s.service.Validate(context.Background(), "org-A", n2)
		require.NoError(t, err)
		assert.True(t, newResult.Valid)
	})

	s.T().Run("fails for an unverified organization", func(t *testing.T) {
		_, err := s.service.Rotate(context.Background(), "org-ghost", "", "scheduled", s.signer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotVerified))
	})

	s.T().Run("fails without an active binding", func(t *testing.T) {
		s.seedVerified("org-B", "ref-2")
		_, err := s.service.Rotate(context.Background(), "org-B", "", "scheduled", s.signer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNoActiveBinding))
	})

	s.T().Run("fails after the binding was revoked", func(t *testing.T) {
		s.seedVerified("org-C", "ref-3")
		s.bind("org-C")
		require.NoError(t, s.service.Revoke(context.Background(), "org-C", "incident"))

		_, err := s.service.Rotate(context.Background(), "org-C", "", "scheduled", s.signer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNoActiveBinding))
	})

	s.T().Run("requires a reason", func(t *testing.T) {
		_, err := s.service.Rotate(context.Background(), "org-A", "", "", s.signer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.T().Run("re-keys the identity when a new key is supplied", func(t *testing.T) {
		s.seedVerified("org-D", "ref-4")
		s.bind("org-D")

		_, freshPriv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		freshSigner, err := proof.NewLocalSigner(freshPriv)
		require.NoError(t, err)

		n2, err := s.service.Rotate(context.Background(), "org-D", freshSigner.PublicKeyHex(), "compromise", freshSigner)
		require.NoError(t, err)

		binding, err := s.service.GetBinding(context.Background(), "org-D")
		require.NoError(t, err)
		require.NotNil(t, binding)
		assert.Equal(t, n2, binding.Nonce)
		assert.Equal(t, freshSigner.PublicKeyHex(), binding.PublicKey)
		assert.NoError(t, proof.Verify(binding.PublicKey, binding.Nonce, "org-D", binding.BoundAt, binding.OwnershipProof))
	})

	s.T().Run("every rotation yields a never-before-issued nonce", func(t *testing.T) {
		s.seedVerified("org-E", "ref-5")
		seen := map[id.Nonce]bool{s.bind("org-E"): true}

		for i := 0; i < 10; i++ {
			n, err := s.service.Rotate(context.Background(), "org-E", "", "scheduled", s.signer)
			require.NoError(t, err)
			require.False(t, seen[n], "rotation repeated a nonce")
			seen[n] = true
		}
	})
}

func (s *ServiceSuite) TestRevoke() {
	s.T().Run("invalidates the current nonce", func(t *testing.T) {
		s.seedVerified("org-A", "ref-1")
		n := s.bind("org-A")

		require.NoError(t, s.service.Revoke(context.Background(), "org-A", "incident"))

		result, err := s.service.Validate(context.Background(), "org-A", n)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, models.ReasonNonceRevoked, result.Reason)
	})

	s.T().Run("fails the second time", func(t *testing.T) {
		s.seedVerified("org-B", "ref-2")
		s.bind("org-B")

		require.NoError(t, s.service.Revoke(context.Background(), "org-B", "first"))
		err := s.service.Revoke(context.Background(), "org-B", "second")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyRevoked))
	})

	s.T().Run("fails when nothing is bound", func(t *testing.T) {
		s.seedVerified("org-C", "ref-3")
		err := s.service.Revoke(context.Background(), "org-C", "incident")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNoBinding))
	})

	s.T().Run("fails for an unknown organization", func(t *testing.T) {
		err := s.service.Revoke(context.Background(), "org-ghost", "incident")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNoBinding))
	})

	s.T().Run("requires a reason", func(t *testing.T) {
		err := s.service.Revoke(context.Background(), "org-A", "")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func (s *ServiceSuite) TestGetBinding() {
	s.T().Run("absent for unknown organizations", func(t *testing.T) {
		binding, err := s.service.GetBinding(context.Background(), "org-ghost")
		require.NoError(t, err)
		assert.Nil(t, binding)
	})

	s.T().Run("absent before the first bind", func(t *testing.T) {
		s.seedVerified("org-A", "ref-1")
		binding, err := s.service.GetBinding(context.Background(), "org-A")
		require.NoError(t, err)
		assert.Nil(t, binding)
	})

	s.T().Run("present and revoked after revocation", func(t *testing.T) {
		s.seedVerified("org-B", "ref-2")
		n := s.bind("org-B")
		require.NoError(t, s.service.Revoke(context.Background(), "org-B", "incident"))

		binding, err := s.service.GetBinding(context.Background(), "org-B")
		require.NoError(t, err)
		require.NotNil(t, binding)
		assert.Equal(t, n, binding.Nonce)
		assert.Equal(t, models.BindingStatusRevoked, binding.Status())
		assert.Equal(t, "incident", binding.RevocationReason)
	})
}

func (s *ServiceSuite) TestHistory() {
	s.seedVerified("org-A", "ref-1")
	n1 := s.bind("org-A")
	n2, err := s.service.Rotate(context.Background(), "org-A", "", "scheduled", s.signer)
	s.Require().NoError(err)
	s.Require().NoError(s.service.Revoke(context.Background(), "org-A", "incident"))

	history, err := s.service.History(context.Background(), "org-A")
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(n1, history[0].Nonce)
	s.True(history[0].IsRevoked())
	s.Equal(n2, history[1].Nonce)
	s.True(history[1].IsRevoked())
}

func (s *ServiceSuite) TestConcurrentBindSingleWinner() {
	s.seedVerified("org-A", "ref-1")

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.service.GenerateAndBind(context.Background(), "org-A", s.publicKey, s.signer)
		}(i)
	}
	wg.Wait()

	var wins, alreadyBound int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case dErrors.HasCode(err, dErrors.CodeAlreadyBound):
			alreadyBound++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, wins, "exactly one concurrent bind must win")
	s.Equal(workers-1, alreadyBound)
}

func (s *ServiceSuite) TestConcurrentRotationsSerialize() {
	s.seedVerified("org-A", "ref-1")
	first := s.bind("org-A")

	const workers = 8
	var wg sync.WaitGroup
	nonces := make([]id.Nonce, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonces[i], errs[i] = s.service.Rotate(context.Background(), "org-A", "", "scheduled", s.signer)
		}(i)
	}
	wg.Wait()

	seen := map[id.Nonce]bool{first: true}
	for i := 0; i < workers; i++ {
		s.Require().NoError(errs[i])
		s.Require().False(seen[nonces[i]], "rotation repeated a nonce")
		seen[nonces[i]] = true
	}

	// Exactly one nonce still validates; all others report revoked.
	var valid int
	for n := range seen {
		result, err := s.service.Validate(context.Background(), "org-A", n)
		s.Require().NoError(err)
		if result.Valid {
			valid++
		} else {
			s.Equal(models.ReasonNonceRevoked, result.Reason)
		}
	}
	s.Equal(1, valid, "exactly one non-revoked binding may exist per organization")

	history, err := s.service.History(context.Background(), "org-A")
	s.Require().NoError(err)
	s.Len(history, workers+1)
}

func (s *ServiceSuite) TestWriteConflictsAreRetried() {
	s.T().Run("transient revision miss is absorbed", func(t *testing.T) {
		s.seedVerified("org-A", "ref-1")
		flaky := &flakyStore{inner: s.store, failures: 2}
		svc := NewService(flaky, nonce.NewRandomGenerator())

		_, err := svc.GenerateAndBind(context.Background(), "org-A", s.publicKey, s.signer)
		require.NoError(t, err)
		assert.Equal(t, 2, flaky.injected)
	})

	s.T().Run("persistent conflict surfaces after bounded retries", func(t *testing.T) {
		s.seedVerified("org-B", "ref-2")
		flaky := &flakyStore{inner: s.store, failures: 100}
		svc := NewService(flaky, nonce.NewRandomGenerator(), WithMaxConflictRetries(2))

		_, err := svc.GenerateAndBind(context.Background(), "org-B", s.publicKey, s.signer)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeStoreConflict))
		assert.Equal(t, 3, flaky.injected, "initial attempt plus two retries")
	})
}

// brokenStore simulates a store outage.
type brokenStore struct{}

func (b *brokenStore) Get(context.Context, id.OrgID) (*models.OrganizationIdentity, error) {
	return nil, sentinel.ErrUnavailable
}

func (b *brokenStore) Update(context.Context, *models.OrganizationIdentity) error {
	return sentinel.ErrUnavailable
}

// flakyStore injects revision misses into the first N updates.
type flakyStore struct {
	inner    Store
	mu       sync.Mutex
	failures int
	injected int
}

func (f *flakyStore) Get(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error) {
	return f.inner.Get(ctx, orgID)
}

func (f *flakyStore) Update(ctx context.Context, identity *models.OrganizationIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injected < f.failures {
		f.injected++
		return sentinel.ErrRevisionMiss
	}
	return f.inner.Update(ctx, identity)
}
