//go:build integration

package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fides/internal/identity/models"
	"fides/internal/identity/store"
	"fides/internal/sentinel"
	id "fides/pkg/domain"
	"fides/pkg/testutil"
	"fides/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.store = store.NewRedis(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) newIdentity(orgID id.OrgID, ref id.ExternalRef) *models.OrganizationIdentity {
	return testutil.NewTestIdentity(orgID, ref)
}

func (s *RedisStoreSuite) bind(ident *models.OrganizationIdentity, nonce id.Nonce) {
	b := testutil.NewBindingBuilder().
		WithNonce(nonce).
		WithOrgID(ident.OrgID).
		WithPublicKey(ident.PublicKey).
		WithProof([]byte("sig")).
		Build()
	s.Require().NoError(ident.InstallBinding(b))
}

func (s *RedisStoreSuite) TestCreateAndGetRoundTrip() {
	ctx := context.Background()

	ident := s.newIdentity("org-A", "cus_1")
	s.bind(ident, "nonce-1")
	s.Require().NoError(s.store.Create(ctx, ident))
	s.Equal(int64(1), ident.Revision)

	found, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)
	s.Equal(ident.OrgID, found.OrgID)
	s.Equal(ident.PublicKey, found.PublicKey)
	s.Equal(models.PaymentVerification{CustomerID: "cus_1", Processor: "stripe"}, found.Method)
	s.Require().NotNil(found.Binding)
	s.Equal(id.Nonce("nonce-1"), found.Binding.Nonce)
	s.Equal([]byte("sig"), found.Binding.OwnershipProof)
	s.False(found.Binding.IsRevoked())
	s.Empty(found.History)
}

func (s *RedisStoreSuite) TestGetUnknownOrganization() {
	_, err := s.store.Get(context.Background(), "org-ghost")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestCreateDuplicateOrg() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.newIdentity("org-A", "cus_1")))

	err := s.store.Create(ctx, s.newIdentity("org-A", "cus_2"))
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *RedisStoreSuite) TestCreateDuplicateRefKeepsOwner() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.newIdentity("org-A", "cus_1")))

	err := s.store.Create(ctx, s.newIdentity("org-B", "cus_1"))
	s.ErrorIs(err, sentinel.ErrRefTaken)

	// The rejected pipeline must not write the claimant's keys or move
	// the reference.
	_, err = s.store.Get(ctx, "org-B")
	s.ErrorIs(err, sentinel.ErrNotFound)

	owner, err := s.store.FindByExternalRef(ctx, "cus_1")
	s.Require().NoError(err)
	s.Equal(id.OrgID("org-A"), owner)
}

func (s *RedisStoreSuite) TestUpdateRevisionGuard() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.newIdentity("org-A", "cus_1")))

	first, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)
	second, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)

	s.bind(first, "nonce-1")
	s.Require().NoError(s.store.Update(ctx, first))
	s.Equal(int64(2), first.Revision)

	s.bind(second, "nonce-2")
	err = s.store.Update(ctx, second)
	s.ErrorIs(err, sentinel.ErrRevisionMiss)
}

func (s *RedisStoreSuite) TestRotationPersistsHistory() {
	ctx := context.Background()

	ident := s.newIdentity("org-A", "cus_1")
	s.bind(ident, "nonce-1")
	s.Require().NoError(s.store.Create(ctx, ident))

	loaded, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)

	replacement, err := models.NewBinding("nonce-2", "org-A", loaded.PublicKey,
		time.Now().UTC(), []byte("sig2"))
	s.Require().NoError(err)
	s.Require().NoError(loaded.RotateBinding(replacement, time.Now().UTC(), "scheduled"))
	s.Require().NoError(s.store.Update(ctx, loaded))

	found, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)
	s.Require().NotNil(found.Binding)
	s.Equal(id.Nonce("nonce-2"), found.Binding.Nonce)
	s.False(found.Binding.IsRevoked())
	s.Require().Len(found.History, 1)
	s.Equal(id.Nonce("nonce-1"), found.History[0].Nonce)
	s.True(found.History[0].IsRevoked())
	s.Equal("scheduled", found.History[0].RevocationReason)
}

func (s *RedisStoreSuite) TestNonceStaysClaimedAfterRotation() {
	ctx := context.Background()

	ident := s.newIdentity("org-A", "cus_1")
	s.bind(ident, "nonce-1")
	s.Require().NoError(s.store.Create(ctx, ident))

	loaded, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)
	replacement, err := models.NewBinding("nonce-2", "org-A", loaded.PublicKey,
		time.Now().UTC(), []byte("sig2"))
	s.Require().NoError(err)
	s.Require().NoError(loaded.RotateBinding(replacement, time.Now().UTC(), "scheduled"))
	s.Require().NoError(s.store.Update(ctx, loaded))

	// The retired nonce belongs to org-A's history forever; no other
	// organization may bind it.
	other := s.newIdentity("org-B", "cus_2")
	s.bind(other, "nonce-1")
	err = s.store.Create(ctx, other)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *RedisStoreSuite) TestNonceUniqueAcrossOrganizations() {
	ctx := context.Background()

	a := s.newIdentity("org-A", "cus_1")
	s.bind(a, "nonce-shared")
	s.Require().NoError(s.store.Create(ctx, a))

	b := s.newIdentity("org-B", "cus_2")
	s.bind(b, "nonce-shared")
	err := s.store.Create(ctx, b)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *RedisStoreSuite) TestConcurrentUpdateSingleWinner() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.newIdentity("org-A", "cus_1")))

	base, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)

	const goroutines = 10
	res := testutil.RunConcurrent(goroutines, func(idx int) error {
		ident := base.Clone()
		b, err := models.NewBinding(id.Nonce(fmt.Sprintf("nonce-%d", idx)), ident.OrgID, ident.PublicKey,
			time.Now().UTC(), []byte("sig"))
		if err != nil {
			return err
		}
		if err := ident.InstallBinding(b); err != nil {
			return err
		}
		return s.store.Update(ctx, ident)
	})

	// Losers fail either the WATCH or the revision check; both count as
	// conflicts.
	s.Equal(int32(1), res.Successes, "exactly one concurrent update should win")
	s.Equal(int32(goroutines-1), res.Conflicts, "losers should observe conflicts")

	found, err := s.store.Get(ctx, "org-A")
	s.Require().NoError(err)
	s.Equal(int64(2), found.Revision)
	s.NotNil(found.Binding)
}

func (s *RedisStoreSuite) TestFindByExternalRef() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.newIdentity("org-A", "cus_1")))

	orgID, err := s.store.FindByExternalRef(ctx, "cus_1")
	s.Require().NoError(err)
	s.Equal(id.OrgID("org-A"), orgID)

	_, err = s.store.FindByExternalRef(ctx, "cus_unknown")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestListByMethod() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.newIdentity("org-B", "cus_2")))
	s.Require().NoError(s.store.Create(ctx, s.newIdentity("org-A", "cus_1")))

	manual, err := models.NewIdentity(
		"org-C",
		id.PublicKeyHex("ab0000000000000000000000000000000000000000000000000000000000cdef"),
		models.ManualVerification{TicketID: "REV-1", Reviewer: "ops"},
		time.Now().UTC(),
	)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(ctx, manual))

	payments, err := s.store.ListByMethod(ctx, models.MethodPayment)
	s.Require().NoError(err)
	s.Require().Len(payments, 2)
	s.Equal(id.OrgID("org-A"), payments[0].OrgID)
	s.Equal(id.OrgID("org-B"), payments[1].OrgID)

	manuals, err := s.store.ListByMethod(ctx, models.MethodManual)
	s.Require().NoError(err)
	s.Require().Len(manuals, 1)
	s.Equal(models.MethodManual, manuals[0].Method.Kind())
}
