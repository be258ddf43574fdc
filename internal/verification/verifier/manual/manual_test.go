package manual

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fides/internal/identity/models"
	"fides/internal/verification/verifier"
)

// brokenSource simulates an unreachable approval store.
type brokenSource struct{}

func (brokenSource) Fetch(context.Context, string) (*Approval, error) {
	return nil, errors.New("connection refused")
}

func (brokenSource) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts an approved ticket", func(t *testing.T) {
		source := NewMemorySource()
		source.Approve(Approval{
			TicketID: "REV-100",
			Reviewer: "ops-alice",
			Notes:    "charter and records checked",
		})

		outcome, err := NewVerifier(source).Verify(ctx, "org-A", "REV-100")
		require.NoError(t, err)
		assert.True(t, outcome.Verified)
		assert.Equal(t, "ops-alice", outcome.Metadata[models.MetaReviewer])
		assert.Equal(t, "charter and records checked", outcome.Metadata[models.MetaNotes])
	})

	t.Run("rejects a missing ticket", func(t *testing.T) {
		outcome, err := NewVerifier(NewMemorySource()).Verify(ctx, "org-A", "REV-404")
		require.NoError(t, err)
		assert.False(t, outcome.Verified)
		assert.Equal(t, "no approved review ticket", outcome.Reason)
	})

	t.Run("rejects a ticket approved for another organization", func(t *testing.T) {
		source := NewMemorySource()
		source.Approve(Approval{
			TicketID: "REV-200",
			OrgID:    "org-B",
			Reviewer: "ops-bob",
		})

		outcome, err := NewVerifier(source).Verify(ctx, "org-A", "REV-200")
		require.NoError(t, err)
		assert.False(t, outcome.Verified)
		assert.Contains(t, outcome.Reason, "different organization")
	})

	t.Run("accepts a ticket pinned to the requesting organization", func(t *testing.T) {
		source := NewMemorySource()
		source.Approve(Approval{
			TicketID: "REV-300",
			OrgID:    "org-A",
			Reviewer: "ops-bob",
		})

		outcome, err := NewVerifier(source).Verify(ctx, "org-A", "REV-300")
		require.NoError(t, err)
		assert.True(t, outcome.Verified)
	})

	t.Run("reports source trouble as an outage", func(t *testing.T) {
		_, err := NewVerifier(brokenSource{}).Verify(ctx, "org-A", "REV-500")
		require.Error(t, err)
		assert.Equal(t, verifier.ErrorOutage, verifier.CategoryOf(err))
		assert.True(t, verifier.IsRetryable(err))
	})
}

func TestMethod(t *testing.T) {
	assert.Equal(t, models.MethodManual, NewVerifier(NewMemorySource()).Method())
}

func TestHealth(t *testing.T) {
	assert.NoError(t, NewVerifier(NewMemorySource()).Health(context.Background()))
	assert.Error(t, NewVerifier(brokenSource{}).Health(context.Background()))
}
