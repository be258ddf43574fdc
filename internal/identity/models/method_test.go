package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

func TestMethodFromMetadata(t *testing.T) {
	t.Run("payment variant", func(t *testing.T) {
		m, err := MethodFromMetadata(MethodPayment, "cus_9XKzR2m", map[string]string{
			MetaProcessor: "stripe",
			MetaPlanID:    "team-annual",
		})
		require.NoError(t, err)

		pv, ok := m.(PaymentVerification)
		require.True(t, ok)
		assert.Equal(t, id.ExternalRef("cus_9XKzR2m"), pv.CustomerID)
		assert.Equal(t, "stripe", pv.Processor)
		assert.Equal(t, "team-annual", pv.PlanID)
		assert.Equal(t, id.ExternalRef("cus_9XKzR2m"), m.Ref())
	})

	t.Run("code host variant parses repo count", func(t *testing.T) {
		m, err := MethodFromMetadata(MethodCodeHost, "gh/acme", map[string]string{
			MetaHost:        "github.com",
			MetaPublicRepos: "42",
		})
		require.NoError(t, err)

		cv, ok := m.(CodeHostVerification)
		require.True(t, ok)
		assert.Equal(t, "github.com", cv.Host)
		assert.Equal(t, 42, cv.PublicRepos)
	})

	t.Run("code host variant tolerates malformed repo count", func(t *testing.T) {
		m, err := MethodFromMetadata(MethodCodeHost, "gh/acme", map[string]string{
			MetaPublicRepos: "lots",
		})
		require.NoError(t, err)
		assert.Equal(t, 0, m.(CodeHostVerification).PublicRepos)
	})

	t.Run("manual variant", func(t *testing.T) {
		m, err := MethodFromMetadata(MethodManual, "REV-1042", map[string]string{
			MetaReviewer: "ops-alice",
		})
		require.NoError(t, err)
		assert.Equal(t, MethodManual, m.Kind())
		assert.Equal(t, id.ExternalRef("REV-1042"), m.Ref())
	})

	t.Run("rejects empty reference", func(t *testing.T) {
		_, err := MethodFromMetadata(MethodPayment, "", nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		_, err := MethodFromMetadata(MethodKind("carrier_pigeon"), "ref-1", nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func TestParseMethodKind(t *testing.T) {
	for _, raw := range []string{"external_payment", "external_code_host", "manual"} {
		k, err := ParseMethodKind(raw)
		require.NoError(t, err)
		assert.True(t, k.IsValid())
	}

	_, err := ParseMethodKind("smoke_signal")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestMethodEncodeDecode(t *testing.T) {
	variants := []Method{
		PaymentVerification{CustomerID: "cus_1", Processor: "stripe"},
		CodeHostVerification{OrgSlug: "gh/acme", Host: "github.com", PublicRepos: 7},
		ManualVerification{TicketID: "REV-7", Reviewer: "ops-bob", Notes: "charter reviewed"},
	}

	for _, v := range variants {
		data, err := EncodeMethod(v)
		require.NoError(t, err)

		got, err := DecodeMethod(data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	t.Run("unknown stored kind fails loudly", func(t *testing.T) {
		_, err := DecodeMethod([]byte(`{"kind":"telegraph","meta":{}}`))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	})

	t.Run("nil method rejected", func(t *testing.T) {
		_, err := EncodeMethod(nil)
		assert.Error(t, err)
	})
}
