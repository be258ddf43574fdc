package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "fides/pkg/domain-errors"
)

func newDeriver(t *testing.T, pepper string) *Deriver {
	t.Helper()
	d, err := NewDeriver([]byte(pepper))
	require.NoError(t, err)
	return d
}

func TestDerive(t *testing.T) {
	d := newDeriver(t, "0123456789abcdef")

	t.Run("is deterministic for the same pepper and nonce", func(t *testing.T) {
		assert.Equal(t, d.Derive("nonce-1"), d.Derive("nonce-1"))
	})

	t.Run("produces 64 lowercase hex characters", func(t *testing.T) {
		fp := d.Derive("nonce-1")
		assert.Len(t, fp.String(), 64)
		assert.Equal(t, strings.ToLower(fp.String()), fp.String())
		for _, c := range fp.String() {
			assert.Contains(t, "0123456789abcdef", string(c))
		}
	})

	t.Run("changes when the nonce changes", func(t *testing.T) {
		assert.NotEqual(t, d.Derive("nonce-1"), d.Derive("nonce-2"))
	})

	t.Run("changes when the pepper changes", func(t *testing.T) {
		other := newDeriver(t, "fedcba9876543210")
		assert.NotEqual(t, d.Derive("nonce-1"), other.Derive("nonce-1"))
	})

	t.Run("rotation re-keys the fingerprint", func(t *testing.T) {
		// The derivation sees only the nonce, so two nonces bound by the
		// same organization share nothing.
		before := d.Derive("org-A-first-nonce")
		after := d.Derive("org-A-rotated-nonce")
		assert.NotEqual(t, before, after)
		assert.False(t, Equal(before, after))
	})
}

func TestBucket(t *testing.T) {
	d := newDeriver(t, "0123456789abcdef")
	fp := d.Derive("nonce-1")

	t.Run("returns the fingerprint prefix", func(t *testing.T) {
		bucket := fp.Bucket(8)
		assert.Len(t, bucket, 8)
		assert.True(t, strings.HasPrefix(fp.String(), bucket))
	})

	t.Run("same nonce lands in the same bucket", func(t *testing.T) {
		assert.Equal(t, d.DeriveBucket("nonce-1", 8), fp.Bucket(8))
	})

	t.Run("clamps out-of-range widths", func(t *testing.T) {
		assert.Empty(t, fp.Bucket(0))
		assert.Empty(t, fp.Bucket(-3))
		assert.Equal(t, fp.String(), fp.Bucket(500))
	})
}

func TestEqual(t *testing.T) {
	d := newDeriver(t, "0123456789abcdef")
	assert.True(t, Equal(d.Derive("nonce-1"), d.Derive("nonce-1")))
	assert.False(t, Equal(d.Derive("nonce-1"), d.Derive("nonce-2")))
}

func TestNewDeriver(t *testing.T) {
	t.Run("rejects a short pepper", func(t *testing.T) {
		_, err := NewDeriver([]byte("too-short"))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("copies the pepper", func(t *testing.T) {
		pepper := []byte("0123456789abcdef")
		d, err := NewDeriver(pepper)
		require.NoError(t, err)
		before := d.Derive("nonce-1")

		pepper[0] = 'x'
		assert.Equal(t, before, d.Derive("nonce-1"))
	})

	t.Run("accepts a hex pepper from configuration", func(t *testing.T) {
		d, err := NewDeriverFromHex("30313233343536373839616263646566")
		require.NoError(t, err)
		// Same bytes as the literal pepper above.
		assert.Equal(t, newDeriver(t, "0123456789abcdef").Derive("n"), d.Derive("n"))
	})

	t.Run("rejects a non-hex pepper", func(t *testing.T) {
		_, err := NewDeriverFromHex("zz")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}
