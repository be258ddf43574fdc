package nonce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

func TestRandomGenerator(t *testing.T) {
	g := NewRandomGenerator()

	t.Run("mints distinct tokens", func(t *testing.T) {
		seen := make(map[id.Nonce]bool)
		for range 100 {
			n, err := g.Generate("org-A", time.Now())
			require.NoError(t, err)
			require.False(t, seen[n], "generator repeated a nonce")
			seen[n] = true
		}
	})

	t.Run("tokens carry 256 bits", func(t *testing.T) {
		n, err := g.Generate("org-A", time.Now())
		require.NoError(t, err)
		// 32 bytes in unpadded URL-safe base64
		assert.Len(t, n.String(), 43)
	})

	t.Run("tokens pass domain parsing", func(t *testing.T) {
		n, err := g.Generate("org-A", time.Now())
		require.NoError(t, err)
		_, err = id.ParseNonce(n.String())
		assert.NoError(t, err)
	})
}

func TestCodecGenerator(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	t.Run("requires a real key", func(t *testing.T) {
		_, err := NewCodecGenerator([]byte("short"))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("mints decodable self-describing nonces", func(t *testing.T) {
		g, err := NewCodecGenerator(key)
		require.NoError(t, err)

		minted := time.Now().Truncate(time.Second)
		n, err := g.Generate("org-A", minted)
		require.NoError(t, err)

		claims, err := g.Decode(n)
		require.NoError(t, err)
		assert.Equal(t, "org-A", claims.Subject)
		assert.NotEmpty(t, claims.Salt)
		assert.Equal(t, minted.Unix(), claims.IssuedAt.Unix())
	})

	t.Run("salt makes same-instant nonces distinct", func(t *testing.T) {
		g, err := NewCodecGenerator(key)
		require.NoError(t, err)

		now := time.Now()
		a, err := g.Generate("org-A", now)
		require.NoError(t, err)
		b, err := g.Generate("org-A", now)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects nonces signed with another key", func(t *testing.T) {
		g, err := NewCodecGenerator(key)
		require.NoError(t, err)
		other, err := NewCodecGenerator([]byte("ffffffffffffffffffffffffffffffff"))
		require.NoError(t, err)

		n, err := other.Generate("org-A", time.Now())
		require.NoError(t, err)

		_, err = g.Decode(n)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects random tokens", func(t *testing.T) {
		g, err := NewCodecGenerator(key)
		require.NoError(t, err)

		n, err := NewRandomGenerator().Generate("org-A", time.Now())
		require.NoError(t, err)

		_, err = g.Decode(n)
		assert.Error(t, err)
	})
}
