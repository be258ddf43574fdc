// Package nonce mints binding credentials. Generation is a strategy the
// engine receives at construction time: deployments that already operate a
// nonce codec plug it in, everyone else uses raw random tokens.
package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

// Generator mints a fresh nonce for an organization. Implementations must
// make collisions negligible against expected organization counts; the
// engine additionally relies on the store's uniqueness check as a backstop
// and retries generation on conflict.
type Generator interface {
	Generate(orgID id.OrgID, now time.Time) (id.Nonce, error)
}

// EntropyBytes is the random token size: 256 bits, the floor for treating
// collisions as negligible.
const EntropyBytes = 32

// RandomGenerator mints opaque random tokens from crypto/rand, encoded as
// unpadded URL-safe base64.
type RandomGenerator struct {
	size int
}

// NewRandomGenerator creates a RandomGenerator with 256-bit tokens.
func NewRandomGenerator() *RandomGenerator {
	return &RandomGenerator{size: EntropyBytes}
}

var _ Generator = (*RandomGenerator)(nil)

func (g *RandomGenerator) Generate(_ id.OrgID, _ time.Time) (id.Nonce, error) {
	buf := make([]byte, g.size)
	if _, err := rand.Read(buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "read nonce entropy")
	}
	return id.Nonce(base64.RawURLEncoding.EncodeToString(buf)), nil
}
