// Package fingerprint derives k-anonymity fingerprints from bound nonces.
//
// A fingerprint is a keyed hash of the nonce alone. Organization ids never
// enter the derivation, so downstream systems that group submissions by
// fingerprint bucket cannot walk back to the submitting organization, and a
// nonce rotation re-keys the fingerprint by construction. The pepper is a
// server-side secret; without it, knowing a nonce does not let an outsider
// precompute its fingerprint.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

// MinPepperBytes is the smallest pepper accepted. Anything shorter is a
// configuration mistake, not a deployment choice.
const MinPepperBytes = 16

// Fingerprint is the lowercase hex form of the derived hash, 64 characters.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Bucket returns the fingerprint's cohort prefix. Shorter prefixes mean
// larger anonymity sets; chars is clamped to the fingerprint length.
func (f Fingerprint) Bucket(chars int) string {
	if chars <= 0 {
		return ""
	}
	if chars > len(f) {
		chars = len(f)
	}
	return string(f[:chars])
}

// Equal compares two fingerprints in constant time.
func Equal(a, b Fingerprint) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Deriver computes peppered fingerprints.
type Deriver struct {
	pepper []byte
}

// NewDeriver creates a Deriver from the server-side pepper.
func NewDeriver(pepper []byte) (*Deriver, error) {
	if len(pepper) < MinPepperBytes {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "fingerprint pepper must be at least 16 bytes")
	}
	out := make([]byte, len(pepper))
	copy(out, pepper)
	return &Deriver{pepper: out}, nil
}

// NewDeriverFromHex creates a Deriver from a hex-encoded pepper, the form it
// takes in configuration.
func NewDeriverFromHex(pepperHex string) (*Deriver, error) {
	pepper, err := hex.DecodeString(pepperHex)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "fingerprint pepper must be hex encoded")
	}
	return NewDeriver(pepper)
}

// Derive computes the fingerprint for a nonce: HMAC-SHA256 keyed with the
// pepper, hex encoded.
func (d *Deriver) Derive(n id.Nonce) Fingerprint {
	mac := hmac.New(sha256.New, d.pepper)
	mac.Write([]byte(n))
	return Fingerprint(hex.EncodeToString(mac.Sum(nil)))
}

// DeriveBucket derives the fingerprint and returns its cohort prefix in one
// step, for callers that never need the full value.
func (d *Deriver) DeriveBucket(n id.Nonce, chars int) string {
	return d.Derive(n).Bucket(chars)
}
