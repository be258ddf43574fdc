// Package proof builds and verifies the ownership proofs that tie a nonce
// binding to an organization's key pair. A proof is an Ed25519 signature over
// a canonical message derived from the binding, so possession of the private
// key is demonstrated without the key itself ever reaching the service.
package proof

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

// messagePrefix versions the canonical signing format. A change to the
// message layout needs a new prefix so proofs minted under the old layout
// stay verifiable.
const messagePrefix = "fides.binding.v1"

// CanonicalMessage is the exact byte sequence an organization signs to prove
// ownership of a binding. Timestamps are rendered in UTC RFC3339Nano so the
// signer and the verifier agree byte for byte.
func CanonicalMessage(nonce id.Nonce, orgID id.OrgID, boundAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", messagePrefix, nonce, orgID, boundAt.UTC().Format(time.RFC3339Nano)))
}

// Verify checks sig against the canonical message for (nonce, orgID, boundAt)
// using the organization's registered public key. Returns CodeInvalidProof
// when the signature does not verify and CodeInvalidPublicKeyFormat when the
// key material is not a usable Ed25519 key.
func Verify(key id.PublicKeyHex, nonce id.Nonce, orgID id.OrgID, boundAt time.Time, sig []byte) error {
	pub, err := DecodePublicKey(key)
	if err != nil {
		return err
	}
	if len(sig) == 0 {
		return dErrors.New(dErrors.CodeInvalidProof, "ownership proof is empty")
	}
	if !ed25519.Verify(pub, CanonicalMessage(nonce, orgID, boundAt), sig) {
		return dErrors.New(dErrors.CodeInvalidProof, "ownership proof does not verify against the registered key")
	}
	return nil
}

// DecodePublicKey turns registered hex key material into an Ed25519 public
// key. The registration format admits a range of key sizes; binding proofs
// specifically require ed25519.PublicKeySize bytes.
func DecodePublicKey(key id.PublicKeyHex) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(key.String())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidPublicKeyFormat, "public key is not valid hex")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, dErrors.New(dErrors.CodeInvalidPublicKeyFormat,
			fmt.Sprintf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw)))
	}
	return ed25519.PublicKey(raw), nil
}
