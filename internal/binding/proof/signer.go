package proof

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

// Signer produces an ownership proof over a canonical binding message.
// The engine calls it whenever a binding is minted; implementations hold the
// organization's private key or reach a service that does.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// LocalSigner signs with an in-process Ed25519 private key. The CLI builds
// one from an operator-held key file; tests build one from a generated key.
type LocalSigner struct {
	priv ed25519.PrivateKey
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner wraps an Ed25519 private key.
func NewLocalSigner(priv ed25519.PrivateKey) (*LocalSigner, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv)))
	}
	return &LocalSigner{priv: priv}, nil
}

// LoadLocalSigner reads a hex-encoded Ed25519 key from a file. Both the
// 32-byte seed form and the 64-byte expanded form are accepted.
func LoadLocalSigner(path string) (*LocalSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "failed to read key file")
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "key file is not valid hex")
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &LocalSigner{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &LocalSigner{priv: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("key file must hold a %d-byte seed or %d-byte private key, got %d bytes",
				ed25519.SeedSize, ed25519.PrivateKeySize, len(raw)))
	}
}

// Sign signs the message with the held key.
func (s *LocalSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

// PublicKeyHex returns the signer's public key in the registration format.
func (s *LocalSigner) PublicKeyHex() id.PublicKeyHex {
	return id.PublicKeyHex(hex.EncodeToString(s.priv.Public().(ed25519.PublicKey)))
}

// signRequest is the body POSTed to an organization's signing endpoint.
type signRequest struct {
	Message string `json:"message"` // base64 canonical message
}

// signResponse is the expected reply from a signing endpoint.
type signResponse struct {
	Signature string `json:"signature"` // base64 Ed25519 signature
}

// maxSignResponseBytes bounds how much of a signing reply is read. A valid
// response is a short JSON object; anything larger is garbage.
const maxSignResponseBytes = 4096

// CallbackSigner obtains proofs from an organization-operated signing
// endpoint. The canonical message is POSTed there and the organization
// answers with the signature, so its private key never transits this service.
type CallbackSigner struct {
	endpoint   string
	httpClient *http.Client
}

var _ Signer = (*CallbackSigner)(nil)

// CallbackSignerOption configures the CallbackSigner.
type CallbackSignerOption func(*CallbackSigner)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(client *http.Client) CallbackSignerOption {
	return func(c *CallbackSigner) {
		c.httpClient = client
	}
}

// NewCallbackSigner creates a signer that delegates to the given endpoint.
func NewCallbackSigner(endpoint string, timeout time.Duration, opts ...CallbackSignerOption) *CallbackSigner {
	c := &CallbackSigner{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sign requests a signature over message from the signing endpoint.
func (c *CallbackSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	reqBody, err := json.Marshal(signRequest{Message: base64.StdEncoding.EncodeToString(message)})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to marshal signing request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid signing endpoint")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "signing endpoint timed out")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeSignerUnavailable, "signing endpoint unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSignResponseBytes))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSignerUnavailable, "failed to read signing response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.New(dErrors.CodeSignerUnavailable,
			fmt.Sprintf("signing endpoint returned status %d", resp.StatusCode))
	}

	var signResp signResponse
	if err := json.Unmarshal(body, &signResp); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidProof, "signing endpoint returned malformed response")
	}
	sig, err := base64.StdEncoding.DecodeString(signResp.Signature)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidProof, "signature is not valid base64")
	}
	if len(sig) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidProof, "signing endpoint returned an empty signature")
	}
	return sig, nil
}
