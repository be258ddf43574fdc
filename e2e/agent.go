package e2e

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
)

// SigningAgent plays the organization side of the bind handshake: a local
// HTTP endpoint that signs whatever canonical message the service POSTs to
// it. One agent (one keypair) serves every organization in a scenario.
type SigningAgent struct {
	server *httptest.Server
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

type signRequest struct {
	Message string `json:"message"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// NewSigningAgent generates a keypair and starts the callback listener.
func NewSigningAgent() (*SigningAgent, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	agent := &SigningAgent{pub: pub, priv: priv}
	agent.server = httptest.NewServer(http.HandlerFunc(agent.handleSign))
	return agent, nil
}

func (a *SigningAgent) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	message, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		http.Error(w, "message is not base64", http.StatusBadRequest)
		return
	}

	sig := ed25519.Sign(a.priv, message)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(signResponse{
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
}

// Endpoint is the URL the service should POST canonical messages to.
func (a *SigningAgent) Endpoint() string {
	return a.server.URL
}

// PublicKeyHex is the registration form of the agent's public key.
func (a *SigningAgent) PublicKeyHex() string {
	return hex.EncodeToString(a.pub)
}

// Close stops the callback listener.
func (a *SigningAgent) Close() {
	a.server.Close()
}
