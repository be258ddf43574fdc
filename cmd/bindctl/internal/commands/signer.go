package commands

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"fides/internal/binding/proof"
)

// resolveSigner returns the signing endpoint a binding request should carry.
// A key file spins up an ephemeral loopback signer; the returned stop
// function must run after the API call completes.
func resolveSigner(endpoint, keyPath string) (string, func(), error) {
	switch {
	case endpoint != "" && keyPath != "":
		return "", nil, fmt.Errorf("--signing-endpoint and --signing-key are mutually exclusive")
	case endpoint != "":
		return endpoint, func() {}, nil
	case keyPath != "":
		return serveSigner(keyPath)
	default:
		return "", nil, fmt.Errorf("either --signing-endpoint or --signing-key is required")
	}
}

// serveSigner exposes the key at keyPath through a loopback endpoint
// speaking the service's callback signing protocol. The service must be
// able to reach this host, which holds for local and single-host setups;
// remote deployments should run their own signing endpoint instead.
func serveSigner(keyPath string) (string, func(), error) {
	signer, err := proof.LoadLocalSigner(keyPath)
	if err != nil {
		return "", nil, err
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("start loopback signer: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sign", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed signing request", http.StatusBadRequest)
			return
		}
		message, err := base64.StdEncoding.DecodeString(req.Message)
		if err != nil {
			http.Error(w, "message is not valid base64", http.StatusBadRequest)
			return
		}
		signature, err := signer.Sign(r.Context(), message)
		if err != nil {
			http.Error(w, "signing failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // loopback reply
			"signature": base64.StdEncoding.EncodeToString(signature),
		})
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(lis) //nolint:errcheck // closed via stop

	stop := func() {
		srv.Close() //nolint:errcheck // ephemeral listener
	}
	return fmt.Sprintf("http://%s/sign", lis.Addr().String()), stop, nil
}
