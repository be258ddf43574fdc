// A toy submission gate: the smallest downstream service that consumes the
// binding validation contract. It forwards (org_id, nonce) to the identity
// service, accepts or rejects the submission on the answer, and tags
// accepted submissions with a locally derived cohort fingerprint. Runs
// against a development server seeded with demo organizations.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

type submission struct {
	OrgID    string `json:"org_id"`
	Nonce    string `json:"nonce"`
	Artifact string `json:"artifact"`
}

type validateRequest struct {
	OrgID string `json:"org_id"`
	Nonce string `json:"nonce"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type gateResponse struct {
	Message string `json:"message"`
	Cohort  string `json:"cohort,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
}

func main() {
	port := getenv("PORT", "9000")
	fidesURL := getenv("FIDES_URL", "http://localhost:8080")
	pepper := getenv("GATE_PEPPER", "lab-pepper-not-secret")
	client := &http.Client{Timeout: 5 * time.Second}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gateResponse{Message: "ok"})
	})
	mux.HandleFunc("/submissions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, gateResponse{Message: "POST only"})
			return
		}
		var sub submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeJSON(w, http.StatusBadRequest, gateResponse{Message: "invalid request body"})
			return
		}
		if sub.OrgID == "" || sub.Nonce == "" {
			writeJSON(w, http.StatusBadRequest, gateResponse{Message: "org_id and nonce are required"})
			return
		}

		verdict, err := validate(client, fidesURL, sub.OrgID, sub.Nonce)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, gateResponse{
				Message: "validation service unreachable",
				Warning: err.Error(),
			})
			return
		}
		if !verdict.Valid {
			writeJSON(w, http.StatusForbidden, gateResponse{
				Message: "submission rejected",
				Reason:  verdict.Reason,
			})
			return
		}

		writeJSON(w, http.StatusOK, gateResponse{
			Message: "submission accepted",
			Cohort:  cohort(pepper, sub.Nonce),
			Warning: "artifact content not inspected; the gate checks the binding only",
		})
	})

	addr := fmt.Sprintf(":%s", port)
	log.Printf("toy submission gate listening on %s, validating against %s", addr, fidesURL)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Fatal(srv.ListenAndServe())
}

func validate(client *http.Client, baseURL, orgID, nonce string) (*validateResponse, error) {
	body, err := json.Marshal(validateRequest{OrgID: orgID, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	resp, err := client.Post(baseURL+"/bindings/validate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validation endpoint returned %d: %s", resp.StatusCode, raw)
	}
	var verdict validateResponse
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// cohort derives the gate's own k-anonymity bucket from the nonce. Each
// downstream consumer holds its own pepper, so cohorts are never
// comparable across services and rotation re-keys them everywhere.
func cohort(pepper, nonce string) string {
	sum := sha256.Sum256([]byte(pepper + "|" + nonce))
	return hex.EncodeToString(sum[:])[:8]
}

func writeJSON(w http.ResponseWriter, status int, payload gateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
