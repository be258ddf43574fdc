package main

import (
	"crypto/sha256"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort      = "8092"
	defaultToken     = "codehost-secret-token"
	defaultLatencyMs = "100"
)

type OrgResponse struct {
	Slug        string `json:"slug"`
	PublicRepos int    `json:"public_repos"`
	Suspended   bool   `json:"suspended"`
	CreatedAt   string `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

var (
	token     = getEnv("API_TOKEN", defaultToken)
	latencyMs = getEnvInt("LATENCY_MS", defaultLatencyMs)
)

func main() {
	port := getEnv("PORT", defaultPort)

	http.HandleFunc("/health", handleHealth)
	http.HandleFunc("/api/v1/orgs/", handleOrgLookup)

	log.Printf("🐙 Mock Code Host API starting on port %s", port)
	log.Printf("📝 API Token: %s", token)
	log.Printf("⏱️  Simulated latency: %dms", latencyMs)

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal(err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "codehost",
		"version": "1.0.0",
	})
}

// testOrgs contains predefined accounts for specific slugs. These "magic"
// slugs allow e2e tests to control the mock's behavior.
var testOrgs = map[string]func() *OrgResponse{
	"acme-os": func() *OrgResponse {
		return &OrgResponse{
			Slug:        "acme-os",
			PublicRepos: 42,
			CreatedAt:   "2015-04-01T00:00:00Z",
		}
	},
	"suspended-org": func() *OrgResponse {
		return &OrgResponse{
			Slug:        "suspended-org",
			PublicRepos: 7,
			Suspended:   true,
			CreatedAt:   "2018-09-12T00:00:00Z",
		}
	},
	"fresh-org": func() *OrgResponse {
		// Created a week ago, fails the account age gate.
		return &OrgResponse{
			Slug:        "fresh-org",
			PublicRepos: 1,
			CreatedAt:   time.Now().UTC().AddDate(0, 0, -7).Format(time.RFC3339),
		}
	},
	"empty-org": func() *OrgResponse {
		return &OrgResponse{
			Slug:        "empty-org",
			PublicRepos: 0,
			CreatedAt:   "2012-01-20T00:00:00Z",
		}
	},
}

// notFoundOrgs contains slugs that should return 404.
var notFoundOrgs = map[string]bool{
	"ghost-org":   true,
	"deleted-org": true,
}

// faultOrgs maps slugs to simulated collaborator failures.
var faultOrgs = map[string]int{
	"ratelimited-org": http.StatusTooManyRequests,
	"outage-org":      http.StatusBadGateway,
}

func handleOrgLookup(w http.ResponseWriter, r *http.Request) {
	time.Sleep(time.Duration(latencyMs) * time.Millisecond)

	log.Printf("📥 Incoming request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if r.Method != http.MethodGet {
		sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		sendError(w, "Missing Authorization header", http.StatusUnauthorized)
		return
	}
	if authHeader != "Bearer "+token {
		sendError(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	slug := strings.TrimPrefix(r.URL.Path, "/api/v1/orgs/")
	if slug == "" || strings.Contains(slug, "/") {
		sendError(w, "org slug is required", http.StatusBadRequest)
		return
	}

	if status, ok := faultOrgs[slug]; ok {
		sendError(w, "Simulated failure", status)
		log.Printf("💥 Simulated failure for org (test slug): %s -> %d", slug, status)
		return
	}

	if notFoundOrgs[slug] {
		sendError(w, "Organization not found", http.StatusNotFound)
		log.Printf("🔍 Organization not found (test slug): %s", slug)
		return
	}

	var org OrgResponse
	if testFn, ok := testOrgs[slug]; ok {
		org = *testFn()
		log.Printf("🧪 Using test org data for: %s", slug)
	} else {
		org = generateOrg(slug)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(org)

	log.Printf("✅ Org lookup successful: %s (repos=%d suspended=%v)", slug, org.PublicRepos, org.Suspended)
}

// generateOrg derives a deterministic account from the slug: one to ten
// years old, up to fifty public repos, a sliver suspended.
func generateOrg(slug string) OrgResponse {
	hash := sha256.Sum256([]byte(slug))

	ageYears := 1 + int(hash[0])%10
	createdAt := time.Now().UTC().AddDate(-ageYears, -(int(hash[1]) % 12), 0)

	return OrgResponse{
		Slug:        slug,
		PublicRepos: int(hash[2]) % 50,
		Suspended:   hash[3]%25 == 0,
		CreatedAt:   createdAt.Format(time.RFC3339),
	}
}

func sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
	log.Printf("❌ Error response: %d - %s", code, message)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key, defaultValue string) int {
	value := getEnv(key, defaultValue)
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("⚠️  Invalid integer value for %s, using default: %s", key, defaultValue)
		intValue, _ = strconv.Atoi(defaultValue)
	}
	return intValue
}
