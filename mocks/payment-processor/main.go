package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	defaultPort      = "8091"
	defaultAPIKey    = "payment-processor-secret-key"
	defaultLatencyMs = "100"
)

type CheckRequest struct {
	CustomerID string `json:"customer_id"`
}

type CheckResponse struct {
	CustomerID string `json:"customer_id"`
	Processor  string `json:"processor"`
	PlanID     string `json:"plan_id"`
	Standing   string `json:"standing"`
	CheckedAt  string `json:"checked_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

var (
	apiKey    = getEnv("API_KEY", defaultAPIKey)
	latencyMs = getEnvInt("LATENCY_MS", defaultLatencyMs)
)

func main() {
	port := getEnv("PORT", defaultPort)

	http.HandleFunc("/health", handleHealth)
	http.HandleFunc("/api/v1/customers/check", handleCustomerCheck)

	log.Printf("💳 Mock Payment Processor API starting on port %s", port)
	log.Printf("📝 API Key: %s", apiKey)
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
		"service": "payment-processor",
		"version": "1.0.0",
	})
}

// testCustomers contains predefined standings for specific customer IDs.
// These "magic" IDs allow e2e tests to control the mock's behavior.
var testCustomers = map[string]string{
	"CUST-ACTIVE-1":  "active",
	"CUST-ACTIVE-2":  "active",
	"DELINQUENT123":  "delinquent",
	"CLOSED123":      "closed",
	"TRIAL123":       "trial", // unknown standing, rejected by the verifier
	"SHAREDREF123":   "active",
	"AUDITCUST123":   "active",
	"ROTATECUST123":  "active",
	"REVOKECUST1234": "active",
}

// notFoundCustomers contains customer IDs that should return 404.
var notFoundCustomers = map[string]bool{
	"UNKNOWN999": true,
	"GHOST123":   true,
}

// faultCustomers maps customer IDs to simulated collaborator failures.
var faultCustomers = map[string]int{
	"RATELIMIT123": http.StatusTooManyRequests,
	"OUTAGE123":    http.StatusServiceUnavailable,
}

func handleCustomerCheck(w http.ResponseWriter, r *http.Request) {
	time.Sleep(time.Duration(latencyMs) * time.Millisecond)

	log.Printf("📥 Incoming request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if r.Method != http.MethodPost {
		sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	authHeader := r.Header.Get("X-API-Key")
	if authHeader == "" {
		sendError(w, "Missing X-API-Key header", http.StatusUnauthorized)
		return
	}
	if authHeader != apiKey {
		sendError(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.CustomerID == "" {
		sendError(w, "customer_id is required", http.StatusBadRequest)
		return
	}

	if status, ok := faultCustomers[req.CustomerID]; ok {
		sendError(w, "Simulated failure", status)
		log.Printf("💥 Simulated failure for customer (test ID): %s -> %d", req.CustomerID, status)
		return
	}

	if notFoundCustomers[req.CustomerID] {
		sendError(w, "Customer not found", http.StatusNotFound)
		log.Printf("🔍 Customer not found (test ID): %s", req.CustomerID)
		return
	}

	standing, ok := testCustomers[req.CustomerID]
	if ok {
		log.Printf("🧪 Using test standing for: %s", req.CustomerID)
	} else {
		standing = generateStanding(req.CustomerID)
	}

	resp := CheckResponse{
		CustomerID: req.CustomerID,
		Processor:  "mockpay",
		PlanID:     generatePlan(req.CustomerID),
		Standing:   standing,
		CheckedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)

	log.Printf("✅ Customer check successful: %s -> standing=%s plan=%s", req.CustomerID, resp.Standing, resp.PlanID)
}

// generateStanding derives a deterministic standing from the customer ID:
// mostly active, a sliver of delinquent and closed accounts.
func generateStanding(customerID string) string {
	hash := sha256.Sum256([]byte(customerID))
	switch hash[0] % 20 {
	case 0:
		return "delinquent"
	case 1:
		return "closed"
	default:
		return "active"
	}
}

func generatePlan(customerID string) string {
	plans := []string{"starter", "team", "business", "enterprise"}
	hash := sha256.Sum256([]byte(customerID))
	return fmt.Sprintf("%s-%02d", plans[int(hash[1])%len(plans)], hash[2]%100)
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
