// Package e2e drives the binding lifecycle through a running fides server.
//
// The suite assumes a freshly started development server (memory store,
// payment verifier pointed at the mock processor): external references are
// claimed forever, so rerunning against a warm server trips the
// duplicate-reference guard by design.
//
// Required environment:
//
//	BASE_URL              server under test, default http://localhost:8080
//	FIDES_OPERATOR_TOKEN  plaintext operator token; the server must run with
//	                      the matching FIDES_OPERATOR_TOKEN_HASH
//	                      (mint both with `bindctl token-hash`)
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// TestContext carries scenario state: the last response, the nonces issued
// to each organization, and the local signing agent that answers proof
// callbacks for every onboarded organization.
type TestContext struct {
	BaseURL       string
	OperatorToken string
	HTTPClient    *http.Client

	LastResponse     *http.Response
	LastResponseBody string

	Agent      *SigningAgent
	CurrentOrg string
	Nonces     map[string]string
	Remembered string
}

func NewTestContext() (*TestContext, error) {
	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	token := os.Getenv("FIDES_OPERATOR_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("FIDES_OPERATOR_TOKEN is not set; mint a token and hash with `bindctl token-hash` and start the server with the hash")
	}

	agent, err := NewSigningAgent()
	if err != nil {
		return nil, fmt.Errorf("start signing agent: %w", err)
	}

	return &TestContext{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		OperatorToken: token,
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
		Agent:         agent,
		Nonces:        make(map[string]string),
	}, nil
}

// Close shuts down the signing agent. The server keeps whatever state the
// scenario created; isolation comes from scenario-unique organization ids.
func (tc *TestContext) Close() {
	if tc.Agent != nil {
		tc.Agent.Close()
	}
}

func (tc *TestContext) POST(path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, tc.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tc.authorize(req)

	return tc.do(req)
}

func (tc *TestContext) GET(path string) error {
	req, err := http.NewRequest(http.MethodGet, tc.BaseURL+path, nil)
	if err != nil {
		return err
	}
	tc.authorize(req)

	return tc.do(req)
}

// authorize attaches the operator token. The public validation endpoint
// ignores it, so sending it everywhere is harmless.
func (tc *TestContext) authorize(req *http.Request) {
	if tc.OperatorToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.OperatorToken)
	}
}

func (tc *TestContext) do(req *http.Request) error {
	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	tc.LastResponse = resp
	tc.LastResponseBody = string(body)
	return nil
}

// GetResponseField decodes the last response body and returns one top-level
// field, or an error naming what is actually there.
func (tc *TestContext) GetResponseField(field string) (interface{}, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(tc.LastResponseBody), &parsed); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %s", tc.LastResponseBody)
	}
	value, ok := parsed[field]
	if !ok {
		return nil, fmt.Errorf("response has no field %q: %s", field, tc.LastResponseBody)
	}
	return value, nil
}

func (tc *TestContext) ResponseContains(substring string) bool {
	return strings.Contains(tc.LastResponseBody, substring)
}

func (tc *TestContext) GetLastResponseStatus() int {
	if tc.LastResponse == nil {
		return 0
	}
	return tc.LastResponse.StatusCode
}

func (tc *TestContext) GetLastResponseBody() string {
	return tc.LastResponseBody
}
