// Package payment verifies organizations against a payment processor
// account-standing API.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fides/internal/identity/models"
	"fides/internal/verification/verifier"
	id "fides/pkg/domain"
)

// HTTPClient implements verifier.Verifier by calling the payment processor's
// customer verification endpoint. The external reference is the processor's
// customer id; an organization passes when that customer exists and its
// account standing is active.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

var _ verifier.Verifier = (*HTTPClient)(nil)

// HTTPClientOption configures the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// NewHTTPClient creates a payment processor verifier.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Method() models.MethodKind { return models.MethodPayment }

// checkRequest is the request body for a customer standing check.
type checkRequest struct {
	CustomerID string `json:"customer_id"`
}

// checkResponse is the processor's answer for a known customer.
type checkResponse struct {
	CustomerID string `json:"customer_id"`
	Processor  string `json:"processor"`
	PlanID     string `json:"plan_id"`
	Standing   string `json:"standing"`
	CheckedAt  string `json:"checked_at"`
}

// errorResponse is the processor's error envelope.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Account standings the processor reports. Anything other than active fails
// verification.
const (
	standingActive     = "active"
	standingDelinquent = "delinquent"
	standingClosed     = "closed"
)

// Verify checks that the customer exists at the processor and is in good
// standing. A missing or non-active customer is a decision, not an error.
func (c *HTTPClient) Verify(ctx context.Context, orgID id.OrgID, ref id.ExternalRef) (*verifier.Outcome, error) {
	reqBody, err := json.Marshal(checkRequest{CustomerID: ref.String()})
	if err != nil {
		return nil, verifier.NewVerifierError(
			verifier.ErrorInternal,
			models.MethodPayment,
			"failed to marshal request",
			err,
		)
	}

	url := fmt.Sprintf("%s/api/v1/customers/check", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, verifier.NewVerifierError(
			verifier.ErrorInternal,
			models.MethodPayment,
			"failed to create request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, verifier.NewVerifierError(
				verifier.ErrorTimeout,
				models.MethodPayment,
				"request timeout",
				err,
			)
		}
		return nil, verifier.NewVerifierError(
			verifier.ErrorOutage,
			models.MethodPayment,
			"failed to execute request",
			err,
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, verifier.NewVerifierError(
			verifier.ErrorInternal,
			models.MethodPayment,
			"failed to read response body",
			err,
		)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Success - continue to parse
	case http.StatusNotFound:
		// The processor answered: no such customer. That is a rejection,
		// not collaborator trouble.
		return &verifier.Outcome{
			Verified:  false,
			Reason:    "payment customer not found",
			CheckedAt: time.Now().UTC(),
		}, nil
	case http.StatusUnauthorized:
		return nil, verifier.NewVerifierError(
			verifier.ErrorAuthentication,
			models.MethodPayment,
			"authentication failed",
			nil,
		)
	case http.StatusBadRequest:
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
			return nil, verifier.NewVerifierError(
				verifier.ErrorBadData,
				models.MethodPayment,
				errResp.Message,
				nil,
			)
		}
		return nil, verifier.NewVerifierError(
			verifier.ErrorBadData,
			models.MethodPayment,
			"bad request",
			nil,
		)
	case http.StatusTooManyRequests:
		return nil, verifier.NewVerifierError(
			verifier.ErrorRateLimited,
			models.MethodPayment,
			"rate limited",
			nil,
		)
	case http.StatusServiceUnavailable:
		return nil, verifier.NewVerifierError(
			verifier.ErrorOutage,
			models.MethodPayment,
			"service unavailable",
			nil,
		)
	default:
		return nil, verifier.NewVerifierError(
			verifier.ErrorInternal,
			models.MethodPayment,
			fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			nil,
		)
	}

	var checkResp checkResponse
	if err := json.Unmarshal(body, &checkResp); err != nil {
		return nil, verifier.NewVerifierError(
			verifier.ErrorContractMismatch,
			models.MethodPayment,
			"failed to parse response",
			err,
		)
	}

	checkedAt, err := time.Parse(time.RFC3339, checkResp.CheckedAt)
	if err != nil {
		checkedAt = time.Now().UTC()
	}

	outcome := &verifier.Outcome{
		CheckedAt: checkedAt,
		Metadata: map[string]string{
			models.MetaProcessor: checkResp.Processor,
			models.MetaPlanID:    checkResp.PlanID,
		},
	}

	switch checkResp.Standing {
	case standingActive:
		outcome.Verified = true
	case standingDelinquent:
		outcome.Reason = "payment account delinquent"
	case standingClosed:
		outcome.Reason = "payment account closed"
	default:
		outcome.Reason = fmt.Sprintf("payment account standing %q", checkResp.Standing)
	}
	return outcome, nil
}

// Health probes the processor's health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment processor unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
