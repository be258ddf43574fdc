// Package codehost verifies organizations against a code hosting provider's
// organization API.
package codehost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fides/internal/identity/models"
	"fides/internal/verification/verifier"
	id "fides/pkg/domain"
)

// HTTPClient implements verifier.Verifier by looking up the organization
// account at a code host. The external reference is the host-side org slug;
// an organization passes when the account exists, is not suspended, and is
// old enough to be plausible.
type HTTPClient struct {
	baseURL    string
	host       string
	token      string
	minAge     time.Duration
	timeout    time.Duration
	httpClient *http.Client
}

var _ verifier.Verifier = (*HTTPClient)(nil)

// DefaultMinAccountAge is how old a code host account must be before it
// counts as verification evidence. Freshly created accounts are how Sybil
// farms look.
const DefaultMinAccountAge = 30 * 24 * time.Hour

// HTTPClientOption configures the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithMinAccountAge overrides the account age gate.
func WithMinAccountAge(age time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.minAge = age
	}
}

// NewHTTPClient creates a code host verifier. host names the provider
// ("github.com") and is recorded in the verification evidence.
func NewHTTPClient(baseURL, host, token string, timeout time.Duration, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		host:    host,
		token:   token,
		minAge:  DefaultMinAccountAge,
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

func (c *HTTPClient) Method() models.MethodKind { return models.MethodCodeHost }

// orgResponse is the code host's account record.
type orgResponse struct {
	Slug        string `json:"slug"`
	PublicRepos int    `json:"public_repos"`
	Suspended   bool   `json:"suspended"`
	CreatedAt   string `json:"created_at"`
}

// Verify looks up the org account and applies the standing gates.
func (c *HTTPClient) Verify(ctx context.Context, orgID id.OrgID, ref id.ExternalRef) (*verifier.Outcome, error) {
	lookupURL := fmt.Sprintf("%s/api/v1/orgs/%s", c.baseURL, url.PathEscape(ref.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, verifier.NewVerifierError(
			verifier.ErrorInternal,
			models.MethodCodeHost,
			"failed to create request",
			err,
		)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, verifier.NewVerifierError(
				verifier.ErrorTimeout,
				models.MethodCodeHost,
				"request timeout",
				err,
			)
		}
		return nil, verifier.NewVerifierError(
			verifier.ErrorOutage,
			models.MethodCodeHost,
			"failed to execute request",
			err,
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, verifier.NewVerifierError(
			verifier.ErrorInternal,
			models.MethodCodeHost,
			"failed to read response body",
			err,
		)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Success - continue to parse
	case http.StatusNotFound:
		return &verifier.Outcome{
			Verified:  false,
			Reason:    "code host organization not found",
			CheckedAt: time.Now().UTC(),
		}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, verifier.NewVerifierError(
			verifier.ErrorAuthentication,
			models.MethodCodeHost,
			"authentication failed",
			nil,
		)
	case http.StatusTooManyRequests:
		return nil, verifier.NewVerifierError(
			verifier.ErrorRateLimited,
			models.MethodCodeHost,
			"rate limited",
			nil,
		)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return nil, verifier.NewVerifierError(
			verifier.ErrorOutage,
			models.MethodCodeHost,
			"service unavailable",
			nil,
		)
	default:
		return nil, verifier.NewVerifierError(
			verifier.ErrorInternal,
			models.MethodCodeHost,
			fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			nil,
		)
	}

	var org orgResponse
	if err := json.Unmarshal(body, &org); err != nil {
		return nil, verifier.NewVerifierError(
			verifier.ErrorContractMismatch,
			models.MethodCodeHost,
			"failed to parse response",
			err,
		)
	}

	outcome := &verifier.Outcome{
		CheckedAt: time.Now().UTC(),
		Metadata: map[string]string{
			models.MetaHost:        c.host,
			models.MetaPublicRepos: strconv.Itoa(org.PublicRepos),
		},
	}

	if org.Suspended {
		outcome.Reason = "code host organization suspended"
		return outcome, nil
	}
	if createdAt, err := time.Parse(time.RFC3339, org.CreatedAt); err == nil {
		if age := time.Since(createdAt); age < c.minAge {
			outcome.Reason = fmt.Sprintf("code host account too new (%s old, need %s)",
				age.Round(time.Hour), c.minAge)
			return outcome, nil
		}
	}
	outcome.Verified = true
	return outcome, nil
}

// Health probes the code host's health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code host unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
