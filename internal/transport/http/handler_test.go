package httptransport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fides/internal/audit"
	"fides/internal/binding/nonce"
	bindingservice "fides/internal/binding/service"
	"fides/internal/fingerprint"
	identitystore "fides/internal/identity/store"
	"fides/internal/ratelimit"
	"fides/internal/verification/verifier"
	"fides/internal/verification/verifier/manual"
	"fides/pkg/secrets"

	verification "fides/internal/verification/service"
)

const operatorToken = "op-secret-token"

type HandlerSuite struct {
	suite.Suite

	handler   *Handler
	router    http.Handler
	auditor   *audit.Publisher
	approvals *manual.MemorySource
	signing   *httptest.Server
	publicKey string
}

func (s *HandlerSuite) SetupTest() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.publicKey = hex.EncodeToString(pub)

	// Stand-in for an organization-operated signing agent.
	s.signing = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&req))
		msg, err := base64.StdEncoding.DecodeString(req.Message)
		s.Require().NoError(err)
		sig := ed25519.Sign(priv, msg)
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"signature": base64.StdEncoding.EncodeToString(sig),
		})
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := identitystore.NewMemoryStore()
	s.auditor = audit.NewPublisher(audit.NewInMemoryStore())

	engine := bindingservice.NewService(store, nonce.NewRandomGenerator(),
		bindingservice.WithAuditPublisher(s.auditor))

	s.approvals = manual.NewMemorySource()
	registry := verifier.NewRegistry()
	s.Require().NoError(registry.Register(manual.NewVerifier(s.approvals)))
	orchestrator := verification.NewService(store, registry, engine,
		verification.WithAuditPublisher(s.auditor))

	deriver, err := fingerprint.NewDeriver([]byte("handler-suite-pepper-0123456789ab"))
	s.Require().NoError(err)

	s.handler = NewHandler(orchestrator, engine, deriver, s.auditor, logger)

	hash, err := secrets.Hash(operatorToken)
	s.Require().NoError(err)
	s.router = NewRouter(s.handler, nil, nil, logger, RouterConfig{OperatorTokenHash: hash})
}

func (s *HandlerSuite) TearDownTest() {
	s.signing.Close()
	s.auditor.Close()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

// do issues a request through the full router. Operator routes get the
// bearer token; the validate endpoint is exercised without one.
func (s *HandlerSuite) do(method, path string, body any, asOperator bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if asOperator {
		req.Header.Set("Authorization", "Bearer "+operatorToken)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v))
}

// onboard approves a review ticket and onboards the organization, returning
// the issued nonce.
func (s *HandlerSuite) onboard(orgID, ticket string) string {
	s.approvals.Approve(manual.Approval{TicketID: ticket, Reviewer: "ops"})

	rec := s.do(http.MethodPost, "/orgs", OnboardRequest{
		OrgID:           orgID,
		PublicKey:       s.publicKey,
		Method:          "manual",
		ExternalRef:     ticket,
		SigningEndpoint: s.signing.URL,
	}, true)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var resp OnboardResponse
	s.decode(rec, &resp)
	s.Require().NotEmpty(resp.Nonce)
	return resp.Nonce
}

func (s *HandlerSuite) validate(orgID, nonce string) ValidateResponse {
	rec := s.do(http.MethodPost, "/bindings/validate", ValidateRequest{OrgID: orgID, Nonce: nonce}, false)
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp ValidateResponse
	s.decode(rec, &resp)
	return resp
}

func (s *HandlerSuite) TestOnboardIssuesValidatingNonce() {
	n := s.onboard("org-acme", "ticket-1")

	resp := s.validate("org-acme", n)
	s.True(resp.Valid)
	s.Empty(resp.Reason)
	s.Require().NotNil(resp.Binding)
	s.Equal("org-acme", resp.Binding.OrgID)
	s.Equal("active", resp.Binding.Status)
}

func (s *HandlerSuite) TestOnboardRequiresOperatorToken() {
	rec := s.do(http.MethodPost, "/orgs", OnboardRequest{
		OrgID:           "org-acme",
		PublicKey:       s.publicKey,
		Method:          "manual",
		ExternalRef:     "ticket-1",
		SigningEndpoint: s.signing.URL,
	}, false)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *HandlerSuite) TestOnboardRejectsMalformedPublicKey() {
	s.approvals.Approve(manual.Approval{TicketID: "ticket-1", Reviewer: "ops"})

	rec := s.do(http.MethodPost, "/orgs", OnboardRequest{
		OrgID:           "org-acme",
		PublicKey:       "not-hex!",
		Method:          "manual",
		ExternalRef:     "ticket-1",
		SigningEndpoint: s.signing.URL,
	}, true)

	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(rec.Body.String(), "invalid_public_key_format")
}

func (s *HandlerSuite) TestOnboardWithoutApprovalIsRejected() {
	rec := s.do(http.MethodPost, "/orgs", OnboardRequest{
		OrgID:           "org-acme",
		PublicKey:       s.publicKey,
		Method:          "manual",
		ExternalRef:     "ticket-unknown",
		SigningEndpoint: s.signing.URL,
	}, true)

	s.Equal(http.StatusUnprocessableEntity, rec.Code)
	s.Contains(rec.Body.String(), "verification_rejected")
}

func (s *HandlerSuite) TestOnboardDuplicateReferenceConflicts() {
	s.onboard("org-first", "ticket-shared")

	rec := s.do(http.MethodPost, "/orgs", OnboardRequest{
		OrgID:           "org-second",
		PublicKey:       s.publicKey,
		Method:          "manual",
		ExternalRef:     "ticket-shared",
		SigningEndpoint: s.signing.URL,
	}, true)

	s.Equal(http.StatusConflict, rec.Code)
	s.Contains(rec.Body.String(), "duplicate_external_reference")
	s.Contains(rec.Body.String(), "org-first")
}

func (s *HandlerSuite) TestOnboardUnreachableSigningEndpoint() {
	s.approvals.Approve(manual.Approval{TicketID: "ticket-1", Reviewer: "ops"})

	rec := s.do(http.MethodPost, "/orgs", OnboardRequest{
		OrgID:           "org-acme",
		PublicKey:       s.publicKey,
		Method:          "manual",
		ExternalRef:     "ticket-1",
		SigningEndpoint: "http://127.0.0.1:1/sign",
	}, true)

	s.Equal(http.StatusBadGateway, rec.Code)
	s.Contains(rec.Body.String(), "signer_unavailable")
}

func (s *HandlerSuite) TestValidateUnknownOrganization() {
	resp := s.validate("org-ghost", "some-nonce")
	s.False(resp.Valid)
	s.Equal("organization not verified", resp.Reason)
	s.Nil(resp.Binding)
}

func (s *HandlerSuite) TestValidateWrongNonce() {
	s.onboard("org-acme", "ticket-1")

	resp := s.validate("org-acme", "not-the-nonce")
	s.False(resp.Valid)
	s.Equal("nonce mismatch", resp.Reason)
}

func (s *HandlerSuite) TestRotateRetiresOldNonce() {
	first := s.onboard("org-acme", "ticket-1")

	rec := s.do(http.MethodPost, "/orgs/org-acme/bindings/rotate", RotateRequest{
		Reason:          "scheduled",
		SigningEndpoint: s.signing.URL,
	}, true)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var rotated NonceResponse
	s.decode(rec, &rotated)
	s.NotEqual(first, rotated.Nonce)

	s.False(s.validate("org-acme", first).Valid)
	s.Equal("nonce revoked", s.validate("org-acme", first).Reason)
	s.True(s.validate("org-acme", rotated.Nonce).Valid)
}

func (s *HandlerSuite) TestRotateWithoutActiveBinding() {
	s.onboard("org-acme", "ticket-1")

	rec := s.do(http.MethodPost, "/orgs/org-acme/bindings/revoke", RevokeRequest{Reason: "incident"}, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/orgs/org-acme/bindings/rotate", RotateRequest{
		Reason:          "scheduled",
		SigningEndpoint: s.signing.URL,
	}, true)
	s.Equal(http.StatusConflict, rec.Code)
	s.Contains(rec.Body.String(), "no_active_binding")
}

func (s *HandlerSuite) TestRevokeTwiceConflicts() {
	n := s.onboard("org-acme", "ticket-1")

	rec := s.do(http.MethodPost, "/orgs/org-acme/bindings/revoke", RevokeRequest{Reason: "incident"}, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	var revoked RevokeResponse
	s.decode(rec, &revoked)
	s.Equal("revoked", revoked.Status)
	s.False(s.validate("org-acme", n).Valid)

	rec = s.do(http.MethodPost, "/orgs/org-acme/bindings/revoke", RevokeRequest{Reason: "again"}, true)
	s.Equal(http.StatusConflict, rec.Code)
	s.Contains(rec.Body.String(), "already_revoked")
}

func (s *HandlerSuite) TestBindAfterRevoke() {
	s.onboard("org-acme", "ticket-1")
	rec := s.do(http.MethodPost, "/orgs/org-acme/bindings/revoke", RevokeRequest{Reason: "incident"}, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/orgs/org-acme/bindings", BindRequest{SigningEndpoint: s.signing.URL}, true)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var bound NonceResponse
	s.decode(rec, &bound)
	s.True(s.validate("org-acme", bound.Nonce).Valid)
}

func (s *HandlerSuite) TestGetCurrentBinding() {
	n := s.onboard("org-acme", "ticket-1")

	rec := s.do(http.MethodGet, "/orgs/org-acme/bindings/current", nil, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	var binding BindingResponse
	s.decode(rec, &binding)
	s.Equal(n, binding.Nonce)
	s.Equal("active", binding.Status)
}

func (s *HandlerSuite) TestGetCurrentBindingUnknownOrg() {
	rec := s.do(http.MethodGet, "/orgs/org-ghost/bindings/current", nil, true)
	s.Equal(http.StatusNotFound, rec.Code)
	s.Contains(rec.Body.String(), "no_binding")
}

func (s *HandlerSuite) TestHistoryAfterRotation() {
	s.onboard("org-acme", "ticket-1")
	rec := s.do(http.MethodPost, "/orgs/org-acme/bindings/rotate", RotateRequest{
		Reason:          "scheduled",
		SigningEndpoint: s.signing.URL,
	}, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/orgs/org-acme/bindings", nil, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	var history BindingHistoryResponse
	s.decode(rec, &history)
	s.Require().Len(history.Bindings, 2)
	s.Equal("revoked", history.Bindings[0].Status)
	s.Equal("active", history.Bindings[1].Status)
}

func (s *HandlerSuite) TestGetIdentity() {
	s.onboard("org-acme", "ticket-1")

	rec := s.do(http.MethodGet, "/orgs/org-acme", nil, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	var identity IdentityResponse
	s.decode(rec, &identity)
	s.Equal("org-acme", identity.OrgID)
	s.Equal("manual", identity.Method)
	s.Equal("ticket-1", identity.ExternalRef)
	s.Require().NotNil(identity.Binding)
}

func (s *HandlerSuite) TestListOrgsByMethod() {
	s.onboard("org-a", "ticket-a")
	s.onboard("org-b", "ticket-b")

	rec := s.do(http.MethodGet, "/orgs?method=manual", nil, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	var list IdentityListResponse
	s.decode(rec, &list)
	s.Len(list.Organizations, 2)

	rec = s.do(http.MethodGet, "/orgs?method=bogus", nil, true)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestFingerprintIsDeterministic() {
	n := s.onboard("org-acme", "ticket-1")

	rec := s.do(http.MethodPost, "/fingerprints", FingerprintRequest{Nonce: n, BucketChars: 4}, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	var first FingerprintResponse
	s.decode(rec, &first)
	s.Len(first.Fingerprint, 64)
	s.Len(first.Bucket, 4)

	rec = s.do(http.MethodPost, "/fingerprints", FingerprintRequest{Nonce: n}, true)
	var second FingerprintResponse
	s.decode(rec, &second)
	s.Equal(first.Fingerprint, second.Fingerprint)
	s.Empty(second.Bucket)
}

func (s *HandlerSuite) TestAuditTrailCoversLifecycle() {
	s.onboard("org-acme", "ticket-1")
	rec := s.do(http.MethodPost, "/orgs/org-acme/bindings/rotate", RotateRequest{
		Reason:          "scheduled",
		SigningEndpoint: s.signing.URL,
	}, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/audit/events?org_id=org-acme", nil, true)
	s.Require().Equal(http.StatusOK, rec.Code)

	var events AuditEventsResponse
	s.decode(rec, &events)

	actions := make([]string, 0, len(events.Events))
	for _, e := range events.Events {
		actions = append(actions, string(e.Action))
	}
	s.Contains(actions, "identity_verified")
	s.Contains(actions, "nonce_bound")
	s.Contains(actions, "nonce_rotated")
}

func (s *HandlerSuite) TestMalformedBodyRejected() {
	req := httptest.NewRequest(http.MethodPost, "/bindings/validate", bytes.NewReader([]byte(`{"org_id":`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(rec.Body.String(), "invalid_input")
}

func (s *HandlerSuite) TestValidateThrottledPerClient() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = NewRouter(s.handler, nil, nil, logger, RouterConfig{
		ValidateRate: ratelimit.Policy{Name: "validate", Limit: 2, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/bindings/validate", ValidateRequest{OrgID: "org-x", Nonce: "n"}, false)
		s.Require().Equal(http.StatusOK, rec.Code)
	}

	rec := s.do(http.MethodPost, "/bindings/validate", ValidateRequest{OrgID: "org-x", Nonce: "n"}, false)
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.Contains(rec.Body.String(), "rate_limited")
	s.NotEmpty(rec.Header().Get("Retry-After"))
}
