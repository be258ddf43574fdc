// Package manual verifies organizations against operator-approved review
// tickets.
//
// Operations staff review an organization out of band and record the approval
// under a ticket id. Onboarding with the manual method then presents that
// ticket id as the external reference; verification passes when a matching
// approval exists.
package manual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fides/internal/identity/models"
	"fides/internal/sentinel"
	"fides/internal/verification/verifier"
	id "fides/pkg/domain"
)

// Approval is a recorded operator decision.
type Approval struct {
	TicketID   string    `json:"ticket_id"`
	OrgID      string    `json:"org_id,omitempty"`
	Reviewer   string    `json:"reviewer"`
	Notes      string    `json:"notes,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

// TicketSource looks up recorded approvals.
//
// Fetch returns sentinel.ErrNotFound when no approval exists for the ticket;
// any other error means the source itself is unavailable.
type TicketSource interface {
	Fetch(ctx context.Context, ticketID string) (*Approval, error)
	Ping(ctx context.Context) error
}

// Verifier implements verifier.Verifier over a TicketSource.
type Verifier struct {
	source TicketSource
}

var _ verifier.Verifier = (*Verifier)(nil)

func NewVerifier(source TicketSource) *Verifier {
	return &Verifier{source: source}
}

func (v *Verifier) Method() models.MethodKind { return models.MethodManual }

// Verify looks up the approval ticket. An approval recorded for a different
// organization does not transfer.
func (v *Verifier) Verify(ctx context.Context, orgID id.OrgID, ref id.ExternalRef) (*verifier.Outcome, error) {
	approval, err := v.source.Fetch(ctx, ref.String())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return &verifier.Outcome{
				Verified:  false,
				Reason:    "no approved review ticket",
				CheckedAt: time.Now().UTC(),
			}, nil
		}
		return nil, verifier.NewVerifierError(
			verifier.ErrorOutage,
			models.MethodManual,
			"approval source unavailable",
			err,
		)
	}

	if approval.OrgID != "" && approval.OrgID != orgID.String() {
		return &verifier.Outcome{
			Verified:  false,
			Reason:    "review ticket approved for a different organization",
			CheckedAt: time.Now().UTC(),
		}, nil
	}

	return &verifier.Outcome{
		Verified:  true,
		CheckedAt: time.Now().UTC(),
		Metadata: map[string]string{
			models.MetaReviewer: approval.Reviewer,
			models.MetaNotes:    approval.Notes,
		},
	}, nil
}

func (v *Verifier) Health(ctx context.Context) error {
	return v.source.Ping(ctx)
}

// MemorySource is an in-process TicketSource for tests and single-node
// deployments.
type MemorySource struct {
	mu        sync.RWMutex
	approvals map[string]Approval
}

var _ TicketSource = (*MemorySource)(nil)

func NewMemorySource() *MemorySource {
	return &MemorySource{
		approvals: make(map[string]Approval),
	}
}

// Approve records an operator decision.
func (s *MemorySource) Approve(a Approval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ApprovedAt.IsZero() {
		a.ApprovedAt = time.Now().UTC()
	}
	s.approvals[a.TicketID] = a
}

func (s *MemorySource) Fetch(_ context.Context, ticketID string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, sentinel.ErrNotFound)
	}
	return &a, nil
}

func (s *MemorySource) Ping(context.Context) error { return nil }

// approvalKeyPrefix namespaces approval records in Redis. Ops tooling writes
// the same keys when recording a review decision.
const approvalKeyPrefix = "manual:approval:"

// RedisSource reads approvals recorded in Redis by ops tooling, so review
// decisions are visible to every service instance.
type RedisSource struct {
	client *redis.Client
}

var _ TicketSource = (*RedisSource)(nil)

func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) Fetch(ctx context.Context, ticketID string) (*Approval, error) {
	data, err := s.client.Get(ctx, approvalKeyPrefix+ticketID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("ticket %s: %w", ticketID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch approval %s: %w", ticketID, err)
	}

	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", ticketID, err)
	}
	return &a, nil
}

// Record stores an approval. Used by ops tooling and test fixtures.
func (s *RedisSource) Record(ctx context.Context, a Approval) error {
	if a.ApprovedAt.IsZero() {
		a.ApprovedAt = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode approval %s: %w", a.TicketID, err)
	}
	if err := s.client.Set(ctx, approvalKeyPrefix+a.TicketID, data, 0).Err(); err != nil {
		return fmt.Errorf("store approval %s: %w", a.TicketID, err)
	}
	return nil
}

func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
