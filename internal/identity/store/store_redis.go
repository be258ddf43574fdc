package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"fides/internal/identity/models"
	"fides/internal/sentinel"
	id "fides/pkg/domain"
)

const (
	// Redis key prefixes for identity data. Identities are permanent, so no
	// key carries a TTL.
	orgKeyPrefix    = "org:"
	refKeyPrefix    = "ref:"
	nonceKeyPrefix  = "nonce:"
	methodKeyPrefix = "method:"
)

// bindingJSON is the JSON-serializable representation of a NonceBinding.
type bindingJSON struct {
	Nonce            string `json:"nonce"`
	PublicKey        string `json:"public_key"`
	BoundAt          int64  `json:"bound_at"` // Unix nano
	OwnershipProof   []byte `json:"ownership_proof"`
	RevokedAt        *int64 `json:"revoked_at,omitempty"` // Unix nano
	RevocationReason string `json:"revocation_reason,omitempty"`
}

// identityJSON is the JSON-serializable representation of an identity.
type identityJSON struct {
	OrgID      string          `json:"org_id"`
	PublicKey  string          `json:"public_key"`
	Method     json.RawMessage `json:"method"`
	VerifiedAt int64           `json:"verified_at"` // Unix nano
	Binding    *bindingJSON    `json:"binding,omitempty"`
	History    []bindingJSON   `json:"history,omitempty"`
	Revision   int64           `json:"revision"`
}

func bindingToJSON(b *models.NonceBinding) *bindingJSON {
	j := &bindingJSON{
		Nonce:            string(b.Nonce),
		PublicKey:        string(b.PublicKey),
		BoundAt:          b.BoundAt.UnixNano(),
		OwnershipProof:   b.OwnershipProof,
		RevocationReason: b.RevocationReason,
	}
	if b.RevokedAt != nil {
		ts := b.RevokedAt.UnixNano()
		j.RevokedAt = &ts
	}
	return j
}

func bindingFromJSON(orgID id.OrgID, j *bindingJSON) *models.NonceBinding {
	b := &models.NonceBinding{
		Nonce:            id.Nonce(j.Nonce),
		OrgID:            orgID,
		PublicKey:        id.PublicKeyHex(j.PublicKey),
		BoundAt:          time.Unix(0, j.BoundAt),
		OwnershipProof:   j.OwnershipProof,
		RevocationReason: j.RevocationReason,
	}
	if j.RevokedAt != nil {
		t := time.Unix(0, *j.RevokedAt)
		b.RevokedAt = &t
	}
	return b
}

func identityToJSON(ident *models.OrganizationIdentity) (*identityJSON, error) {
	method, err := models.EncodeMethod(ident.Method)
	if err != nil {
		return nil, err
	}
	j := &identityJSON{
		OrgID:      string(ident.OrgID),
		PublicKey:  string(ident.PublicKey),
		Method:     method,
		VerifiedAt: ident.VerifiedAt.UnixNano(),
		Revision:   ident.Revision,
	}
	if ident.Binding != nil {
		j.Binding = bindingToJSON(ident.Binding)
	}
	for i := range ident.History {
		j.History = append(j.History, *bindingToJSON(&ident.History[i]))
	}
	return j, nil
}

func identityFromJSON(j *identityJSON) (*models.OrganizationIdentity, error) {
	method, err := models.DecodeMethod(j.Method)
	if err != nil {
		return nil, err
	}
	ident := &models.OrganizationIdentity{
		OrgID:      id.OrgID(j.OrgID),
		PublicKey:  id.PublicKeyHex(j.PublicKey),
		Method:     method,
		VerifiedAt: time.Unix(0, j.VerifiedAt),
		Revision:   j.Revision,
	}
	if j.Binding != nil {
		ident.Binding = bindingFromJSON(ident.OrgID, j.Binding)
	}
	for i := range j.History {
		ident.History = append(ident.History, *bindingFromJSON(ident.OrgID, &j.History[i]))
	}
	return ident, nil
}

// RedisStore persists identities in Redis. Conditional writes use WATCH-based
// optimistic transactions: a lost race surfaces as a conflict for the engine
// to retry, never as a silent overwrite.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed identity store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

func orgKey(orgID id.OrgID) string { return orgKeyPrefix + string(orgID) }

func refKey(ref id.ExternalRef) string { return refKeyPrefix + string(ref) }

func nonceKey(n id.Nonce) string { return nonceKeyPrefix + string(n) }

func methodKey(kind models.MethodKind) string { return methodKeyPrefix + string(kind) }

func (s *RedisStore) Get(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error) {
	data, err := s.client.Get(ctx, orgKey(orgID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("organization %s: %w", orgID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", mapRedisError(err))
	}
	return decodeIdentity([]byte(data))
}

func (s *RedisStore) Create(ctx context.Context, identity *models.OrganizationIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}
	ref := identity.Method.Ref()
	identity.Revision = 1
	j, err := identityToJSON(identity)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	key := orgKey(identity.OrgID)
	rKey := refKey(ref)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check organization exists: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("organization %s: %w", identity.OrgID, sentinel.ErrConflict)
		}

		owner, err := tx.Get(ctx, rKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("check external reference: %w", err)
		}
		if err == nil && owner != string(identity.OrgID) {
			return fmt.Errorf("external reference %s owned by %s: %w", ref, owner, sentinel.ErrRefTaken)
		}

		if err := s.checkNonceOwners(ctx, tx, identity); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, rKey, string(identity.OrgID), 0)
			pipe.SAdd(ctx, methodKey(identity.Method.Kind()), string(identity.OrgID))
			claimNonceKeys(ctx, pipe, identity)
			return nil
		})
		return err
	}, key, rKey)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("create identity lost a write race: %w", sentinel.ErrConflict)
	}
	if err != nil {
		return mapRedisError(err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, identity *models.OrganizationIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}
	key := orgKey(identity.OrgID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("organization %s: %w", identity.OrgID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get organization for update: %w", err)
		}
		current, err := decodeIdentity([]byte(data))
		if err != nil {
			return err
		}
		if current.Revision != identity.Revision {
			return fmt.Errorf("organization %s at revision %d, caller has %d: %w",
				identity.OrgID, current.Revision, identity.Revision, sentinel.ErrRevisionMiss)
		}

		if err := s.checkNonceOwners(ctx, tx, identity); err != nil {
			return err
		}

		next := identity.Clone()
		next.Revision = identity.Revision + 1
		j, err := identityToJSON(next)
		if err != nil {
			return err
		}
		newData, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("marshal identity: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			claimNonceKeys(ctx, pipe, identity)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("update identity lost a write race: %w", sentinel.ErrConflict)
	}
	if err != nil {
		return mapRedisError(err)
	}
	identity.Revision++
	return nil
}

func (s *RedisStore) FindByExternalRef(ctx context.Context, ref id.ExternalRef) (id.OrgID, error) {
	owner, err := s.client.Get(ctx, refKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("external reference %s: %w", ref, sentinel.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("find by external reference: %w", mapRedisError(err))
	}
	return id.OrgID(owner), nil
}

func (s *RedisStore) ListByMethod(ctx context.Context, kind models.MethodKind) ([]*models.OrganizationIdentity, error) {
	orgIDs, err := s.client.SMembers(ctx, methodKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("list organizations by method: %w", mapRedisError(err))
	}
	if len(orgIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(orgIDs))
	for i, orgID := range orgIDs {
		cmds[i] = pipe.Get(ctx, orgKeyPrefix+orgID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load organizations by method: %w", mapRedisError(err))
	}

	out := make([]*models.OrganizationIdentity, 0, len(orgIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load organization: %w", mapRedisError(err))
		}
		ident, err := decodeIdentity([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out, nil
}

// checkNonceOwners rejects any nonce carried by the identity that is already
// claimed by a different organization.
func (s *RedisStore) checkNonceOwners(ctx context.Context, tx *redis.Tx, identity *models.OrganizationIdentity) error {
	check := func(n id.Nonce) error {
		owner, err := tx.Get(ctx, nonceKey(n)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("check nonce owner: %w", err)
		}
		if owner != string(identity.OrgID) {
			return fmt.Errorf("nonce already issued to %s: %w", owner, sentinel.ErrConflict)
		}
		return nil
	}

	if identity.Binding != nil {
		if err := check(identity.Binding.Nonce); err != nil {
			return err
		}
	}
	for i := range identity.History {
		if err := check(identity.History[i].Nonce); err != nil {
			return err
		}
	}
	return nil
}

func claimNonceKeys(ctx context.Context, pipe redis.Pipeliner, identity *models.OrganizationIdentity) {
	if identity.Binding != nil {
		pipe.Set(ctx, nonceKey(identity.Binding.Nonce), string(identity.OrgID), 0)
	}
	for i := range identity.History {
		pipe.Set(ctx, nonceKey(identity.History[i].Nonce), string(identity.OrgID), 0)
	}
}

func decodeIdentity(data []byte) (*models.OrganizationIdentity, error) {
	var j identityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	return identityFromJSON(&j)
}

// mapRedisError translates connection-level failures into the unavailability
// sentinel; sentinel errors raised inside Watch callbacks pass through.
func mapRedisError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel.ErrNotFound) ||
		errors.Is(err, sentinel.ErrConflict) ||
		errors.Is(err, sentinel.ErrRefTaken) ||
		errors.Is(err, sentinel.ErrRevisionMiss) ||
		errors.Is(err, sentinel.ErrInvalidInput) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("redis: %w", errors.Join(err, sentinel.ErrUnavailable))
}
