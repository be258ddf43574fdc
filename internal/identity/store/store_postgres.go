package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fides/internal/identity/models"
	"fides/internal/sentinel"
	id "fides/pkg/domain"
)

// PostgresStore persists identities in PostgreSQL.
//
// The schema enforces the domain invariants declaratively: the nonce is the
// binding table's primary key (system-wide uniqueness), a partial unique
// index allows at most one non-revoked binding per organization, and the
// external-reference table's primary key makes reference claims permanent.
// Revision checks on the organization row serialize concurrent updaters.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed identity store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Get(ctx context.Context, orgID id.OrgID) (*models.OrganizationIdentity, error) {
	ident, err := s.getIdentity(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if err := s.loadBindings(ctx, s.db, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *PostgresStore) Create(ctx context.Context, identity *models.OrganizationIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}
	methodMeta, err := models.EncodeMethod(identity.Method)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create identity tx: %w", mapPostgresError(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO organizations (org_id, public_key, method_kind, method_meta, verified_at, revision)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (org_id) DO NOTHING
	`, string(identity.OrgID), string(identity.PublicKey), string(identity.Method.Kind()), methodMeta, identity.VerifiedAt)
	if err != nil {
		return fmt.Errorf("insert organization: %w", mapPostgresError(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert organization rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("organization %s: %w", identity.OrgID, sentinel.ErrConflict)
	}

	ref := identity.Method.Ref()
	res, err = tx.ExecContext(ctx, `
		INSERT INTO external_refs (ref, org_id)
		VALUES ($1, $2)
		ON CONFLICT (ref) DO NOTHING
	`, string(ref), string(identity.OrgID))
	if err != nil {
		return fmt.Errorf("insert external reference: %w", mapPostgresError(err))
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert external reference rows: %w", err)
	}
	if rows == 0 {
		// The transaction is rolled back, so the organization row vanishes
		// with it and no partial identity remains.
		return fmt.Errorf("external reference %s: %w", ref, sentinel.ErrRefTaken)
	}

	if err := s.writeBindings(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create identity: %w", mapPostgresError(err))
	}
	identity.Revision = 1
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, identity *models.OrganizationIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity is required: %w", sentinel.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update identity tx: %w", mapPostgresError(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// The conditional revision bump doubles as the per-organization write
	// lock: a concurrent updater blocks on the row here and then loses
	// with a revision mismatch.
	res, err := tx.ExecContext(ctx, `
		UPDATE organizations
		SET public_key = $3, revision = revision + 1
		WHERE org_id = $1 AND revision = $2
	`, string(identity.OrgID), identity.Revision, string(identity.PublicKey))
	if err != nil {
		return fmt.Errorf("update organization: %w", mapPostgresError(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update organization rows: %w", err)
	}
	if rows == 0 {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT revision FROM organizations WHERE org_id = $1`, string(identity.OrgID),
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("organization %s: %w", identity.OrgID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read organization revision: %w", mapPostgresError(err))
		}
		return fmt.Errorf("organization %s at revision %d, caller has %d: %w",
			identity.OrgID, current, identity.Revision, sentinel.ErrRevisionMiss)
	}

	if err := s.writeBindings(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update identity: %w", mapPostgresError(err))
	}
	identity.Revision++
	return nil
}

func (s *PostgresStore) FindByExternalRef(ctx context.Context, ref id.ExternalRef) (id.OrgID, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id FROM external_refs WHERE ref = $1`, string(ref),
	).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("external reference %s: %w", ref, sentinel.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("find by external reference: %w", mapPostgresError(err))
	}
	return id.OrgID(orgID), nil
}

func (s *PostgresStore) ListByMethod(ctx context.Context, kind models.MethodKind) ([]*models.OrganizationIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, public_key, method_meta, verified_at, revision
		FROM organizations
		WHERE method_kind = $1
		ORDER BY org_id
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list organizations by method: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []*models.OrganizationIdentity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list organizations by method: %w", mapPostgresError(err))
	}

	for _, ident := range out {
		if err := s.loadBindings(ctx, s.db, ident); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) getIdentity(ctx context.Context, q queryer, orgID id.OrgID) (*models.OrganizationIdentity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT org_id, public_key, method_meta, verified_at, revision
		FROM organizations
		WHERE org_id = $1
	`, string(orgID))

	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", orgID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", mapPostgresError(err))
	}
	return ident, nil
}

// loadBindings attaches the binding rows for an identity: the most recently
// bound row becomes the current binding, earlier rows the rotation history.
func (s *PostgresStore) loadBindings(ctx context.Context, q queryer, ident *models.OrganizationIdentity) error {
	rows, err := q.QueryContext(ctx, `
		SELECT nonce, public_key, bound_at, ownership_proof, revoked_at, revocation_reason
		FROM nonce_bindings
		WHERE org_id = $1
		ORDER BY seq
	`, string(ident.OrgID))
	if err != nil {
		return fmt.Errorf("load bindings: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var bindings []models.NonceBinding
	for rows.Next() {
		var (
			b         models.NonceBinding
			nonce     string
			publicKey string
			revokedAt sql.NullTime
			reason    sql.NullString
		)
		if err := rows.Scan(&nonce, &publicKey, &b.BoundAt, &b.OwnershipProof, &revokedAt, &reason); err != nil {
			return fmt.Errorf("scan binding: %w", err)
		}
		b.Nonce = id.Nonce(nonce)
		b.OrgID = ident.OrgID
		b.PublicKey = id.PublicKeyHex(publicKey)
		if revokedAt.Valid {
			at := revokedAt.Time
			b.RevokedAt = &at
		}
		if reason.Valid {
			b.RevocationReason = reason.String
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load bindings: %w", mapPostgresError(err))
	}

	if len(bindings) == 0 {
		return nil
	}
	current := bindings[len(bindings)-1]
	ident.Binding = &current
	ident.History = bindings[:len(bindings)-1]
	return nil
}

// writeBindings reconciles the identity's bindings with the stored rows.
// Rows are append-only apart from the one-way revocation columns, so the
// reconciliation is: mark known rows revoked first, then insert new ones.
// Ordering matters: the partial unique index admits the replacement binding
// only once its predecessor's row carries a revocation.
func (s *PostgresStore) writeBindings(ctx context.Context, tx *sql.Tx, identity *models.OrganizationIdentity) error {
	all := make([]*models.NonceBinding, 0, len(identity.History)+1)
	for i := range identity.History {
		all = append(all, &identity.History[i])
	}
	if identity.Binding != nil {
		all = append(all, identity.Binding)
	}

	for _, b := range all {
		if !b.IsRevoked() {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE nonce_bindings
			SET revoked_at = $2, revocation_reason = $3
			WHERE nonce = $1 AND revoked_at IS NULL
		`, string(b.Nonce), *b.RevokedAt, b.RevocationReason)
		if err != nil {
			return fmt.Errorf("revoke binding: %w", mapPostgresError(err))
		}
	}

	for _, b := range all {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO nonce_bindings (nonce, org_id, public_key, bound_at, ownership_proof, revoked_at, revocation_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (nonce) DO NOTHING
		`, string(b.Nonce), string(b.OrgID), string(b.PublicKey), b.BoundAt, b.OwnershipProof,
			nullTime(b.RevokedAt), nullString(b.RevocationReason))
		if err != nil {
			return fmt.Errorf("insert binding: %w", mapPostgresError(err))
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert binding rows: %w", err)
		}
		if rows == 0 {
			var owner string
			if err := tx.QueryRowContext(ctx,
				`SELECT org_id FROM nonce_bindings WHERE nonce = $1`, string(b.Nonce),
			).Scan(&owner); err != nil {
				return fmt.Errorf("check binding owner: %w", mapPostgresError(err))
			}
			if owner != string(b.OrgID) {
				return fmt.Errorf("nonce already issued to %s: %w", owner, sentinel.ErrConflict)
			}
		}
	}
	return nil
}

type identityRow interface {
	Scan(dest ...any) error
}

func scanIdentity(row identityRow) (*models.OrganizationIdentity, error) {
	var (
		ident      models.OrganizationIdentity
		orgID      string
		publicKey  string
		methodMeta []byte
	)
	if err := row.Scan(&orgID, &publicKey, &methodMeta, &ident.VerifiedAt, &ident.Revision); err != nil {
		return nil, err
	}
	method, err := models.DecodeMethod(methodMeta)
	if err != nil {
		return nil, err
	}
	ident.OrgID = id.OrgID(orgID)
	ident.PublicKey = id.PublicKeyHex(publicKey)
	ident.Method = method
	return &ident, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
