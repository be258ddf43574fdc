package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"fides/internal/sentinel"
)

// Constraint names from migrations/0001_identity.sql. Unique violations are
// mapped by constraint so the caller can tell a stolen external reference
// apart from a nonce collision.
const (
	constraintOrgPK        = "organizations_pkey"
	constraintRefPK        = "external_refs_pkey"
	constraintNoncePK      = "nonce_bindings_pkey"
	constraintOneActivePer = "nonce_bindings_one_active_per_org"
)

// mapPostgresError translates PostgreSQL errors into sentinel errors.
// Returns the original error when it is not a PostgreSQL error or matches no
// known pattern.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case constraintRefPK:
			return fmt.Errorf("external reference already claimed: %w", sentinel.ErrRefTaken)
		case constraintOrgPK, constraintNoncePK, constraintOneActivePer:
			return fmt.Errorf("unique constraint %s: %w", pgErr.ConstraintName, sentinel.ErrConflict)
		default:
			return fmt.Errorf("unique constraint %s: %w", pgErr.ConstraintName, sentinel.ErrConflict)
		}

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		// Retryable transaction races surface as conflicts.
		return fmt.Errorf("transaction conflict: %w", sentinel.ErrConflict)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("database unavailable: %w", sentinel.ErrUnavailable)

	default:
		return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, pgErr.Message, err)
	}
}
