package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"credit-ledger-indexer/internal/observability"
	"credit-ledger-indexer/internal/storage"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation      = "23505" // unique_violation
	pgErrForeignKeyViolation  = "23503" // foreign_key_violation
	pgErrCheckViolation       = "23514" // check_violation
	pgErrInvalidTextRep       = "22P02" // invalid_text_representation
	pgErrNumericOutOfRange    = "22003" // numeric_value_out_of_range
	pgErrSerializationFailure = "40001" // serialization_failure
	pgErrDeadlockDetected     = "40P01" // deadlock_detected
)

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	return pgErrorCode(err) == pgErrUniqueViolation
}

// isConflictError checks if the transaction lost a serialization race.
func isConflictError(err error) bool {
	switch pgErrorCode(err) {
	case pgErrSerializationFailure, pgErrDeadlockDetected:
		return true
	}
	return false
}

// isInvalidInputError checks if a constraint or type check rejected the row.
func isInvalidInputError(err error) bool {
	switch pgErrorCode(err) {
	case pgErrForeignKeyViolation, pgErrCheckViolation, pgErrInvalidTextRep, pgErrNumericOutOfRange:
		return true
	}
	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func pgErrorCode(err error) string {
	if err == nil {
		return ""
	}
	// Use pgconn.PgError for reliable error code detection
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapError translates driver errors into storage sentinels, keeping the
// driver error in the chain. what describes the failed operation.
func mapError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case isNotFoundError(err):
		return storage.ErrNotFound
	case isDuplicateKeyError(err):
		return storage.ErrDuplicateKey
	case isConflictError(err):
		return fmt.Errorf("%s: %w: %w", what, storage.ErrConflict, err)
	case isInvalidInputError(err):
		return fmt.Errorf("%s: %w: %w", what, storage.ErrInvalidInput, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// observe records query duration and errors for operation.
func observe(operation string, start time.Time, err error) {
	// Not-found and duplicate results are normal outcomes, not query errors.
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrDuplicateKey) {
		err = nil
	}
	observability.RecordDBQuery("postgres", operation, time.Since(start).Seconds(), err)
}
