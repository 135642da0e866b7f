package migrations

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"credit-ledger-indexer/internal/storage/postgres"
)

// advisoryLockID guards schema changes when several indexers start at once.
const advisoryLockID int64 = 0x6c6564676572 // "ledger"

// RunPostgresMigrations applies all embedded SQL files in lexical order while
// holding a session advisory lock. Migrations are expected to be idempotent.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := load(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		// The lock is session scoped; use a fresh context so cancellation
		// does not leave it held on a pooled connection.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			logger.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	for _, m := range files {
		if _, err := conn.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		logger.Info("applied postgres migration", zap.String("file", m.name))
	}

	return nil
}
