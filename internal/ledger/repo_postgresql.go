package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"omniusage/internal/pricing"
)

// PostgreSQLRepository implements Repository over a pgx connection pool.
type PostgreSQLRepository struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLRepository creates the usage_logs table and indexes if needed.
// The pool is owned by the storage layer and not closed here.
func NewPostgreSQLRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			context_mode TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_logs table: %w", err)
	}

	_, err = pool.Exec(ctx,
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id, created_at DESC)")
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_logs index: %w", err)
	}

	return &PostgreSQLRepository{pool: pool}, nil
}

// Append inserts the log and trims the user's ledger to RetentionCap in one
// transaction.
func (r *PostgreSQLRepository) Append(ctx context.Context, log *UsageLog) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_logs (id, user_id, model_id, provider, type,
			tokens_input, tokens_output, cost, latency_ms, context_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		log.ID, log.UserID, log.ModelID, log.Provider, string(log.Type),
		log.TokensInput, log.TokensOutput, log.Cost, log.LatencyMs,
		log.ContextMode, log.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM usage_logs WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM usage_logs WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		)`,
		log.UserID, RetentionCap,
	)
	if err != nil {
		return fmt.Errorf("failed to trim ledger: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgreSQLRepository) List(ctx context.Context, userID string) ([]*UsageLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, model_id, provider, type, tokens_input,
			tokens_output, cost, latency_ms, context_mode, created_at
		FROM usage_logs WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, RetentionCap,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*UsageLog, 0)
	for rows.Next() {
		var (
			log      UsageLog
			callType string
		)
		if err := rows.Scan(&log.ID, &log.UserID, &log.ModelID, &log.Provider,
			&callType, &log.TokensInput, &log.TokensOutput, &log.Cost,
			&log.LatencyMs, &log.ContextMode, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage log row: %w", err)
		}
		log.Type = pricing.CallType(callType)
		log.CreatedAt = log.CreatedAt.UTC()
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage log rows: %w", err)
	}
	return logs, nil
}

func (r *PostgreSQLRepository) Clear(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM usage_logs WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("failed to clear usage logs: %w", err)
	}
	return nil
}

func (r *PostgreSQLRepository) ClearAll(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM usage_logs"); err != nil {
		return fmt.Errorf("failed to clear usage logs: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the storage layer.
func (r *PostgreSQLRepository) Close() error { return nil }
