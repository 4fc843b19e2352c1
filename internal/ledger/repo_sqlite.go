package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"omniusage/internal/pricing"
)

// SQLiteRepository implements Repository over a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates the usage_logs table and indexes if needed.
// The *sql.DB is owned by the storage layer and not closed here.
func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			context_mode TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_model ON usage_logs(model_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteRepository{db: db}, nil
}

// Append inserts the log and evicts the oldest rows beyond RetentionCap in
// one transaction, so a crash between the two cannot leave an overfull
// ledger visible.
func (r *SQLiteRepository) Append(ctx context.Context, log *UsageLog) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_logs (id, user_id, model_id, provider, type,
			tokens_input, tokens_output, cost, latency_ms, context_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.UserID, log.ModelID, log.Provider, string(log.Type),
		log.TokensInput, log.TokensOutput, log.Cost, log.LatencyMs,
		log.ContextMode, log.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM usage_logs WHERE user_id = ? AND id NOT IN (
			SELECT id FROM usage_logs WHERE user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		log.UserID, log.UserID, RetentionCap,
	)
	if err != nil {
		return fmt.Errorf("failed to trim ledger: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteRepository) List(ctx context.Context, userID string) ([]*UsageLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, model_id, provider, type, tokens_input,
			tokens_output, cost, latency_ms, context_mode, created_at
		FROM usage_logs WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, RetentionCap,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	return scanLogs(rows)
}

func (r *SQLiteRepository) Clear(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM usage_logs WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear usage logs: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ClearAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM usage_logs"); err != nil {
		return fmt.Errorf("failed to clear usage logs: %w", err)
	}
	return nil
}

// Close is a no-op; the DB connection belongs to the storage layer.
func (r *SQLiteRepository) Close() error { return nil }

// scanLogs reads usage log rows with the created_at column stored as an
// RFC 3339 string.
func scanLogs(rows *sql.Rows) ([]*UsageLog, error) {
	logs := make([]*UsageLog, 0)
	for rows.Next() {
		var (
			log       UsageLog
			callType  string
			createdAt string
		)
		if err := rows.Scan(&log.ID, &log.UserID, &log.ModelID, &log.Provider,
			&callType, &log.TokensInput, &log.TokensOutput, &log.Cost,
			&log.LatencyMs, &log.ContextMode, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage log row: %w", err)
		}
		log.Type = pricing.CallType(callType)
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
		}
		log.CreatedAt = t
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage log rows: %w", err)
	}
	return logs, nil
}
