package ledger

import (
	"context"
	"sync"
)

// Repository stores per-user usage logs. Implementations must be safe for
// concurrent use and must keep at most RetentionCap logs per user, evicting
// the oldest entries first.
type Repository interface {
	// Append inserts a log and trims the owner's ledger to RetentionCap.
	Append(ctx context.Context, log *UsageLog) error

	// List returns a user's retained logs, most recent first.
	List(ctx context.Context, userID string) ([]*UsageLog, error)

	// Clear removes all logs for one user.
	Clear(ctx context.Context, userID string) error

	// ClearAll removes all logs for every user.
	ClearAll(ctx context.Context) error

	// Close releases resources held by the repository.
	Close() error
}

// MemoryRepository is a volatile in-process Repository. It backs tests and
// deployments that accept losing the ledger on restart.
type MemoryRepository struct {
	mu   sync.RWMutex
	logs map[string][]*UsageLog // newest first
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{logs: make(map[string][]*UsageLog)}
}

func (r *MemoryRepository) Append(_ context.Context, log *UsageLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.logs[log.UserID]
	entries = append([]*UsageLog{log}, entries...)
	if len(entries) > RetentionCap {
		entries = entries[:RetentionCap]
	}
	r.logs[log.UserID] = entries
	return nil
}

func (r *MemoryRepository) List(_ context.Context, userID string) ([]*UsageLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.logs[userID]
	out := make([]*UsageLog, len(entries))
	copy(out, entries)
	return out, nil
}

func (r *MemoryRepository) Clear(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.logs, userID)
	return nil
}

func (r *MemoryRepository) ClearAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = make(map[string][]*UsageLog)
	return nil
}

func (r *MemoryRepository) Close() error { return nil }
