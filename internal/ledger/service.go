package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"omniusage/internal/metrics"
	"omniusage/internal/pricing"
)

// Service-level sentinel errors, mapped to HTTP statuses at the boundary.
var (
	ErrMissingUserID        = errors.New("user id is required")
	ErrMissingModelID       = errors.New("model id is required")
	ErrInvalidRecord        = errors.New("invalid usage record")
	ErrConfirmationRequired = errors.New("bulk reset requires explicit confirmation")
	ErrUnknownTier          = errors.New("unknown tier")
)

// SummaryCache is the optional fast path in front of the full summary
// recompute. A miss is (nil, nil); cache failures are soft and only degrade
// to recomputation. Implementations must be safe for concurrent use.
type SummaryCache interface {
	Get(ctx context.Context, userID string, period Period) (*Summary, error)
	Set(ctx context.Context, userID string, period Period, sum *Summary) error
	Invalidate(ctx context.Context, userID string) error
	Close() error
}

// RecordRequest describes one completed inference/generation call to record.
type RecordRequest struct {
	UserID           string
	ModelID          string
	Provider         string
	Type             pricing.CallType
	TokensInput      int
	TokensOutput     int
	LatencyMs        int
	ContextMode      string
	DurationSeconds  float64
	ProviderResponse []byte
}

// Service owns the usage accounting pipeline: it joins the repository, the
// pricing table, the quota gate, and the summary cache, and serializes the
// check-then-record sequence per user so concurrent requests cannot jointly
// exceed quota.
type Service struct {
	repo        Repository
	table       *pricing.Table
	cache       SummaryCache
	defaultTier string

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	tierMu sync.RWMutex
	tiers  map[string]string

	now func() time.Time
}

// NewService creates a usage accounting service. cache may be nil to disable
// the summary fast path. defaultTier must exist in the pricing table.
func NewService(repo Repository, table *pricing.Table, cache SummaryCache, defaultTier string) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if table == nil {
		return nil, fmt.Errorf("pricing table is required")
	}
	if defaultTier == "" {
		defaultTier = pricing.TierFree
	}
	if _, ok := table.Tier(defaultTier); !ok {
		return nil, fmt.Errorf("default tier %q is not in the pricing table", defaultTier)
	}

	return &Service{
		repo:        repo,
		table:       table,
		cache:       cache,
		defaultTier: defaultTier,
		userLocks:   make(map[string]*sync.Mutex),
		tiers:       make(map[string]string),
		now:         time.Now,
	}, nil
}

// userLock returns the mutex serializing usage-affecting operations for one
// user. Locks for distinct users never contend.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	mu, ok := s.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[userID] = mu
	}
	return mu
}

// TierOf returns the active tier for a user.
func (s *Service) TierOf(userID string) string {
	s.tierMu.RLock()
	defer s.tierMu.RUnlock()
	if t, ok := s.tiers[userID]; ok {
		return t
	}
	return s.defaultTier
}

// SeedTier records a tier for a user only if none is held yet, so the tier
// carried by the caller's identity never clobbers a runtime SetTier.
// Unknown tiers are ignored.
func (s *Service) SeedTier(userID, tier string) {
	if userID == "" || tier == "" {
		return
	}
	if _, ok := s.table.Tier(tier); !ok {
		return
	}

	s.tierMu.Lock()
	defer s.tierMu.Unlock()
	if _, ok := s.tiers[userID]; !ok {
		s.tiers[userID] = tier
	}
}

// SetTier changes a user's active tier. Consumed usage carries over; only
// the limits bound to future summaries change.
func (s *Service) SetTier(userID, tier string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if _, ok := s.table.Tier(tier); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	s.tierMu.Lock()
	s.tiers[userID] = tier
	s.tierMu.Unlock()

	// Cached summaries embed the old limits.
	s.invalidate(context.Background(), userID)
	return nil
}

// limitsOf resolves the active tier limits for a user.
func (s *Service) limitsOf(userID string) pricing.TierLimits {
	limits, _ := s.table.Tier(s.TierOf(userID))
	return limits
}

// gatedResource maps a call type to the resource it consumes and the amount.
func gatedResource(req *RecordRequest) (Resource, int64) {
	switch req.Type {
	case pricing.CallTypeImage:
		return ResourceImages, 1
	case pricing.CallTypeVideo:
		return ResourceVideos, 1
	default:
		return ResourceTokens, int64(req.TokensInput) + int64(req.TokensOutput)
	}
}

// Record validates the request, runs the quota gate, and appends a new usage
// log. Check and append happen under the user's lock, so the gate decision
// cannot be invalidated by a concurrent record for the same user. Returns a
// *QuotaError when the gate denies admission; the ledger is untouched in
// every error case.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*UsageLog, error) {
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}
	if req.ModelID == "" {
		return nil, ErrMissingModelID
	}
	if req.Type == "" {
		req.Type = pricing.CallTypeChat
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown call type %q", ErrInvalidRecord, req.Type)
	}

	// Prefer exact counts from the provider's own response payload when the
	// caller did not supply any.
	if req.TokensInput == 0 && req.TokensOutput == 0 && len(req.ProviderResponse) > 0 {
		if in, out, ok := ExtractTokens(req.ProviderResponse); ok {
			req.TokensInput, req.TokensOutput = in, out
		}
	}
	if req.TokensInput < 0 || req.TokensOutput < 0 || req.LatencyMs < 0 {
		return nil, fmt.Errorf("%w: token and latency counts must be non-negative", ErrInvalidRecord)
	}

	mu := s.userLock(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	logs, err := s.repo.List(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	now := s.now().UTC()
	sum := ComputeSummary(logs, PeriodMonth, s.limitsOf(req.UserID), now)
	resource, amount := gatedResource(&req)
	decision, err := CheckQuota(sum, resource, amount)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.QuotaDenialsTotal.WithLabelValues(string(resource)).Inc()
		return nil, &QuotaError{Resource: resource, Decision: decision}
	}

	log := &UsageLog{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		ModelID:      req.ModelID,
		Provider:     req.Provider,
		Type:         req.Type,
		TokensInput:  req.TokensInput,
		TokensOutput: req.TokensOutput,
		Cost:         s.table.ComputeCost(req.ModelID, req.Type, req.TokensInput, req.TokensOutput, req.DurationSeconds),
		LatencyMs:    req.LatencyMs,
		ContextMode:  req.ContextMode,
		CreatedAt:    now,
	}

	if err := s.repo.Append(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to append usage log: %w", err)
	}

	s.invalidate(ctx, req.UserID)
	metrics.RecordsTotal.WithLabelValues(log.Provider, string(log.Type)).Inc()
	return log, nil
}

// Summary returns the period-filtered summary for a user, serving from the
// cache when possible and falling back to a full recompute over the ledger.
func (s *Service) Summary(ctx context.Context, userID string, period Period) (Summary, error) {
	if userID == "" {
		return Summary{}, ErrMissingUserID
	}

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, userID, period); err == nil && cached != nil {
			metrics.SummaryCacheHits.Inc()
			return *cached, nil
		}
		metrics.SummaryCacheMisses.Inc()
	}

	logs, err := s.repo.List(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load ledger: %w", err)
	}

	sum := ComputeSummary(logs, period, s.limitsOf(userID), s.now().UTC())

	if s.cache != nil {
		// Best effort; the next read recomputes if this is lost.
		_ = s.cache.Set(ctx, userID, period, &sum)
	}
	return sum, nil
}

// RecentLogs returns up to n most recent logs for a user.
func (s *Service) RecentLogs(ctx context.Context, userID string, n int) ([]*UsageLog, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	logs, err := s.repo.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if n > 0 && len(logs) > n {
		logs = logs[:n]
	}
	return logs, nil
}

// CheckQuota runs the admission gate for a user against the monthly window.
// Pure read; callers invoke it before issuing a billable external call.
func (s *Service) CheckQuota(ctx context.Context, userID string, resource Resource, amount int64) (QuotaDecision, error) {
	if userID == "" {
		return QuotaDecision{}, ErrMissingUserID
	}

	sum, err := s.Summary(ctx, userID, PeriodMonth)
	if err != nil {
		return QuotaDecision{}, err
	}
	decision, err := CheckQuota(sum, resource, amount)
	if err != nil {
		return QuotaDecision{}, err
	}
	if !decision.Allowed {
		metrics.QuotaDenialsTotal.WithLabelValues(string(resource)).Inc()
	}
	return decision, nil
}

// Reset clears one user's ledger and cached summaries. Irreversible.
func (s *Service) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.Clear(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	s.invalidate(ctx, userID)
	metrics.ResetsTotal.WithLabelValues("user").Inc()
	return nil
}

// ResetAll clears every user's ledger. The confirm flag must be set by the
// caller; authorization happens at the boundary before this is reached.
// Cached summaries for users the service has not seen a tier change for
// survive only until their TTL.
func (s *Service) ResetAll(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}

	if err := s.repo.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear ledgers: %w", err)
	}

	s.lockMu.Lock()
	users := make([]string, 0, len(s.userLocks))
	for u := range s.userLocks {
		users = append(users, u)
	}
	s.lockMu.Unlock()
	for _, u := range users {
		s.invalidate(ctx, u)
	}

	metrics.ResetsTotal.WithLabelValues("all").Inc()
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	// Soft failure: a stale entry only survives until its TTL.
	_ = s.cache.Invalidate(ctx, userID)
}
