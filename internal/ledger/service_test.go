package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"omniusage/internal/pricing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(NewMemoryRepository(), pricing.DefaultTable(), nil, pricing.TierFree)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestRecordBasicChat(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	log, err := svc.Record(ctx, RecordRequest{
		UserID:       "u1",
		ModelID:      "gpt-4o",
		Provider:     "openai",
		Type:         pricing.CallTypeChat,
		TokensInput:  1200,
		TokensOutput: 800,
		LatencyMs:    340,
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if log.ID == "" {
		t.Error("log ID not assigned")
	}
	wantCost := 1.2*0.0025 + 0.8*0.01
	if !relClose(log.Cost, wantCost) {
		t.Errorf("Cost = %v, want %v", log.Cost, wantCost)
	}

	sum, err := svc.Summary(ctx, "u1", PeriodMonth)
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if sum.TokensUsed != 2000 {
		t.Errorf("TokensUsed = %d, want 2000", sum.TokensUsed)
	}
	if sum.TokensRemaining != 98_000 {
		t.Errorf("TokensRemaining = %d, want 98000", sum.TokensRemaining)
	}
	if !relClose(sum.PercentUsed, 2.0) {
		t.Errorf("PercentUsed = %v, want 2.0", sum.PercentUsed)
	}
}

func TestRecordValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Record(ctx, RecordRequest{ModelID: "gpt-4o"}); !errors.Is(err, ErrMissingUserID) {
		t.Errorf("missing user id: got %v", err)
	}
	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1"}); !errors.Is(err, ErrMissingModelID) {
		t.Errorf("missing model id: got %v", err)
	}
	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "m", Type: "sculpture"}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("unknown call type: got %v", err)
	}
	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "m", TokensInput: -5}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("negative tokens: got %v", err)
	}

	// Nothing above may have touched the ledger.
	logs, _ := svc.RecentLogs(ctx, "u1", 0)
	if len(logs) != 0 {
		t.Errorf("ledger has %d logs after rejected records, want 0", len(logs))
	}
}

func TestRecordUnknownModelCostsZero(t *testing.T) {
	svc := newTestService(t)

	log, err := svc.Record(context.Background(), RecordRequest{
		UserID:      "u1",
		ModelID:     "some-unlisted-model",
		TokensInput: 500,
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if log.Cost != 0 {
		t.Errorf("unknown model cost = %v, want 0", log.Cost)
	}
}

func TestRecordExtractsProviderTokens(t *testing.T) {
	svc := newTestService(t)

	log, err := svc.Record(context.Background(), RecordRequest{
		UserID:           "u1",
		ModelID:          "gpt-4o",
		ProviderResponse: []byte(`{"usage":{"prompt_tokens":120,"completion_tokens":45}}`),
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if log.TokensInput != 120 || log.TokensOutput != 45 {
		t.Errorf("tokens = (%d, %d), want (120, 45)", log.TokensInput, log.TokensOutput)
	}

	// Explicit counts win over the payload.
	log, err = svc.Record(context.Background(), RecordRequest{
		UserID:           "u1",
		ModelID:          "gpt-4o",
		TokensInput:      10,
		ProviderResponse: []byte(`{"usage":{"prompt_tokens":120,"completion_tokens":45}}`),
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if log.TokensInput != 10 || log.TokensOutput != 0 {
		t.Errorf("tokens = (%d, %d), want (10, 0)", log.TokensInput, log.TokensOutput)
	}
}

func TestRecordImageQuotaBlock(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// The free tier allows 10 images per month.
	for i := 0; i < 10; i++ {
		if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "dall-e-3", Type: pricing.CallTypeImage}); err != nil {
			t.Fatalf("image %d rejected: %v", i+1, err)
		}
	}

	_, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "dall-e-3", Type: pricing.CallTypeImage})
	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("11th image: got %v, want QuotaError", err)
	}
	if quotaErr.Resource != ResourceImages {
		t.Errorf("Resource = %s, want images", quotaErr.Resource)
	}

	// The denied call left no trace in the ledger.
	sum, _ := svc.Summary(ctx, "u1", PeriodMonth)
	if sum.ImagesGenerated != 10 {
		t.Errorf("ImagesGenerated = %d, want 10", sum.ImagesGenerated)
	}
}

func TestRecordTokenQuotaBlock(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Burn almost the whole free monthly allowance.
	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 99_000}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	// 1000 more fits exactly.
	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 1000}); err != nil {
		t.Fatalf("record at exact limit rejected: %v", err)
	}

	_, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 1})
	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("over-limit record: got %v, want QuotaError", err)
	}
}

func TestCheckQuotaService(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	decision, err := svc.CheckQuota(ctx, "u1", ResourceTokens, 5000)
	if err != nil {
		t.Fatalf("CheckQuota returned error: %v", err)
	}
	if !decision.Allowed || decision.Remaining != 100_000 {
		t.Errorf("fresh user decision = %+v", decision)
	}

	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 60_000}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	decision, err = svc.CheckQuota(ctx, "u1", ResourceTokens, 50_000)
	if err != nil {
		t.Fatalf("CheckQuota returned error: %v", err)
	}
	if decision.Allowed {
		t.Error("50k more on top of 60k should be denied at 100k limit")
	}
	if decision.Remaining != 40_000 {
		t.Errorf("Remaining = %d, want 40000", decision.Remaining)
	}
}

func TestSetTierRebindsLimits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 50_000}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	if err := svc.SetTier("u1", pricing.TierPro); err != nil {
		t.Fatalf("SetTier returned error: %v", err)
	}

	sum, err := svc.Summary(ctx, "u1", PeriodMonth)
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	// Consumption carries over; only the limit changed.
	if sum.TokensUsed != 50_000 {
		t.Errorf("TokensUsed = %d, want 50000", sum.TokensUsed)
	}
	if sum.TokensLimit != 2_000_000 {
		t.Errorf("TokensLimit = %d, want 2000000", sum.TokensLimit)
	}

	if err := svc.SetTier("u1", "platinum"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("unknown tier: got %v", err)
	}
}

func TestSeedTierDoesNotOverride(t *testing.T) {
	svc := newTestService(t)

	svc.SeedTier("u1", pricing.TierPro)
	if got := svc.TierOf("u1"); got != pricing.TierPro {
		t.Errorf("TierOf = %s, want pro", got)
	}

	// A later seed never downgrades an explicit tier.
	if err := svc.SetTier("u1", pricing.TierEnterprise); err != nil {
		t.Fatalf("SetTier returned error: %v", err)
	}
	svc.SeedTier("u1", pricing.TierFree)
	if got := svc.TierOf("u1"); got != pricing.TierEnterprise {
		t.Errorf("TierOf = %s, want enterprise", got)
	}

	// Unknown tiers are ignored on seed.
	svc.SeedTier("u2", "platinum")
	if got := svc.TierOf("u2"); got != pricing.TierFree {
		t.Errorf("TierOf = %s, want default free", got)
	}
}

func TestResetClearsOneUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		if _, err := svc.Record(ctx, RecordRequest{UserID: user, ModelID: "gpt-4o", TokensInput: 100}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	if err := svc.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}

	sum, _ := svc.Summary(ctx, "u1", PeriodAll)
	if sum.TokensUsed != 0 {
		t.Errorf("u1 TokensUsed = %d after reset, want 0", sum.TokensUsed)
	}
	sum, _ = svc.Summary(ctx, "u2", PeriodAll)
	if sum.TokensUsed != 100 {
		t.Errorf("u2 TokensUsed = %d, want 100 (untouched)", sum.TokensUsed)
	}
}

func TestResetAllRequiresConfirmation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 100}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	if err := svc.ResetAll(ctx, false); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("unconfirmed ResetAll: got %v, want ErrConfirmationRequired", err)
	}

	// The refusal left everything in place.
	sum, _ := svc.Summary(ctx, "u1", PeriodAll)
	if sum.TokensUsed != 100 {
		t.Errorf("TokensUsed = %d after refused reset, want 100", sum.TokensUsed)
	}

	if err := svc.ResetAll(ctx, true); err != nil {
		t.Fatalf("confirmed ResetAll returned error: %v", err)
	}
	sum, _ = svc.Summary(ctx, "u1", PeriodAll)
	if sum.TokensUsed != 0 {
		t.Errorf("TokensUsed = %d after confirmed reset, want 0", sum.TokensUsed)
	}
}

// TestRecordConcurrentQuota hammers the record path from many goroutines and
// checks that admitted usage never exceeds the limit: the admission check and
// the append are atomic per user.
func TestRecordConcurrentQuota(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const workers = 50
	const tokensPerCall = 4000 // free tier: 100k monthly, so at most 25 fit

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: tokensPerCall})
		}()
	}
	wg.Wait()

	sum, err := svc.Summary(ctx, "u1", PeriodMonth)
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if sum.TokensUsed > sum.TokensLimit {
		t.Errorf("admitted usage %d exceeds limit %d", sum.TokensUsed, sum.TokensLimit)
	}
	if sum.RequestCount != 25 {
		t.Errorf("RequestCount = %d, want exactly 25 admitted", sum.RequestCount)
	}
}

// countingCache wraps the local-cache contract to observe service behavior.
type countingCache struct {
	mu          sync.Mutex
	entries     map[string]*Summary
	gets, sets  int
	invalidates int
}

func newCountingCache() *countingCache {
	return &countingCache{entries: map[string]*Summary{}}
}

func (c *countingCache) Get(_ context.Context, userID string, period Period) (*Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.entries[userID+":"+string(period)], nil
}

func (c *countingCache) Set(_ context.Context, userID string, period Period, sum *Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[userID+":"+string(period)] = sum
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidates++
	for key := range c.entries {
		if len(key) > len(userID) && key[:len(userID)] == userID {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *countingCache) Close() error { return nil }

func TestSummaryCachePath(t *testing.T) {
	cache := newCountingCache()
	svc, err := NewService(NewMemoryRepository(), pricing.DefaultTable(), cache, pricing.TierFree)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	svc.now = func() time.Time { return testNow }
	ctx := context.Background()

	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 2000}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	first, err := svc.Summary(ctx, "u1", PeriodMonth)
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if cache.sets == 0 {
		t.Error("summary miss did not populate the cache")
	}

	second, err := svc.Summary(ctx, "u1", PeriodMonth)
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if second.TokensUsed != first.TokensUsed {
		t.Errorf("cached summary diverged: %d != %d", second.TokensUsed, first.TokensUsed)
	}

	invalidatesBefore := cache.invalidates
	if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 1000}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if cache.invalidates <= invalidatesBefore {
		t.Error("record did not invalidate cached summaries")
	}

	// Post-invalidation summary reflects the new write.
	third, err := svc.Summary(ctx, "u1", PeriodMonth)
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if third.TokensUsed != 3000 {
		t.Errorf("TokensUsed = %d after second record, want 3000", third.TokensUsed)
	}
}

func TestRecentLogs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if _, err := svc.Record(ctx, RecordRequest{UserID: "u1", ModelID: "gpt-4o", TokensInput: 10}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	logs, err := svc.RecentLogs(ctx, "u1", RecentLogsLimit)
	if err != nil {
		t.Fatalf("RecentLogs returned error: %v", err)
	}
	if len(logs) != RecentLogsLimit {
		t.Errorf("RecentLogs length = %d, want %d", len(logs), RecentLogsLimit)
	}
}
