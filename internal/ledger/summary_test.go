package ledger

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"omniusage/internal/pricing"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func freeLimits() pricing.TierLimits {
	limits, _ := pricing.DefaultTable().Tier(pricing.TierFree)
	return limits
}

func makeLog(userID, modelID string, callType pricing.CallType, tokensIn, tokensOut int, cost float64, createdAt time.Time) *UsageLog {
	return &UsageLog{
		ID:           fmt.Sprintf("log-%d", rand.Int63()),
		UserID:       userID,
		ModelID:      modelID,
		Provider:     "openai",
		Type:         callType,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		Cost:         cost,
		LatencyMs:    100,
		CreatedAt:    createdAt,
	}
}

func relClose(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-9*scale
}

func TestComputeSummaryBasicChat(t *testing.T) {
	logs := []*UsageLog{
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 1200, 800, 0.011, testNow.Add(-time.Hour)),
	}

	sum := ComputeSummary(logs, PeriodMonth, freeLimits(), testNow)

	if sum.TokensUsed != 2000 {
		t.Errorf("TokensUsed = %d, want 2000", sum.TokensUsed)
	}
	if sum.TokensLimit != 100_000 {
		t.Errorf("TokensLimit = %d, want 100000", sum.TokensLimit)
	}
	if sum.TokensRemaining != 98_000 {
		t.Errorf("TokensRemaining = %d, want 98000", sum.TokensRemaining)
	}
	if !relClose(sum.PercentUsed, 2.0) {
		t.Errorf("PercentUsed = %v, want 2.0", sum.PercentUsed)
	}
	if sum.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", sum.RequestCount)
	}
	if !relClose(sum.TotalCost, 0.011) {
		t.Errorf("TotalCost = %v, want 0.011", sum.TotalCost)
	}
}

func TestComputeSummaryPeriodWindows(t *testing.T) {
	limits := freeLimits()
	logs := []*UsageLog{
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 100, 0, 0, testNow.Add(-time.Hour)),            // today
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 200, 0, 0, testNow.Add(-3*24*time.Hour)),       // this week
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 400, 0, 0, testNow.Add(-20*24*time.Hour)),      // this month
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 800, 0, 0, testNow.AddDate(0, -2, 0)),          // older
	}

	tests := []struct {
		period Period
		want   int64
	}{
		{PeriodDay, 100},
		{PeriodWeek, 300},
		{PeriodMonth, 700},
		{PeriodAll, 1500},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			sum := ComputeSummary(logs, tt.period, limits, testNow)
			if sum.TokensUsed != tt.want {
				t.Errorf("TokensUsed = %d, want %d", sum.TokensUsed, tt.want)
			}
		})
	}
}

func TestComputeSummaryDayUsesDailyLimit(t *testing.T) {
	limits := freeLimits()
	sum := ComputeSummary(nil, PeriodDay, limits, testNow)
	if sum.TokensLimit != limits.TokensPerDay {
		t.Errorf("day TokensLimit = %d, want %d", sum.TokensLimit, limits.TokensPerDay)
	}

	sum = ComputeSummary(nil, PeriodWeek, limits, testNow)
	if sum.TokensLimit != limits.TokensPerMonth {
		t.Errorf("week TokensLimit = %d, want %d", sum.TokensLimit, limits.TokensPerMonth)
	}
}

func TestComputeSummaryRemainingClamped(t *testing.T) {
	limits := pricing.TierLimits{TokensPerMonth: 1000}
	logs := []*UsageLog{
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 1500, 0, 0, testNow.Add(-time.Hour)),
	}

	sum := ComputeSummary(logs, PeriodMonth, limits, testNow)
	if sum.TokensRemaining != 0 {
		t.Errorf("TokensRemaining = %d, want 0 (clamped)", sum.TokensRemaining)
	}
	// PercentUsed is intentionally not clamped.
	if !relClose(sum.PercentUsed, 150.0) {
		t.Errorf("PercentUsed = %v, want 150.0", sum.PercentUsed)
	}
}

func TestComputeSummaryZeroLimit(t *testing.T) {
	sum := ComputeSummary([]*UsageLog{
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 500, 0, 0, testNow.Add(-time.Hour)),
	}, PeriodMonth, pricing.TierLimits{}, testNow)

	if sum.PercentUsed != 0 {
		t.Errorf("PercentUsed = %v, want 0 for zero limit", sum.PercentUsed)
	}
}

func TestComputeSummaryTopModelOrdering(t *testing.T) {
	// modelB carries more tokens in fewer calls; tokens decide the order.
	logs := []*UsageLog{
		makeLog("u1", "modelA", pricing.CallTypeChat, 300, 0, 0, testNow.Add(-time.Hour)),
		makeLog("u1", "modelA", pricing.CallTypeChat, 300, 0, 0, testNow.Add(-2*time.Hour)),
		makeLog("u1", "modelA", pricing.CallTypeChat, 300, 0, 0, testNow.Add(-3*time.Hour)),
		makeLog("u1", "modelB", pricing.CallTypeChat, 2000, 0, 0, testNow.Add(-4*time.Hour)),
	}

	sum := ComputeSummary(logs, PeriodMonth, freeLimits(), testNow)
	if len(sum.TopModels) != 2 {
		t.Fatalf("TopModels length = %d, want 2", len(sum.TopModels))
	}
	if sum.TopModels[0].ModelID != "modelB" || sum.TopModels[0].Tokens != 2000 {
		t.Errorf("TopModels[0] = %+v, want modelB with 2000 tokens", sum.TopModels[0])
	}
	if sum.TopModels[1].ModelID != "modelA" || sum.TopModels[1].Count != 3 {
		t.Errorf("TopModels[1] = %+v, want modelA with 3 calls", sum.TopModels[1])
	}
}

func TestComputeSummaryTopModelsTruncated(t *testing.T) {
	var logs []*UsageLog
	for i := 0; i < TopModelsLimit+3; i++ {
		logs = append(logs, makeLog("u1", fmt.Sprintf("model-%d", i), pricing.CallTypeChat, (i+1)*100, 0, 0, testNow.Add(-time.Hour)))
	}

	sum := ComputeSummary(logs, PeriodMonth, freeLimits(), testNow)
	if len(sum.TopModels) != TopModelsLimit {
		t.Errorf("TopModels length = %d, want %d", len(sum.TopModels), TopModelsLimit)
	}
	for i := 1; i < len(sum.TopModels); i++ {
		if sum.TopModels[i].Tokens > sum.TopModels[i-1].Tokens {
			t.Errorf("TopModels not sorted descending at %d", i)
		}
	}
}

func TestComputeSummaryDailyUsage(t *testing.T) {
	logs := []*UsageLog{
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 100, 0, 0.001, testNow.Add(-48*time.Hour)),
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 200, 0, 0.002, testNow.Add(-24*time.Hour)),
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 300, 0, 0.003, testNow.Add(-24*time.Hour)),
		makeLog("u1", "gpt-4o", pricing.CallTypeChat, 400, 0, 0.004, testNow.Add(-time.Hour)),
	}

	sum := ComputeSummary(logs, PeriodMonth, freeLimits(), testNow)
	if len(sum.DailyUsage) != 3 {
		t.Fatalf("DailyUsage length = %d, want 3", len(sum.DailyUsage))
	}
	for i := 1; i < len(sum.DailyUsage); i++ {
		if sum.DailyUsage[i].Date <= sum.DailyUsage[i-1].Date {
			t.Errorf("DailyUsage not ascending at %d", i)
		}
	}
	// The two same-day logs merged.
	if sum.DailyUsage[1].Tokens != 500 {
		t.Errorf("merged day tokens = %d, want 500", sum.DailyUsage[1].Tokens)
	}
}

func TestComputeSummaryImageAndVideoCounts(t *testing.T) {
	logs := []*UsageLog{
		makeLog("u1", "dall-e-3", pricing.CallTypeImage, 0, 0, 0.04, testNow.Add(-time.Hour)),
		makeLog("u1", "dall-e-3", pricing.CallTypeImage, 0, 0, 0.04, testNow.Add(-2*time.Hour)),
		makeLog("u1", "veo-2", pricing.CallTypeVideo, 0, 0, 2.8, testNow.Add(-3*time.Hour)),
	}

	sum := ComputeSummary(logs, PeriodMonth, freeLimits(), testNow)
	if sum.ImagesGenerated != 2 {
		t.Errorf("ImagesGenerated = %d, want 2", sum.ImagesGenerated)
	}
	if sum.VideosGenerated != 1 {
		t.Errorf("VideosGenerated = %d, want 1", sum.VideosGenerated)
	}
	if sum.ImagesLimit != 10 || sum.VideosLimit != 2 {
		t.Errorf("limits = %d/%d, want 10/2", sum.ImagesLimit, sum.VideosLimit)
	}
}

// TestFoldEquivalence checks that incrementally folding logs one at a time
// produces the same summary as the full recompute, regardless of order.
func TestFoldEquivalence(t *testing.T) {
	limits := freeLimits()
	rng := rand.New(rand.NewSource(42))

	var logs []*UsageLog
	models := []string{"gpt-4o", "claude-sonnet-4", "gemini-2.0-flash", "dall-e-3"}
	types := []pricing.CallType{pricing.CallTypeChat, pricing.CallTypeChat, pricing.CallTypeImage, pricing.CallTypeEmbedding}
	for i := 0; i < 500; i++ {
		logs = append(logs, makeLog("u1",
			models[rng.Intn(len(models))],
			types[rng.Intn(len(types))],
			rng.Intn(5000), rng.Intn(5000),
			rng.Float64()*0.1,
			testNow.Add(-time.Duration(rng.Intn(600))*time.Hour),
		))
	}

	full := ComputeSummary(logs, PeriodAll, limits, testNow)

	shuffled := make([]*UsageLog, len(logs))
	copy(shuffled, logs)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	acc := NewAccumulator(PeriodAll, limits)
	for _, log := range shuffled {
		acc.Fold(log)
	}
	inc := acc.Summary()

	if inc.TokensUsed != full.TokensUsed {
		t.Errorf("TokensUsed: incremental %d != recompute %d", inc.TokensUsed, full.TokensUsed)
	}
	if inc.RequestCount != full.RequestCount {
		t.Errorf("RequestCount: incremental %d != recompute %d", inc.RequestCount, full.RequestCount)
	}
	if inc.ImagesGenerated != full.ImagesGenerated {
		t.Errorf("ImagesGenerated: incremental %d != recompute %d", inc.ImagesGenerated, full.ImagesGenerated)
	}
	if !relClose(inc.TotalCost, full.TotalCost) {
		t.Errorf("TotalCost: incremental %v != recompute %v", inc.TotalCost, full.TotalCost)
	}
	if !relClose(inc.AverageLatency, full.AverageLatency) {
		t.Errorf("AverageLatency: incremental %v != recompute %v", inc.AverageLatency, full.AverageLatency)
	}
	if len(inc.TopModels) != len(full.TopModels) {
		t.Fatalf("TopModels length: incremental %d != recompute %d", len(inc.TopModels), len(full.TopModels))
	}
	for i := range inc.TopModels {
		if inc.TopModels[i].ModelID != full.TopModels[i].ModelID || inc.TopModels[i].Tokens != full.TopModels[i].Tokens {
			t.Errorf("TopModels[%d]: incremental %+v != recompute %+v", i, inc.TopModels[i], full.TopModels[i])
		}
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in      string
		want    Period
		wantErr bool
	}{
		{"", PeriodMonth, false},
		{"day", PeriodDay, false},
		{"week", PeriodWeek, false},
		{"month", PeriodMonth, false},
		{"all", PeriodAll, false},
		{"year", "", true},
		{"DAY", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePeriod(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePeriod(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParsePeriod(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
