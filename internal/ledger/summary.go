package ledger

import (
	"sort"
	"time"

	"omniusage/internal/pricing"
)

// Accumulator folds usage logs into a summary one at a time. It is the single
// aggregation rule set: ComputeSummary runs every filtered log through the
// same fold, so an incrementally maintained summary and a full recompute
// agree by construction (modulo float summation order).
//
// Accumulator is not safe for concurrent use.
type Accumulator struct {
	period       Period
	limits       pricing.TierLimits
	tokensUsed   int64
	images       int64
	videos       int64
	totalCost    float64
	totalLatency int64
	count        int
	byModel      map[string]*ModelStat
	byDay        map[string]*DailyStat
}

// NewAccumulator returns an empty accumulator seeded with the given tier
// limits for the given period.
func NewAccumulator(period Period, limits pricing.TierLimits) *Accumulator {
	return &Accumulator{
		period:  period,
		limits:  limits,
		byModel: make(map[string]*ModelStat),
		byDay:   make(map[string]*DailyStat),
	}
}

// Fold adds one log to the running aggregate. The caller is responsible for
// only folding logs that belong to the accumulator's period window.
func (a *Accumulator) Fold(log *UsageLog) {
	tokens := int64(log.TokensInput) + int64(log.TokensOutput)
	a.tokensUsed += tokens
	a.totalCost += log.Cost
	a.totalLatency += int64(log.LatencyMs)
	a.count++

	switch log.Type {
	case pricing.CallTypeImage:
		a.images++
	case pricing.CallTypeVideo:
		a.videos++
	}

	m, ok := a.byModel[log.ModelID]
	if !ok {
		m = &ModelStat{ModelID: log.ModelID}
		a.byModel[log.ModelID] = m
	}
	m.Count++
	m.Tokens += tokens

	day := log.CreatedAt.UTC().Format("2006-01-02")
	d, ok := a.byDay[day]
	if !ok {
		d = &DailyStat{Date: day}
		a.byDay[day] = d
	}
	d.Tokens += tokens
	d.Cost += log.Cost
}

// Summary materializes the current aggregate: limits bound to the period,
// top models sorted descending by tokens and truncated to TopModelsLimit,
// daily usage sorted ascending by date and truncated to the most recent
// DailyUsageLimit days.
func (a *Accumulator) Summary() Summary {
	s := Summary{
		Period:          a.period,
		TokensUsed:      a.tokensUsed,
		TokensLimit:     tokensLimitFor(a.period, a.limits),
		ImagesGenerated: a.images,
		ImagesLimit:     a.limits.ImagesPerMonth,
		VideosGenerated: a.videos,
		VideosLimit:     a.limits.VideosPerMonth,
		TotalCost:       a.totalCost,
		RequestCount:    a.count,
	}

	s.TokensRemaining = s.TokensLimit - s.TokensUsed
	if s.TokensRemaining < 0 {
		s.TokensRemaining = 0
	}
	if s.TokensLimit > 0 {
		s.PercentUsed = float64(s.TokensUsed) / float64(s.TokensLimit) * 100
	}
	if a.count > 0 {
		s.AverageLatency = float64(a.totalLatency) / float64(a.count)
	}

	s.TopModels = make([]ModelStat, 0, len(a.byModel))
	for _, m := range a.byModel {
		s.TopModels = append(s.TopModels, *m)
	}
	sort.Slice(s.TopModels, func(i, j int) bool {
		if s.TopModels[i].Tokens != s.TopModels[j].Tokens {
			return s.TopModels[i].Tokens > s.TopModels[j].Tokens
		}
		return s.TopModels[i].ModelID < s.TopModels[j].ModelID
	})
	if len(s.TopModels) > TopModelsLimit {
		s.TopModels = s.TopModels[:TopModelsLimit]
	}

	s.DailyUsage = make([]DailyStat, 0, len(a.byDay))
	for _, d := range a.byDay {
		s.DailyUsage = append(s.DailyUsage, *d)
	}
	sort.Slice(s.DailyUsage, func(i, j int) bool { return s.DailyUsage[i].Date < s.DailyUsage[j].Date })
	if len(s.DailyUsage) > DailyUsageLimit {
		s.DailyUsage = s.DailyUsage[len(s.DailyUsage)-DailyUsageLimit:]
	}

	return s
}

// tokensLimitFor picks the token allowance matching the summary period: the
// daily allowance for day summaries, the monthly allowance otherwise.
func tokensLimitFor(period Period, limits pricing.TierLimits) int64 {
	if period == PeriodDay {
		return limits.TokensPerDay
	}
	return limits.TokensPerMonth
}

// ComputeSummary recomputes a summary from scratch: it filters logs to the
// period window ending at now and folds every match through the aggregation
// rules. This is the authoritative path; incrementally cached summaries are
// always reconcilable against it.
func ComputeSummary(logs []*UsageLog, period Period, limits pricing.TierLimits, now time.Time) Summary {
	acc := NewAccumulator(period, limits)
	start := period.start(now)
	for _, log := range logs {
		if !start.IsZero() && log.CreatedAt.Before(start) {
			continue
		}
		acc.Fold(log)
	}
	return acc.Summary()
}
