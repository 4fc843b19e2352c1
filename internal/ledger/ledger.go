// Package ledger implements the per-user usage ledger: a capped collection of
// immutable usage logs, the derived period summaries, and the quota admission
// gate that decides whether a billable call may proceed.
package ledger

import (
	"fmt"
	"time"

	"omniusage/internal/pricing"
)

// Ledger and summary size limits.
const (
	// RetentionCap is the maximum number of logs retained per user.
	// Oldest entries are evicted first once the cap is exceeded.
	RetentionCap = 1000

	// RecentLogsLimit is how many logs the read API returns alongside a summary.
	RecentLogsLimit = 20

	// TopModelsLimit is how many models a summary breaks out by token volume.
	TopModelsLimit = 5

	// DailyUsageLimit is how many active calendar days a summary retains.
	DailyUsageLimit = 30
)

// UsageLog is a single usage event. Once created it is never mutated; the
// cost is computed at creation time and never recomputed retroactively.
type UsageLog struct {
	ID           string           `json:"id"`
	UserID       string           `json:"userId"`
	ModelID      string           `json:"modelId"`
	Provider     string           `json:"provider"`
	Type         pricing.CallType `json:"type"`
	TokensInput  int              `json:"tokensInput"`
	TokensOutput int              `json:"tokensOutput"`
	Cost         float64          `json:"cost"`
	LatencyMs    int              `json:"latencyMs"`
	ContextMode  string           `json:"contextMode,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Period selects the time window a summary reflects.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Periods lists every valid period, in window-size order.
var Periods = []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodAll}

// ParsePeriod validates a period string. An empty string defaults to month,
// the window quota limits are defined over.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodMonth, nil
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodAll:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q (valid: day, week, month, all)", s)
}

// start returns the inclusive lower bound of the period window ending at now.
// A zero return value means the window is unbounded.
func (p Period) start(now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case PeriodDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeek:
		return now.Add(-7 * 24 * time.Hour)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

// ModelStat is one entry of a summary's top-models breakdown.
type ModelStat struct {
	ModelID string `json:"modelId"`
	Count   int    `json:"count"`
	Tokens  int64  `json:"tokens"`
}

// DailyStat is one entry of a summary's per-day breakdown.
type DailyStat struct {
	Date   string  `json:"date"`
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Summary is the derived, period-filtered aggregate view over a user's
// ledger. TokensRemaining never goes below zero; PercentUsed is not clamped
// and may exceed 100 when a user is over quota.
type Summary struct {
	Period          Period      `json:"period"`
	TokensUsed      int64       `json:"tokensUsed"`
	TokensLimit     int64       `json:"tokensLimit"`
	TokensRemaining int64       `json:"tokensRemaining"`
	PercentUsed     float64     `json:"percentUsed"`
	ImagesGenerated int64       `json:"imagesGenerated"`
	ImagesLimit     int64       `json:"imagesLimit"`
	VideosGenerated int64       `json:"videosGenerated"`
	VideosLimit     int64       `json:"videosLimit"`
	TotalCost       float64     `json:"totalCost"`
	RequestCount    int         `json:"requestCount"`
	AverageLatency  float64     `json:"averageLatency"`
	TopModels       []ModelStat `json:"topModels"`
	DailyUsage      []DailyStat `json:"dailyUsage"`
}
