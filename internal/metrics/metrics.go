// Package metrics defines the Prometheus instruments for the usage service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsTotal counts accepted usage logs by provider and call type.
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniusage_records_total",
			Help: "Total number of usage logs recorded",
		},
		[]string{"provider", "type"},
	)

	// QuotaDenialsTotal counts admission checks rejected by the quota gate.
	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniusage_quota_denials_total",
			Help: "Total number of requests denied by the quota gate",
		},
		[]string{"resource"},
	)

	// SummaryCacheHits counts summary reads served from the fast-path cache.
	SummaryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omniusage_summary_cache_hits_total",
			Help: "Total number of summary reads served from cache",
		},
	)

	// SummaryCacheMisses counts summary reads that required a full recompute.
	SummaryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omniusage_summary_cache_misses_total",
			Help: "Total number of summary reads recomputed from the ledger",
		},
	)

	// ResetsTotal counts ledger resets, labeled by scope (user or all).
	ResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniusage_ledger_resets_total",
			Help: "Total number of ledger reset operations",
		},
		[]string{"scope"},
	)
)
