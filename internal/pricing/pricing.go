// Package pricing holds the static reference tables for the usage accounting
// service: per-model prices and per-tier quota limits. Tables are loaded once
// at startup (built-in defaults, optionally overridden from a YAML file) and
// are immutable afterwards.
package pricing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CallType classifies what kind of call a usage log represents.
type CallType string

const (
	CallTypeChat      CallType = "chat"
	CallTypeImage     CallType = "image"
	CallTypeVideo     CallType = "video"
	CallTypeEmbedding CallType = "embedding"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	switch t {
	case CallTypeChat, CallTypeImage, CallTypeVideo, CallTypeEmbedding:
		return true
	}
	return false
}

// Provider name constants. Logs carry these as free-form strings; the
// constants exist for the built-in catalog and tests.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGoogle     = "google"
	ProviderXAI        = "xai"
	ProviderMistral    = "mistral"
	ProviderPerplexity = "perplexity"
	ProviderMeta       = "meta"
	ProviderLocal      = "local"
)

// Subscription tier names.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// ModelPricing holds per-unit prices for a single model.
// Token prices are per 1000 tokens. Image and video prices are optional;
// nil means the model cannot produce that output (cost computes to 0).
type ModelPricing struct {
	InputPer1kTokens   float64  `json:"inputPer1kTokens" yaml:"input_per_1k_tokens"`
	OutputPer1kTokens  float64  `json:"outputPer1kTokens" yaml:"output_per_1k_tokens"`
	ImagePerGeneration *float64 `json:"imagePerGeneration,omitempty" yaml:"image_per_generation,omitempty"`
	VideoPerSecond     *float64 `json:"videoPerSecond,omitempty" yaml:"video_per_second,omitempty"`
}

// TierLimits holds the quota limits for one subscription tier.
type TierLimits struct {
	TokensPerMonth int64 `json:"tokensPerMonth" yaml:"tokens_per_month"`
	TokensPerDay   int64 `json:"tokensPerDay" yaml:"tokens_per_day"`
	ImagesPerMonth int64 `json:"imagesPerMonth" yaml:"images_per_month"`
	VideosPerMonth int64 `json:"videosPerMonth" yaml:"videos_per_month"`
	MaxFileSizeMB  int64 `json:"maxFileSizeMb" yaml:"max_file_size_mb"`
}

// Table is the immutable pricing and tier lookup table.
type Table struct {
	models map[string]ModelPricing
	tiers  map[string]TierLimits
}

// tableFile is the YAML override file shape.
type tableFile struct {
	Models map[string]ModelPricing `yaml:"models"`
	Tiers  map[string]TierLimits   `yaml:"tiers"`
}

func ptr(v float64) *float64 { return &v }

// DefaultTable returns the built-in model catalog and tier limits.
func DefaultTable() *Table {
	return &Table{
		models: map[string]ModelPricing{
			"gpt-4o":                 {InputPer1kTokens: 0.0025, OutputPer1kTokens: 0.01},
			"gpt-4o-mini":            {InputPer1kTokens: 0.00015, OutputPer1kTokens: 0.0006},
			"o3-mini":                {InputPer1kTokens: 0.0011, OutputPer1kTokens: 0.0044},
			"claude-sonnet-4":        {InputPer1kTokens: 0.003, OutputPer1kTokens: 0.015},
			"claude-3-5-haiku":       {InputPer1kTokens: 0.0008, OutputPer1kTokens: 0.004},
			"gemini-2.0-flash":       {InputPer1kTokens: 0.0001, OutputPer1kTokens: 0.0004},
			"gemini-1.5-pro":         {InputPer1kTokens: 0.00125, OutputPer1kTokens: 0.005},
			"grok-3":                 {InputPer1kTokens: 0.003, OutputPer1kTokens: 0.015},
			"mistral-large":          {InputPer1kTokens: 0.002, OutputPer1kTokens: 0.006},
			"sonar-pro":              {InputPer1kTokens: 0.003, OutputPer1kTokens: 0.015},
			"llama-3.3-70b":          {InputPer1kTokens: 0.00059, OutputPer1kTokens: 0.00079},
			"dall-e-3":               {ImagePerGeneration: ptr(0.04)},
			"imagen-3":               {ImagePerGeneration: ptr(0.03)},
			"veo-2":                  {VideoPerSecond: ptr(0.35)},
			"text-embedding-3-small": {InputPer1kTokens: 0.00002},
		},
		tiers: map[string]TierLimits{
			TierFree: {
				TokensPerMonth: 100_000,
				TokensPerDay:   10_000,
				ImagesPerMonth: 10,
				VideosPerMonth: 2,
				MaxFileSizeMB:  5,
			},
			TierPro: {
				TokensPerMonth: 2_000_000,
				TokensPerDay:   100_000,
				ImagesPerMonth: 200,
				VideosPerMonth: 20,
				MaxFileSizeMB:  50,
			},
			TierEnterprise: {
				TokensPerMonth: 50_000_000,
				TokensPerDay:   2_000_000,
				ImagesPerMonth: 5_000,
				VideosPerMonth: 500,
				MaxFileSizeMB:  500,
			},
		},
	}
}

// Load returns the default table with overrides applied from the given YAML
// file. An empty path returns the defaults unchanged. Entries in the file
// replace (or add to) the built-in catalog per model/tier key.
func Load(path string) (*Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}

	for id, p := range f.Models {
		t.models[id] = p
	}
	for name, l := range f.Tiers {
		t.tiers[name] = l
	}

	return t, nil
}

// Lookup returns the pricing for a model, if it is in the table.
func (t *Table) Lookup(modelID string) (ModelPricing, bool) {
	p, ok := t.models[modelID]
	return p, ok
}

// Tier returns the limits for a tier, if it is in the table.
func (t *Table) Tier(name string) (TierLimits, bool) {
	l, ok := t.tiers[name]
	return l, ok
}

// ModelEntry pairs a model id with its pricing for listings.
type ModelEntry struct {
	ModelID string `json:"modelId"`
	ModelPricing
}

// TierEntry pairs a tier name with its limits for listings.
type TierEntry struct {
	Tier string `json:"tier"`
	TierLimits
}

// Models returns all model entries sorted by model id.
func (t *Table) Models() []ModelEntry {
	out := make([]ModelEntry, 0, len(t.models))
	for id, p := range t.models {
		out = append(out, ModelEntry{ModelID: id, ModelPricing: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Tiers returns all tier entries sorted by monthly token allowance.
func (t *Table) Tiers() []TierEntry {
	out := make([]TierEntry, 0, len(t.tiers))
	for name, l := range t.tiers {
		out = append(out, TierEntry{Tier: name, TierLimits: l})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokensPerMonth < out[j].TokensPerMonth })
	return out
}
