package ledger

import "fmt"

// Resource is a quota-gated resource type.
type Resource string

const (
	ResourceTokens Resource = "tokens"
	ResourceImages Resource = "images"
	ResourceVideos Resource = "videos"
)

// ParseResource validates a resource string.
func ParseResource(s string) (Resource, error) {
	switch Resource(s) {
	case ResourceTokens, ResourceImages, ResourceVideos:
		return Resource(s), nil
	}
	return "", fmt.Errorf("unknown resource %q (valid: tokens, images, videos)", s)
}

// QuotaDecision is the result of an admission check. Remaining is the raw
// limit-minus-used value and may be negative when a user is already over
// quota; display paths should clamp it at zero.
type QuotaDecision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
}

// CheckQuota decides whether consuming amount more units of the resource is
// allowed given the current summary. Pure read; a zero limit blocks every
// non-zero request.
func CheckQuota(sum Summary, resource Resource, amount int64) (QuotaDecision, error) {
	var used, limit int64
	switch resource {
	case ResourceTokens:
		used, limit = sum.TokensUsed, sum.TokensLimit
	case ResourceImages:
		used, limit = sum.ImagesGenerated, sum.ImagesLimit
	case ResourceVideos:
		used, limit = sum.VideosGenerated, sum.VideosLimit
	default:
		return QuotaDecision{}, fmt.Errorf("unknown resource %q", resource)
	}

	return QuotaDecision{
		Allowed:   used+amount <= limit,
		Remaining: limit - used,
		Limit:     limit,
	}, nil
}

// QuotaError reports a denied admission check on the record path.
type QuotaError struct {
	Resource Resource
	Decision QuotaDecision
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded (limit %d)", e.Resource, e.Decision.Limit)
}
