package pricing

import "unicode/utf8"

// EstimateTokens approximates the token count of a text as ceil(chars / 4).
// This is a deliberate heuristic, not a tokenizer; callers that have real
// token counts from a provider response should prefer those. The only
// guarantees are EstimateTokens("") == 0 and monotonicity in text length.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
