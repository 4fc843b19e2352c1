package ledger

import "github.com/tidwall/gjson"

// tokenPaths maps known provider response shapes to their token count
// fields, tried in order: OpenAI-compatible chat completions, Anthropic
// messages, and Gemini generateContent.
var tokenPaths = []struct {
	input  string
	output string
}{
	{"usage.prompt_tokens", "usage.completion_tokens"},
	{"usage.input_tokens", "usage.output_tokens"},
	{"usageMetadata.promptTokenCount", "usageMetadata.candidatesTokenCount"},
}

// ExtractTokens pulls normalized token counts out of a raw provider response
// payload. It returns ok=false when the payload is not valid JSON or matches
// none of the known usage shapes; callers then fall back to their own
// estimates.
func ExtractTokens(raw []byte) (tokensInput, tokensOutput int, ok bool) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return 0, 0, false
	}

	for _, p := range tokenPaths {
		in := gjson.GetBytes(raw, p.input)
		out := gjson.GetBytes(raw, p.output)
		if in.Exists() || out.Exists() {
			return int(in.Int()), int(out.Int()), true
		}
	}

	return 0, 0, false
}
