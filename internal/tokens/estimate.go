// Package tokens provides the deterministic fallback token estimator used
// when a vendor omits usage metrics. Estimates are flagged as such all the
// way into billing records; they are never mixed silently with
// vendor-reported counts.
package tokens

import "github.com/wattweiser/llm-gateway/internal/provider"

// Rough average of 4 characters per token.
const charsPerToken = 4

// Estimate returns the approximate token count of a text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + charsPerToken - 1) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimatePrompt approximates the prompt token count of a request,
// whichever of prompt or messages is populated.
func EstimatePrompt(req *provider.Request) int {
	if req.Prompt != "" {
		return Estimate(req.Prompt)
	}
	total := 0
	for _, m := range req.Messages {
		total += Estimate(m.Content)
	}
	return total
}
