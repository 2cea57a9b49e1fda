package tokens

import (
	"testing"

	"github.com/wattweiser/llm-gateway/internal/provider"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tc := range cases {
		if got := Estimate(tc.text); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimatePrompt(t *testing.T) {
	if got := EstimatePrompt(&provider.Request{Prompt: "12345678"}); got != 2 {
		t.Errorf("Expected 2 tokens for prompt, got %d", got)
	}

	req := &provider.Request{Messages: []provider.Message{
		{Role: "system", Content: "abcd"},
		{Role: "user", Content: "abcdefgh"},
	}}
	if got := EstimatePrompt(req); got != 3 {
		t.Errorf("Expected 3 tokens across messages, got %d", got)
	}

	if got := EstimatePrompt(&provider.Request{}); got != 0 {
		t.Errorf("Expected 0 for empty request, got %d", got)
	}
}
