package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wattweiser/llm-gateway/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-flash:generateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("Expected api key in query, got %q", r.URL.Query().Get("key"))
		}

		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Role:  "model",
						Parts: []geminiPart{{Text: "Hello from Gemini mock!"}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: &geminiUsageMetadata{
				PromptTokenCount:     8,
				CandidatesTokenCount: 16,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := New("test-key", server.URL)

	resp, err := p.Complete(context.Background(), &provider.Request{
		Model:  "gemini-1.5-flash",
		Prompt: "hi",
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Gemini mock!" {
		t.Errorf("Expected 'Hello from Gemini mock!', got %s", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected STOP to map to stop, got %s", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 8 || resp.Usage.CompletionTokens != 16 || resp.Usage.TotalTokens != 24 {
		t.Errorf("Unexpected usage: %+v", resp.Usage)
	}
	if resp.Usage.Estimated {
		t.Error("Expected vendor-reported usage, got estimated")
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]string{
		"":           "stop",
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"OTHER":      "other",
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")

		payloads := []geminiResponse{
			{Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "Hello"}}}}}},
			{Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: " from Gemini!"}}}}}},
			{
				Candidates:    []geminiCandidate{{FinishReason: "STOP"}},
				UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 9},
			},
		}
		for _, pl := range payloads {
			data, _ := json.Marshal(pl)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		// Gemini SSE streams just end; there is no [DONE] marker.
	}))
	defer server.Close()

	p := New("test-key", server.URL)
	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Model:  "gemini-1.5-flash",
		Prompt: "hi",
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content, finish string
	var usage *provider.Usage
	var done bool
	for evt := range ch {
		if evt.Err != nil {
			t.Fatalf("Received error event: %v", evt.Err)
		}
		if evt.Done {
			done = true
			if evt.Usage != nil {
				usage = evt.Usage
			}
			if evt.FinishReason != "" {
				finish = evt.FinishReason
			}
			continue
		}
		content += evt.Delta
	}

	if !done {
		t.Error("Expected a terminal event")
	}
	if content != "Hello from Gemini!" {
		t.Errorf("Expected 'Hello from Gemini!', got %s", content)
	}
	if finish != "stop" {
		t.Errorf("Expected finish_reason stop, got %q", finish)
	}
	if usage == nil || usage.PromptTokens != 5 || usage.CompletionTokens != 9 {
		t.Errorf("Expected usage 5/9, got %+v", usage)
	}
}

func TestComplete_VendorError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"Invalid argument","status":"INVALID_ARGUMENT"}}`)
	}))
	defer server.Close()

	p := New("test-key", server.URL)
	_, err := p.Complete(context.Background(), &provider.Request{
		Model:  "gemini-1.5-flash",
		Prompt: "hi",
	})
	var gerr *provider.Error
	if !errors.As(err, &gerr) || gerr.Kind != provider.KindCallerError {
		t.Fatalf("Expected caller_error, got %v", err)
	}
	if !strings.Contains(gerr.Message, "Invalid argument") {
		t.Errorf("Expected extracted vendor message, got %q", gerr.Message)
	}
}

func TestName(t *testing.T) {
	p := New("test-key", "")
	if p.Name() != "gemini" {
		t.Errorf("Expected gemini, got %s", p.Name())
	}
	if !p.SupportsStreaming() {
		t.Error("Expected streaming support")
	}
}
