package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wattweiser/llm-gateway/internal/provider"
)

func collect(t *testing.T, ch <-chan *provider.Chunk) []*provider.Chunk {
	t.Helper()
	var out []*provider.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func feed(events ...*provider.Event) <-chan *provider.Event {
	ch := make(chan *provider.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestNormalize_GapFreeIndices(t *testing.T) {
	var res Result
	ch := Normalize(context.Background(), Options{
		RequestID: "req-1",
		Model:     "m",
		Provider:  "p",
		OnDone:    func(r Result) { res = r },
	}, feed(
		&provider.Event{Delta: "Hel", Role: "assistant"},
		&provider.Event{Delta: "lo"},
		&provider.Event{}, // keep-alive with no payload
		&provider.Event{Delta: "!"},
		&provider.Event{FinishReason: "stop"},
		&provider.Event{Done: true},
	))

	chunks := collect(t, ch)
	if len(chunks) != 4 {
		t.Fatalf("Expected 4 chunks (3 deltas + terminal), got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d: expected index %d, got %d", i, i, c.Index)
		}
		if c.RequestID != "req-1" || c.Model != "m" || c.Provider != "p" {
			t.Errorf("chunk %d: missing identity fields: %+v", i, c)
		}
	}
	if chunks[0].Role != "assistant" {
		t.Error("Expected role on the first chunk")
	}
	if chunks[1].Role != "" {
		t.Error("Expected role only on the first chunk")
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason != "stop" || last.Delta != "" {
		t.Errorf("Expected bare terminal chunk, got %+v", last)
	}
	if res.Content != "Hello!" {
		t.Errorf("Expected accumulated content 'Hello!', got %q", res.Content)
	}
	if res.FinishReason != "stop" {
		t.Errorf("Expected finish stop, got %q", res.FinishReason)
	}
}

func TestNormalize_SynthesizesStopOnClose(t *testing.T) {
	ch := Normalize(context.Background(), Options{}, feed(
		&provider.Event{Delta: "hi"},
	))
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].FinishReason != "stop" {
		t.Errorf("Expected synthesized finish stop, got %q", chunks[1].FinishReason)
	}
}

func TestNormalize_DefaultsRoleToAssistant(t *testing.T) {
	ch := Normalize(context.Background(), Options{}, feed(
		&provider.Event{Delta: "hi"},
		&provider.Event{Done: true},
	))
	chunks := collect(t, ch)
	if chunks[0].Role != "assistant" {
		t.Errorf("Expected default role assistant, got %q", chunks[0].Role)
	}
}

func TestNormalize_MidStreamFailure(t *testing.T) {
	var res Result
	ch := Normalize(context.Background(), Options{
		Provider: "p",
		OnDone:   func(r Result) { res = r },
	}, feed(
		&provider.Event{Delta: "a"},
		&provider.Event{Delta: "b"},
		&provider.Event{Delta: "c"},
		&provider.Event{Err: errors.New("connection reset")},
	))

	chunks := collect(t, ch)
	if len(chunks) != 4 {
		t.Fatalf("Expected 4 chunks, got %d", len(chunks))
	}
	last := chunks[3]
	if last.Index != 3 {
		t.Errorf("Expected terminal chunk at index 3, got %d", last.Index)
	}
	if last.FinishReason != "error" || last.Err == nil {
		t.Fatalf("Expected terminal error chunk, got %+v", last)
	}
	if last.Err.Kind != provider.KindMidStreamFailure {
		t.Errorf("Expected mid_stream_failure, got %s", last.Err.Kind)
	}
	if res.Err == nil || res.Err.Kind != provider.KindMidStreamFailure {
		t.Errorf("Expected failure surfaced in result, got %+v", res.Err)
	}
}

func TestNormalize_VendorUsagePreferred(t *testing.T) {
	usage := provider.NewUsage(10, 20, false)
	var res Result
	ch := Normalize(context.Background(), Options{
		PromptTokens: 99,
		OnDone:       func(r Result) { res = r },
	}, feed(
		&provider.Event{Delta: "hi"},
		&provider.Event{Done: true, Usage: &usage, FinishReason: "stop"},
	))
	collect(t, ch)

	if res.Usage.Estimated {
		t.Error("Expected vendor usage to win over the estimator")
	}
	if res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 20 {
		t.Errorf("Unexpected usage: %+v", res.Usage)
	}
}

func TestNormalize_EstimatesUsageWhenMissing(t *testing.T) {
	var res Result
	ch := Normalize(context.Background(), Options{
		PromptTokens: 5,
		OnDone:       func(r Result) { res = r },
	}, feed(
		&provider.Event{Delta: "12345678"}, // 8 chars -> 2 tokens
		&provider.Event{Done: true},
	))
	collect(t, ch)

	if !res.Usage.Estimated {
		t.Fatal("Expected estimated usage")
	}
	if res.Usage.PromptTokens != 5 || res.Usage.CompletionTokens != 2 {
		t.Errorf("Unexpected estimate: %+v", res.Usage)
	}
	if res.Usage.TotalTokens != 7 {
		t.Errorf("Expected total 7, got %d", res.Usage.TotalTokens)
	}
}

func TestNormalize_CancelStopsAndReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	events := make(chan *provider.Event)
	done := make(chan Result, 1)
	upstreamCanceled := false

	ch := Normalize(ctx, Options{
		Cancel: func() { upstreamCanceled = true },
		OnDone: func(r Result) { done <- r },
	}, events)

	events <- &provider.Event{Delta: "a"}
	if c := <-ch; c.Delta != "a" {
		t.Fatalf("Expected delta a, got %+v", c)
	}

	cancel()

	select {
	case res := <-done:
		if !res.Canceled {
			t.Error("Expected canceled result")
		}
	case <-time.After(time.Second):
		t.Fatal("Normalizer did not stop after cancellation")
	}
	if !upstreamCanceled {
		t.Error("Expected upstream cancel to be invoked")
	}

	if _, ok := <-ch; ok {
		// A chunk may have raced out; the channel must still close.
		for range ch {
		}
	}
}
