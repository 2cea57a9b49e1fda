// Package provider defines the unified completion contract that every
// backend vendor adapter implements, plus the registry that routing
// decisions read from.
package provider

import (
	"context"
	"time"
)

type Request struct {
	Model       string
	Prompt      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stream      bool
	// Metadata for routing decisions
	TenantID  string
	RequestID string
	Provider  string // explicit provider override, empty for automatic selection
	Metadata  map[string]string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Usage holds normalized token accounting for one request. Estimated is set
// when the vendor omitted usage and the counts came from the deterministic
// fallback estimator.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
}

// NewUsage builds a Usage whose total is always prompt + completion.
func NewUsage(prompt, completion int, estimated bool) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        estimated,
	}
}

type Response struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
	Provider     string
	Created      time.Time
	LatencyMs    int64
	// CostUSD is filled in by the router after cost tracking ran.
	CostUSD float64
}

// Event is one element of an adapter-native stream, before normalization.
// A well-formed stream ends with exactly one terminal event: Done or Err.
// Usage may arrive on any late event for vendors that report it at stream
// end.
type Event struct {
	Delta        string
	Role         string
	FinishReason string
	Usage        *Usage
	Done         bool
	Err          error
}

// Chunk is one element of the unified stream delivered to callers. Indices
// are gap-free and strictly increasing from 0 within one request. Exactly
// one chunk per stream carries a non-empty FinishReason, and it is the last.
type Chunk struct {
	RequestID    string
	Model        string
	Provider     string
	Index        int
	Delta        string
	Role         string // set on the first chunk only
	FinishReason string // set on the terminal chunk only
	Err          *Error // set when the terminal chunk reports a mid-stream failure
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Event, error)
	// Ping issues the cheapest possible vendor call for health probing.
	Ping(ctx context.Context) error
	Name() string
	Models() []string
	SupportsStreaming() bool
}
