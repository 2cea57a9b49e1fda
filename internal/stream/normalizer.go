// Package stream turns an adapter-native event stream into the unified
// chunk sequence: indexed from zero, gap-free, empty deltas suppressed,
// exactly one terminal chunk.
package stream

import (
	"context"

	"github.com/wattweiser/llm-gateway/internal/provider"
	"github.com/wattweiser/llm-gateway/internal/tokens"
)

// Result summarizes a finished stream for accounting.
type Result struct {
	Content      string
	FinishReason string
	Usage        provider.Usage
	Chunks       int
	Canceled     bool
	Err          *provider.Error
}

type Options struct {
	RequestID string
	Model     string
	Provider  string
	// PromptTokens feeds the estimator when the vendor reports no usage.
	PromptTokens int
	// Cancel closes the upstream provider stream. Invoked exactly once,
	// when the normalizer stops for any reason.
	Cancel context.CancelFunc
	// OnDone receives the final accounting exactly once.
	OnDone func(Result)
}

// Normalize consumes events until a terminal event, the upstream closes, or
// ctx is cancelled. It never reorders and never buffers more than the event
// in hand. The returned channel is closed after the terminal chunk.
func Normalize(ctx context.Context, opts Options, events <-chan *provider.Event) <-chan *provider.Chunk {
	out := make(chan *provider.Chunk)

	go func() {
		defer close(out)

		var (
			content []byte
			usage   *provider.Usage
			finish  string
			index   int
			role    string
			res     Result
		)
		defer func() {
			if opts.Cancel != nil {
				opts.Cancel()
			}
			res.Content = string(content)
			res.Chunks = index
			if usage != nil {
				res.Usage = *usage
			} else {
				res.Usage = provider.NewUsage(opts.PromptTokens, tokens.Estimate(string(content)), true)
			}
			if opts.OnDone != nil {
				opts.OnDone(res)
			}
		}()

		send := func(c *provider.Chunk) bool {
			c.RequestID = opts.RequestID
			c.Model = opts.Model
			c.Provider = opts.Provider
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				res.Canceled = true
				return false
			}
		}

		for {
			var evt *provider.Event
			var ok bool
			select {
			case evt, ok = <-events:
			case <-ctx.Done():
				res.Canceled = true
				return
			}
			if !ok {
				// Upstream ended without an explicit terminal event:
				// synthesize one.
				evt = &provider.Event{Done: true}
			}

			if evt.Err != nil {
				gerr := provider.AsError(opts.Provider, evt.Err)
				res.Err = &provider.Error{
					Kind:     provider.KindMidStreamFailure,
					Provider: opts.Provider,
					Message:  gerr.Message,
				}
				res.FinishReason = "error"
				if send(&provider.Chunk{Index: index, FinishReason: "error", Err: res.Err}) {
					index++
				}
				return
			}

			if evt.Usage != nil {
				usage = evt.Usage
			}
			if evt.FinishReason != "" {
				finish = evt.FinishReason
			}
			if evt.Role != "" && role == "" {
				role = evt.Role
			}

			if evt.Delta != "" {
				content = append(content, evt.Delta...)
				chunk := &provider.Chunk{Index: index, Delta: evt.Delta}
				if index == 0 {
					if role == "" {
						role = "assistant"
					}
					chunk.Role = role
				}
				if !send(chunk) {
					return
				}
				index++
			}

			if evt.Done || !ok {
				if finish == "" {
					finish = "stop"
				}
				res.FinishReason = finish
				if send(&provider.Chunk{Index: index, FinishReason: finish}) {
					index++
				}
				return
			}
		}
	}()

	return out
}
