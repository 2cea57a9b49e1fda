package proxy

import (
	"context"
	"time"

	"github.com/wattweiser/llm-gateway/internal/billing"
	"github.com/wattweiser/llm-gateway/internal/metrics"
	"github.com/wattweiser/llm-gateway/internal/provider"
	"github.com/wattweiser/llm-gateway/internal/stream"
	"github.com/wattweiser/llm-gateway/internal/tokens"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RouterConfig bounds the failover algorithm.
type RouterConfig struct {
	// MaxAttempts is the attempt count per provider for retryable
	// failures before moving to the next candidate.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// Router resolves a request to one provider response or stream, retrying
// and failing over per the error taxonomy. It is the only component that
// talks to the registry, the adapters, the normalizer and the cost
// tracker.
type Router struct {
	registry *provider.Registry
	tracker  *billing.Tracker
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
	cfg      RouterConfig
}

func NewRouter(registry *provider.Registry, tracker *billing.Tracker, m *metrics.Metrics, tracer trace.Tracer, logger *zap.Logger, cfg RouterConfig) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	return &Router{
		registry: registry,
		tracker:  tracker,
		metrics:  m,
		tracer:   tracer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Complete produces exactly one successful response, or a terminal error
// after exhausting fallback.
func (r *Router) Complete(ctx context.Context, req *provider.Request) (*provider.Response, *provider.Error) {
	candidates, gerr := r.candidates(req, false)
	if gerr != nil {
		return nil, gerr
	}

	var attempts []provider.Attempt
	for _, entry := range candidates {
		resp, gerr := r.attemptComplete(ctx, entry, req)
		if gerr == nil {
			r.recordUsage(req, resp)
			return resp, nil
		}
		attempts = append(attempts, provider.Attempt{
			Provider: entry.Name(),
			Kind:     gerr.Kind,
			Reason:   gerr.Kind.String(),
		})
		if gerr.Kind.Terminal() {
			return nil, gerr
		}
		r.noteFailover(entry, gerr)
	}
	return nil, provider.Exhausted(attempts)
}

func (r *Router) attemptComplete(ctx context.Context, entry *provider.Entry, req *provider.Request) (*provider.Response, *provider.Error) {
	var gerr *provider.Error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		_, span := r.tracer.Start(ctx, "router.attempt")
		span.SetAttributes(
			attribute.String("provider", entry.Name()),
			attribute.String("model", req.Model),
			attribute.Int("attempt", attempt),
		)

		cctx, cancel := context.WithTimeout(ctx, entry.Timeout())
		start := time.Now()
		resp, err := entry.Provider().Complete(cctx, req)
		cancel()
		entry.Observe(err)
		span.End()

		if err == nil {
			resp.Provider = entry.Name()
			resp.LatencyMs = time.Since(start).Milliseconds()
			if resp.Created.IsZero() {
				resp.Created = time.Now()
			}
			return resp, nil
		}

		gerr = provider.AsError(entry.Name(), err)
		r.logger.Warn("provider attempt failed",
			zap.String("provider", entry.Name()),
			zap.String("model", req.Model),
			zap.String("kind", gerr.Kind.String()),
			zap.Int("attempt", attempt),
		)
		if !gerr.Kind.Retryable() || attempt == r.cfg.MaxAttempts {
			return nil, gerr
		}
		if !r.backoff(ctx, attempt) {
			return nil, provider.AsError(entry.Name(), ctx.Err())
		}
	}
	return nil, gerr
}

// CompleteStream walks candidates until a provider delivers its first
// event, then commits: the normalized stream is returned and no further
// failover happens for this request.
func (r *Router) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, *provider.Error) {
	candidates, gerr := r.candidates(req, true)
	if gerr != nil {
		return nil, gerr
	}

	var attempts []provider.Attempt
	for _, entry := range candidates {
		events, first, cancel, gerr := r.openStream(ctx, entry, req)
		if gerr != nil {
			attempts = append(attempts, provider.Attempt{
				Provider: entry.Name(),
				Kind:     gerr.Kind,
				Reason:   gerr.Kind.String(),
			})
			if gerr.Kind.Terminal() {
				return nil, gerr
			}
			r.noteFailover(entry, gerr)
			continue
		}
		return r.commitStream(ctx, entry, req, events, first, cancel), nil
	}
	return nil, provider.Exhausted(attempts)
}

// openStream opens a provider stream and waits for its first event,
// applying the same retry-with-backoff rules as non-streaming attempts.
// Once a good first event is in hand, failover is no longer possible.
func (r *Router) openStream(ctx context.Context, entry *provider.Entry, req *provider.Request) (<-chan *provider.Event, *provider.Event, context.CancelFunc, *provider.Error) {
	var gerr *provider.Error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		sctx, cancel := context.WithCancel(ctx)
		events, first, err := r.firstEvent(sctx, entry, req)
		entry.Observe(err)
		if err == nil {
			return events, first, cancel, nil
		}
		cancel()

		gerr = provider.AsError(entry.Name(), err)
		r.logger.Warn("provider stream attempt failed",
			zap.String("provider", entry.Name()),
			zap.String("model", req.Model),
			zap.String("kind", gerr.Kind.String()),
			zap.Int("attempt", attempt),
		)
		if !gerr.Kind.Retryable() || attempt == r.cfg.MaxAttempts {
			return nil, nil, nil, gerr
		}
		if !r.backoff(ctx, attempt) {
			return nil, nil, nil, provider.AsError(entry.Name(), ctx.Err())
		}
	}
	return nil, nil, nil, gerr
}

func (r *Router) firstEvent(sctx context.Context, entry *provider.Entry, req *provider.Request) (<-chan *provider.Event, *provider.Event, error) {
	events, err := entry.Provider().CompleteStream(sctx, req)
	if err != nil {
		return nil, nil, err
	}

	timer := time.NewTimer(entry.Timeout())
	defer timer.Stop()

	select {
	case evt, ok := <-events:
		if !ok {
			return nil, nil, provider.NewError(provider.KindProviderUnavailable, entry.Name(), "stream closed before first event")
		}
		if evt.Err != nil {
			return nil, nil, evt.Err
		}
		return events, evt, nil
	case <-timer.C:
		return nil, nil, provider.NewError(provider.KindTimeout, entry.Name(), "no stream event within provider timeout")
	case <-sctx.Done():
		return nil, nil, sctx.Err()
	}
}

func (r *Router) commitStream(ctx context.Context, entry *provider.Entry, req *provider.Request, events <-chan *provider.Event, first *provider.Event, cancel context.CancelFunc) <-chan *provider.Chunk {
	// Replay the buffered first event ahead of the live stream.
	merged := make(chan *provider.Event)
	go func() {
		defer close(merged)
		select {
		case merged <- first:
		case <-ctx.Done():
			return
		}
		for evt := range events {
			select {
			case merged <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	opts := stream.Options{
		RequestID:    req.RequestID,
		Model:        req.Model,
		Provider:     entry.Name(),
		PromptTokens: tokens.EstimatePrompt(req),
		Cancel:       cancel,
		OnDone: func(res stream.Result) {
			if res.Err != nil {
				entry.Observe(res.Err)
				r.metrics.Requests.WithLabelValues(entry.Name(), req.Model, "mid_stream_failure").Inc()
				return
			}
			if res.Canceled {
				r.metrics.Requests.WithLabelValues(entry.Name(), req.Model, "canceled").Inc()
				return
			}
			r.recordUsage(req, &provider.Response{
				Provider:     entry.Name(),
				Model:        req.Model,
				Content:      res.Content,
				FinishReason: res.FinishReason,
				Usage:        res.Usage,
			})
		},
	}
	return stream.Normalize(ctx, opts, merged)
}

// candidates resolves the failover order or fails fast on an unknown
// model. For streaming requests, providers without streaming support are
// excluded.
func (r *Router) candidates(req *provider.Request, streaming bool) ([]*provider.Entry, *provider.Error) {
	supporters := r.registry.SupportersOf(req.Model)
	if len(supporters) == 0 {
		return nil, provider.NewError(provider.KindModelNotFound, "", "no configured provider supports model "+req.Model)
	}

	all := r.registry.CandidatesFor(req.Model, req.Provider)
	var candidates []*provider.Entry
	for _, e := range all {
		if streaming && !e.SupportsStreaming() {
			continue
		}
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		attempts := make([]provider.Attempt, 0, len(supporters))
		for _, e := range supporters {
			attempts = append(attempts, provider.Attempt{
				Provider: e.Name(),
				Kind:     provider.KindProviderUnavailable,
				Reason:   provider.KindProviderUnavailable.String(),
			})
		}
		return nil, provider.Exhausted(attempts)
	}
	return candidates, nil
}

func (r *Router) noteFailover(entry *provider.Entry, gerr *provider.Error) {
	if gerr.Kind == provider.KindProviderUnavailable {
		entry.MarkDegraded()
	}
	r.metrics.Failovers.WithLabelValues(entry.Name(), gerr.Kind.String()).Inc()
}

// recordUsage hands completed usage to the cost tracker before the
// response or stream is released to the caller.
func (r *Router) recordUsage(req *provider.Request, resp *provider.Response) {
	rec := &billing.UsageRecord{
		TenantID:         req.TenantID,
		RequestID:        req.RequestID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Estimated:        resp.Usage.Estimated,
		LatencyMs:        resp.LatencyMs,
	}
	r.tracker.Record(rec)
	resp.CostUSD = rec.CostUSD

	r.metrics.Requests.WithLabelValues(resp.Provider, resp.Model, "success").Inc()
	r.metrics.ObserveUsage(resp.Provider, resp.Model, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD)
}

func (r *Router) backoff(ctx context.Context, attempt int) bool {
	delay := r.cfg.BackoffBase << (attempt - 1)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
