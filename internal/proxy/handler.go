package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wattweiser/llm-gateway/internal/billing"
	"github.com/wattweiser/llm-gateway/internal/provider"
	"github.com/wattweiser/llm-gateway/internal/tenant"
	"github.com/wattweiser/llm-gateway/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Handler struct {
	router   *Router
	registry *provider.Registry
	store    billing.Store // nil when persistence is disabled
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger
}

func NewHandler(router *Router, registry *provider.Registry, store billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		router:   router,
		registry: registry,
		store:    store,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger,
	}
}

type completionRequest struct {
	Model       string            `json:"model"`
	Prompt      string            `json:"prompt,omitempty"`
	Messages    []messageJSON     `json:"messages,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	TopP        float64           `json:"top_p,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	TenantID    string            `json:"tenantId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type messageJSON struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type errorJSON struct {
	Kind     string             `json:"kind"`
	Message  string             `json:"message"`
	Attempts []provider.Attempt `json:"attempts,omitempty"`
}

// HandleCompletions serves POST /v1/completions, both streaming and
// non-streaming.
func (h *Handler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, provider.NewError(provider.KindCallerError, "", "invalid request body"))
		return
	}
	if body.Model == "" {
		h.writeError(w, provider.NewError(provider.KindCallerError, "", "model is required"))
		return
	}
	if body.TenantID == "" {
		h.writeError(w, provider.NewError(provider.KindCallerError, "", "tenantId is required"))
		return
	}
	if body.Prompt == "" && len(body.Messages) == 0 {
		h.writeError(w, provider.NewError(provider.KindCallerError, "", "prompt or messages is required"))
		return
	}

	requestID := tenant.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := h.tracer.Start(ctx, "gateway.completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", body.TenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", body.Model),
		attribute.Bool("stream", body.Stream),
	)

	estimatedTokens := body.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	allowed, err := h.limiter.Allow(ctx, body.TenantID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]errorJSON{"error": {
			Kind:    provider.KindRateLimited.String(),
			Message: "rate limit exceeded",
		}})
		return
	}

	messages := make([]provider.Message, len(body.Messages))
	for i, m := range body.Messages {
		messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	req := &provider.Request{
		Model:       body.Model,
		Prompt:      body.Prompt,
		Messages:    messages,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stream:      body.Stream,
		TenantID:    body.TenantID,
		RequestID:   requestID,
		Provider:    body.Provider,
		Metadata:    body.Metadata,
	}

	if req.Stream {
		h.serveStream(ctx, w, req)
		return
	}

	resp, gerr := h.router.Complete(ctx, req)
	if gerr != nil {
		h.writeError(w, gerr)
		return
	}

	respID := resp.ID
	if respID == "" {
		respID = requestID
	}

	usage := map[string]interface{}{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
		"cost_usd":          resp.CostUSD,
	}
	if resp.Usage.Estimated {
		usage["estimated"] = true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"created":  resp.Created.Unix(),
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": resp.FinishReason,
			},
		},
		"usage": usage,
	})
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkJSON struct {
	ID       string        `json:"id"`
	Object   string        `json:"object"`
	Created  int64         `json:"created"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Choices  []chunkChoice `json:"choices"`
	Error    *errorJSON    `json:"error,omitempty"`
}

func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, req *provider.Request) {
	chunks, gerr := h.router.CompleteStream(ctx, req)
	if gerr != nil {
		h.writeError(w, gerr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	created := time.Now().Unix()

	for chunk := range chunks {
		out := chunkJSON{
			ID:       req.RequestID,
			Object:   "chat.completion.chunk",
			Created:  created,
			Model:    chunk.Model,
			Provider: chunk.Provider,
			Choices: []chunkChoice{{
				Index: 0,
				Delta: chunkDelta{Role: chunk.Role, Content: chunk.Delta},
			}},
		}
		if chunk.FinishReason != "" {
			fr := chunk.FinishReason
			out.Choices[0].FinishReason = &fr
		}
		if chunk.Err != nil {
			out.Error = &errorJSON{
				Kind:    chunk.Err.Kind.String(),
				Message: chunk.Err.Message,
			}
		}

		data, err := json.Marshal(out)
		if err != nil {
			h.logger.Error("failed to encode stream chunk", zap.Error(err))
			break
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		if chunk.FinishReason != "" {
			break
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// HandleProviders serves GET /v1/providers: health and capability of every
// configured provider.
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"providers": h.registry.Snapshot(),
	})
}

// HandleUsage serves GET /v1/usage for one tenant over an optional time
// range (default: last 30 days).
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		h.writeError(w, provider.NewError(provider.KindCallerError, "", "tenantId is required"))
		return
	}
	if h.store == nil {
		http.Error(w, `{"error":"usage persistence is not configured"}`, http.StatusNotImplemented)
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			h.writeError(w, provider.NewError(provider.KindCallerError, "", "invalid 'from' date format (use RFC3339)"))
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			h.writeError(w, provider.NewError(provider.KindCallerError, "", "invalid 'to' date format (use RFC3339)"))
			return
		}
	}

	recs, err := h.store.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("failed to query usage", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	totalCost, err := h.store.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("failed to query total cost", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": len(recs),
		"total_cost_usd": totalCost,
		"records":        recs,
		"from":           from,
		"to":             to,
	})
}

func statusFor(kind provider.Kind) int {
	switch kind {
	case provider.KindModelNotFound:
		return http.StatusNotFound
	case provider.KindCallerError:
		return http.StatusBadRequest
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) writeError(w http.ResponseWriter, gerr *provider.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(gerr.Kind))
	json.NewEncoder(w).Encode(map[string]errorJSON{"error": {
		Kind:     gerr.Kind.String(),
		Message:  gerr.Message,
		Attempts: gerr.Attempts,
	}})
}
