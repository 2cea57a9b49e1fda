// Package gemini adapts the Google Generative Language API to the unified
// provider contract.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wattweiser/llm-gateway/internal/provider"
	"github.com/wattweiser/llm-gateway/internal/tokens"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	geminiReq := p.mapRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyStatus(p.Name(), resp.StatusCode, respBody)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.NewError(provider.KindProviderUnavailable, p.Name(), "malformed response body")
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.NewError(provider.KindProviderUnavailable, p.Name(), "response contained no candidates")
	}

	candidate := geminiResp.Candidates[0]
	content := candidate.Content.Parts[0].Text

	usage := provider.NewUsage(tokens.EstimatePrompt(req), tokens.Estimate(content), true)
	if geminiResp.UsageMetadata != nil {
		usage = provider.NewUsage(geminiResp.UsageMetadata.PromptTokenCount, geminiResp.UsageMetadata.CandidatesTokenCount, false)
	}

	return &provider.Response{
		Content:      content,
		FinishReason: mapFinishReason(candidate.FinishReason),
		Usage:        usage,
		Model:        req.Model,
		Provider:     p.Name(),
		Created:      time.Now(),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var contents []geminiContent
	if req.Prompt != "" && len(req.Messages) == 0 {
		contents = append(contents, geminiContent{
			Role:  "user",
			Parts: []geminiPart{{Text: req.Prompt}},
		})
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	return geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		},
	}
}

// mapFinishReason translates Gemini finish reasons into the unified
// finish_reason vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Event, error) {
	geminiReq := p.mapRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	ch := make(chan *provider.Event)

	go func() {
		defer close(ch)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			emit(ctx, ch, &provider.Event{Err: provider.AsError(p.Name(), err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			emit(ctx, ch, &provider.Event{Err: provider.ClassifyStatus(p.Name(), resp.StatusCode, respBody)})
			return
		}

		reader := bufio.NewReader(resp.Body)
		var usage *provider.Usage
		var finish string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// Gemini streams have no explicit terminal marker.
					evt := &provider.Event{Done: true, Usage: usage, FinishReason: finish}
					emit(ctx, ch, evt)
					return
				}
				emit(ctx, ch, &provider.Event{Err: provider.AsError(p.Name(), err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
				emit(ctx, ch, &provider.Event{Err: provider.NewError(provider.KindProviderUnavailable, p.Name(), "malformed stream payload")})
				return
			}

			if geminiResp.UsageMetadata != nil {
				u := provider.NewUsage(geminiResp.UsageMetadata.PromptTokenCount, geminiResp.UsageMetadata.CandidatesTokenCount, false)
				usage = &u
			}

			if len(geminiResp.Candidates) == 0 {
				continue
			}
			candidate := geminiResp.Candidates[0]
			if candidate.FinishReason != "" {
				finish = mapFinishReason(candidate.FinishReason)
			}
			for _, part := range candidate.Content.Parts {
				if part.Text == "" {
					continue
				}
				if !emit(ctx, ch, &provider.Event{Delta: part.Text, Role: "assistant"}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *GeminiProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1beta/models?key=%s&pageSize=1", p.baseURL, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.AsError(p.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return provider.ClassifyStatus(p.Name(), resp.StatusCode, respBody)
	}
	return nil
}

func emit(ctx context.Context, ch chan<- *provider.Event, evt *provider.Event) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) SupportsStreaming() bool {
	return true
}

func (p *GeminiProvider) Models() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-pro"}
}
