// Package claude adapts the Anthropic messages API to the unified provider
// contract.
package claude

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

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string       `json:"type"`
	Delta   claudeDelta  `json:"delta,omitempty"`
	Message struct {
		Usage claudeUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *claudeUsage `json:"usage,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey, baseURL string) *ClaudeProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	claudeReq := p.mapRequest(req)
	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyStatus(p.Name(), resp.StatusCode, respBody)
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.NewError(provider.KindProviderUnavailable, p.Name(), "malformed response body")
	}

	if len(claudeResp.Content) == 0 {
		return nil, provider.NewError(provider.KindProviderUnavailable, p.Name(), "response contained no content")
	}

	content := claudeResp.Content[0].Text
	usage := provider.NewUsage(tokens.EstimatePrompt(req), tokens.Estimate(content), true)
	if claudeResp.Usage.InputTokens > 0 || claudeResp.Usage.OutputTokens > 0 {
		usage = provider.NewUsage(claudeResp.Usage.InputTokens, claudeResp.Usage.OutputTokens, false)
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      content,
		FinishReason: mapStopReason(claudeResp.StopReason),
		Usage:        usage,
		Model:        claudeResp.Model,
		Provider:     p.Name(),
		Created:      time.Now(),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	if req.Prompt != "" && len(req.Messages) == 0 {
		messages = append(messages, claudeMessage{Role: "user", Content: req.Prompt})
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

func (p *ClaudeProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// mapStopReason translates Anthropic stop reasons into the unified
// finish_reason vocabulary.
func mapStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Event, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true
	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

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

		var (
			reader       = bufio.NewReader(resp.Body)
			currentEvent string
			inputTokens  int
			outputTokens int
			sawUsage     bool
		)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					emit(ctx, ch, p.doneEvent(inputTokens, outputTokens, sawUsage))
					return
				}
				emit(ctx, ch, &provider.Event{Err: provider.AsError(p.Name(), err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "message_start":
				var evt claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &evt); err == nil {
					inputTokens = evt.Message.Usage.InputTokens
					sawUsage = sawUsage || inputTokens > 0
				}
			case "content_block_delta":
				var evt claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					continue
				}
				if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
					if !emit(ctx, ch, &provider.Event{Delta: evt.Delta.Text, Role: "assistant"}) {
						return
					}
				}
			case "message_delta":
				var evt claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					continue
				}
				if evt.Usage != nil {
					outputTokens = evt.Usage.OutputTokens
					sawUsage = true
				}
				if evt.Delta.StopReason != "" {
					if !emit(ctx, ch, &provider.Event{FinishReason: mapStopReason(evt.Delta.StopReason)}) {
						return
					}
				}
			case "message_stop":
				emit(ctx, ch, p.doneEvent(inputTokens, outputTokens, sawUsage))
				return
			case "error":
				var evt claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &evt); err == nil && evt.Error != nil {
					emit(ctx, ch, &provider.Event{Err: provider.NewError(provider.KindProviderUnavailable, p.Name(), evt.Error.Message)})
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *ClaudeProvider) doneEvent(input, output int, sawUsage bool) *provider.Event {
	evt := &provider.Event{Done: true}
	if sawUsage {
		u := provider.NewUsage(input, output, false)
		evt.Usage = &u
	}
	return evt
}

func (p *ClaudeProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/models", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) SupportsStreaming() bool {
	return true
}

func (p *ClaudeProvider) Models() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	}
}
