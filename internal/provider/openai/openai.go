// Package openai adapts the OpenAI chat completions API to the unified
// provider contract.
package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	openAIReq := p.mapRequest(req)
	body, err := json.Marshal(openAIReq)
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

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.NewError(provider.KindProviderUnavailable, p.Name(), "malformed response body")
	}

	if len(openAIResp.Choices) == 0 {
		return nil, provider.NewError(provider.KindProviderUnavailable, p.Name(), "response contained no choices")
	}

	choice := openAIResp.Choices[0]
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}

	usage := provider.NewUsage(tokens.EstimatePrompt(req), tokens.Estimate(choice.Message.Content), true)
	if openAIResp.Usage != nil {
		usage = provider.NewUsage(openAIResp.Usage.PromptTokens, openAIResp.Usage.CompletionTokens, false)
	}

	return &provider.Response{
		ID:           openAIResp.ID,
		Content:      choice.Message.Content,
		FinishReason: finish,
		Usage:        usage,
		Model:        openAIResp.Model,
		Provider:     p.Name(),
		Created:      time.Unix(openAIResp.Created, 0),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.Prompt != "" && len(req.Messages) == 0 {
		messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Event, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true
	openAIReq.StreamOptions = &streamOptions{IncludeUsage: true}
	body, err := json.Marshal(openAIReq)
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

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// Vendor stream ended without [DONE]; synthesize the
					// terminal event.
					emit(ctx, ch, &provider.Event{Done: true})
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
			if data == "[DONE]" {
				emit(ctx, ch, &provider.Event{Done: true})
				return
			}

			var openAIResp openAIResponse
			if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
				emit(ctx, ch, &provider.Event{Err: provider.NewError(provider.KindProviderUnavailable, p.Name(), "malformed stream payload")})
				return
			}

			evt := &provider.Event{}
			if len(openAIResp.Choices) > 0 {
				choice := openAIResp.Choices[0]
				evt.Delta = choice.Delta.Content
				evt.Role = choice.Delta.Role
				evt.FinishReason = choice.FinishReason
			}
			if openAIResp.Usage != nil {
				u := provider.NewUsage(openAIResp.Usage.PromptTokens, openAIResp.Usage.CompletionTokens, false)
				evt.Usage = &u
			}
			if evt.Delta == "" && evt.Role == "" && evt.FinishReason == "" && evt.Usage == nil {
				continue
			}
			if !emit(ctx, ch, evt) {
				return
			}
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/models", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

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

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) SupportsStreaming() bool {
	return true
}

func (p *OpenAIProvider) Models() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}
}
