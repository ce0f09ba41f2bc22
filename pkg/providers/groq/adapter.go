// Package groq implements the llm.Adapter against the Groq
// OpenAI-compatible chat completion API.
package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxlane/voxlane/pkg/llm"
	"github.com/voxlane/voxlane/pkg/resilience"
)

const DefaultModel = "llama-3.3-70b-versatile"

type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.groq.com/openai/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "groq" }

func (a *Adapter) Generate(ctx context.Context, in llm.Request) (llm.Response, error) {
	body, err := a.buildRequest(in, false)
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, &resilience.RateLimitError{Err: errors.New(string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, errors.New(string(body))
	}

	var payload completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("no choices")
	}
	return llm.Response{
		Text:         payload.Choices[0].Message.Content,
		FinishReason: payload.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, in llm.Request) (<-chan string, error) {
	body, err := a.buildRequest(in, true)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &resilience.RateLimitError{Err: errors.New(string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errors.New(string(body))
	}

	out := make(chan string, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case <-ctx.Done():
					return
				case out <- text:
				}
			}
		}
	}()
	return out, nil
}

type completionResponse struct {
	Choices []struct {
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (a *Adapter) buildRequest(in llm.Request, stream bool) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.Model,
		"stream":   stream,
		"messages": in.Messages,
	}
	if in.Temperature > 0 {
		req["temperature"] = in.Temperature
	}
	if in.MaxTokens > 0 {
		req["max_tokens"] = in.MaxTokens
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.Adapter = (*Adapter)(nil)
