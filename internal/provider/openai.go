package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/resilience"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint: the
// hosted API, vLLM, LiteLLM, and similar proxies.
type OpenAI struct {
	httpClient
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(name string, cfg config.Provider, breaker *resilience.Breaker) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &OpenAI{newHTTPClient(name, cfg, breaker)}
}

// Name returns the configured provider id.
func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) headers() map[string]string {
	h := map[string]string{}
	if key := o.apiKey(); key != "" {
		h["Authorization"] = "Bearer " + key
	}
	return h
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamChat implements Provider using the SSE chat completions stream.
// stream_options.include_usage makes compatible backends report exact token
// counts in the final chunk.
func (o *OpenAI) StreamChat(ctx context.Context, msgs []Message, opts Options, onFragment func(string)) (Usage, error) {
	payload := map[string]any{
		"model":          o.cfg.Model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if opts.Temperature != nil {
		payload["temperature"] = *opts.Temperature
	} else {
		payload["temperature"] = o.cfg.Temperature
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	} else if o.cfg.MaxTokens > 0 {
		payload["max_tokens"] = o.cfg.MaxTokens
	}

	var usage Usage
	var full strings.Builder
	err := o.postStream(ctx, o.cfg.BaseURL+"/v1/chat/completions", payload, o.headers(), func(body io.Reader) error {
		return sseLines(body, func(data []byte) error {
			var c openAIChunk
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("openai: parse chunk: %w", err)
			}
			if len(c.Choices) > 0 && c.Choices[0].Delta.Content != "" {
				full.WriteString(c.Choices[0].Delta.Content)
				onFragment(c.Choices[0].Delta.Content)
			}
			if c.Usage != nil {
				usage.InputTokens = c.Usage.PromptTokens
				usage.OutputTokens = c.Usage.CompletionTokens
			}
			return nil
		})
	})
	if err != nil {
		return Usage{}, err
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = estimateInputTokens(msgs)
		usage.OutputTokens = full.Len() / 4
	}
	usage.Cost = cost(o.cfg, usage.InputTokens, usage.OutputTokens)
	return usage, nil
}

// ListModels returns the backend's model ids.
func (o *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := o.getJSON(ctx, o.cfg.BaseURL+"/v1/models", o.headers(), &result); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
