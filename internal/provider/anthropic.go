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

const anthropicVersion = "2023-06-01"

// Anthropic talks to the Anthropic Messages API.
type Anthropic struct {
	httpClient
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(name string, cfg config.Provider, breaker *resilience.Breaker) *Anthropic {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &Anthropic{newHTTPClient(name, cfg, breaker)}
}

// Name returns the configured provider id.
func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey(),
		"anthropic-version": anthropicVersion,
	}
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// StreamChat implements Provider using the Messages SSE stream. The system
// message travels in the dedicated top-level field; Anthropic rejects
// "system" roles inside the messages array.
func (a *Anthropic) StreamChat(ctx context.Context, msgs []Message, opts Options, onFragment func(string)) (Usage, error) {
	var system string
	chat := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		chat = append(chat, m)
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 8192 // the Messages API requires max_tokens
	}

	payload := map[string]any{
		"model":      a.cfg.Model,
		"messages":   chat,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}
	if opts.Temperature != nil {
		payload["temperature"] = *opts.Temperature
	} else {
		payload["temperature"] = a.cfg.Temperature
	}

	var usage Usage
	var full strings.Builder
	err := a.postStream(ctx, a.cfg.BaseURL+"/v1/messages", payload, a.headers(), func(body io.Reader) error {
		return sseLines(body, func(data []byte) error {
			var ev anthropicEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("anthropic: parse event: %w", err)
			}
			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					full.WriteString(ev.Delta.Text)
					onFragment(ev.Delta.Text)
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
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
	usage.Cost = cost(a.cfg, usage.InputTokens, usage.OutputTokens)
	return usage, nil
}

// ListModels returns the available model ids.
func (a *Anthropic) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, a.cfg.BaseURL+"/v1/models", a.headers(), &result); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
