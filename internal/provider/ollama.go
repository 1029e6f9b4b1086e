package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/resilience"
)

// Ollama talks to a local Ollama runtime via its native /api endpoints.
type Ollama struct {
	httpClient
}

// NewOllama creates an Ollama provider.
func NewOllama(name string, cfg config.Provider, breaker *resilience.Breaker) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &Ollama{newHTTPClient(name, cfg, breaker)}
}

// Name returns the configured provider id.
func (o *Ollama) Name() string { return o.name }

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// StreamChat implements Provider using Ollama's newline-delimited JSON stream.
func (o *Ollama) StreamChat(ctx context.Context, msgs []Message, opts Options, onFragment func(string)) (Usage, error) {
	options := map[string]any{}
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	} else {
		options["temperature"] = o.cfg.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	} else if o.cfg.MaxTokens > 0 {
		options["num_predict"] = o.cfg.MaxTokens
	}

	payload := map[string]any{
		"model":    o.cfg.Model,
		"messages": msgs,
		"stream":   true,
		"options":  options,
	}

	var usage Usage
	var full int
	err := o.postStream(ctx, o.cfg.BaseURL+"/api/chat", payload, nil, func(body io.Reader) error {
		return jsonLines(body, func(data []byte) error {
			var c ollamaChunk
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("ollama: parse chunk: %w", err)
			}
			if c.Message.Content != "" {
				full += len(c.Message.Content)
				onFragment(c.Message.Content)
			}
			if c.Done {
				usage.InputTokens = c.PromptEvalCount
				usage.OutputTokens = c.EvalCount
			}
			return nil
		})
	})
	if err != nil {
		return Usage{}, err
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = estimateInputTokens(msgs)
		usage.OutputTokens = full / 4
	}
	usage.Cost = cost(o.cfg, usage.InputTokens, usage.OutputTokens)
	return usage, nil
}

// ListModels returns the locally available model tags.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := o.getJSON(ctx, o.cfg.BaseURL+"/api/tags", nil, &result); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
