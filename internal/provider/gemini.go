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

// Gemini talks to the Google Generative Language API.
type Gemini struct {
	httpClient
}

// NewGemini creates a Gemini provider.
func NewGemini(name string, cfg config.Provider, breaker *resilience.Breaker) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{newHTTPClient(name, cfg, breaker)}
}

// Name returns the configured provider id.
func (g *Gemini) Name() string { return g.name }

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func geminiPart(text string) geminiContent {
	var c geminiContent
	c.Parts = []struct {
		Text string `json:"text"`
	}{{Text: text}}
	return c
}

type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// StreamChat implements Provider using streamGenerateContent with SSE framing.
// System messages map to systemInstruction; assistant turns to role "model".
func (g *Gemini) StreamChat(ctx context.Context, msgs []Message, opts Options, onFragment func(string)) (Usage, error) {
	var system string
	contents := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "assistant":
			c := geminiPart(m.Content)
			c.Role = "model"
			contents = append(contents, c)
		default:
			c := geminiPart(m.Content)
			c.Role = "user"
			contents = append(contents, c)
		}
	}

	genCfg := map[string]any{}
	if opts.Temperature != nil {
		genCfg["temperature"] = *opts.Temperature
	} else {
		genCfg["temperature"] = g.cfg.Temperature
	}
	if opts.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = opts.MaxTokens
	} else if g.cfg.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = g.cfg.MaxTokens
	}

	payload := map[string]any{
		"contents":         contents,
		"generationConfig": genCfg,
	}
	if system != "" {
		payload["systemInstruction"] = geminiPart(system)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		g.cfg.BaseURL, g.cfg.Model)
	headers := map[string]string{"x-goog-api-key": g.apiKey()}

	var usage Usage
	var full strings.Builder
	err := g.postStream(ctx, url, payload, headers, func(body io.Reader) error {
		return sseLines(body, func(data []byte) error {
			var c geminiChunk
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("gemini: parse chunk: %w", err)
			}
			if len(c.Candidates) > 0 {
				for _, p := range c.Candidates[0].Content.Parts {
					if p.Text != "" {
						full.WriteString(p.Text)
						onFragment(p.Text)
					}
				}
			}
			if c.UsageMetadata != nil {
				usage.InputTokens = c.UsageMetadata.PromptTokenCount
				usage.OutputTokens = c.UsageMetadata.CandidatesTokenCount
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
	usage.Cost = cost(g.cfg, usage.InputTokens, usage.OutputTokens)
	return usage, nil
}

// ListModels returns the available model names.
func (g *Gemini) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	headers := map[string]string{"x-goog-api-key": g.apiKey()}
	if err := g.getJSON(ctx, g.cfg.BaseURL+"/v1beta/models", headers, &result); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}
