// Package provider defines the streaming-chat port over LLM backends and the
// concrete HTTP adapters for local and cloud providers.
package provider

import (
	"context"

	"github.com/Strob0t/CodeTumbler/internal/config"
)

// Message is one chat message sent to a provider.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Options are per-call generation parameters. Nil Temperature means "use the
// provider's configured default".
type Options struct {
	Temperature *float64
	MaxTokens   int
}

// Usage is the token and cost accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Provider is a streaming chat backend. StreamChat delivers the response as
// a finite lazy sequence of text fragments through onFragment and returns
// final usage once the stream ends. Cancelling ctx must terminate the
// underlying stream within the HTTP client's shutdown window.
type Provider interface {
	Name() string
	StreamChat(ctx context.Context, msgs []Message, opts Options, onFragment func(string)) (Usage, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Capabilities are static metadata attached to each provider factory. The
// agent runner consults these flags instead of runtime reflection.
type Capabilities struct {
	SupportsAsync    bool
	ConcurrencyLimit int
}

// cost converts token counts to dollars using the provider's configured
// per-1k rates.
func cost(cfg config.Provider, in, out int) float64 {
	return float64(in)/1000*cfg.CostInput1K + float64(out)/1000*cfg.CostOutput1K
}

// estimateInputTokens is the fallback when a backend reports no token
// counts: roughly four characters per token.
func estimateInputTokens(msgs []Message) int {
	var chars int
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return chars / 4
}
