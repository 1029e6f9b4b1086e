// Package agent wraps LLM calls for the three tumbler roles. Architect,
// Engineer, and Verifier share one streaming runner and differ only in
// message assembly and output parsing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/compress"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/event"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/domain/usage"
	"github.com/Strob0t/CodeTumbler/internal/provider"
	"github.com/Strob0t/CodeTumbler/internal/store"
)

// ErrDegenerateOutput indicates the model got stuck emitting a short
// repeating pattern; the stream is aborted rather than drained.
var ErrDegenerateOutput = fmt.Errorf("degenerate model output: %w", domain.ErrAgentError)

// chunk batching thresholds: per-token bus events would flood subscribers.
const (
	chunkFlushChars    = 200
	chunkFlushInterval = 200 * time.Millisecond
)

// Runner executes one agent call: resolve provider, compress, stream,
// publish events, persist the conversation message and usage record.
type Runner struct {
	cfg       *config.Config
	factory   *provider.Factory
	store     *store.Store
	bus       *bus.Bus
	transform compress.Transform
	log       *slog.Logger
}

// NewRunner creates a Runner. transform may be nil for the pass-through.
func NewRunner(cfg *config.Config, factory *provider.Factory, st *store.Store, b *bus.Bus, transform compress.Transform, log *slog.Logger) *Runner {
	if transform == nil {
		transform = compress.Passthrough{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, factory: factory, store: st, bus: b, transform: transform, log: log}
}

// Result is the outcome of one agent call.
type Result struct {
	Text     string
	Usage    provider.Usage
	Provider string
}

// Call invocation parameters.
type Call struct {
	ProjectRoot string
	State       *project.State
	Agent       string // conversation.AgentArchitect / Engineer / Verifier
	Iteration   int
	Messages    []provider.Message
	Temperature float64
	Label       string // conversation metadata label for the output message
}

// Run streams one agent completion. Chunks are batched into
// conversation_chunk events; on success a conversation_update event carries
// the complete text, the message is appended to the conversation log, and a
// usage record is written. Cancelled or failed calls persist nothing — any
// partial output is discarded.
func (r *Runner) Run(ctx context.Context, call Call) (*Result, error) {
	providerID := r.cfg.ResolveProvider(call.Agent, call.State.ProviderOverrides)
	p, err := r.factory.Get(providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAgentError, err)
	}

	msgs := r.prepareMessages(call.Messages, call.State.Compression)

	r.bus.Publish(event.New(event.TypeAgentThinking, call.State.Name, map[string]any{
		"agent": call.Agent,
	}))

	flusher := newChunkFlusher(r.bus, call.State.Name, call.Agent)
	detector := newDegenerateDetector()

	// The stream owns its own cancellation: degenerate output aborts the
	// underlying HTTP stream without touching the caller's context.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	temp := call.Temperature
	degenerate := false
	u, err := p.StreamChat(streamCtx, msgs, provider.Options{Temperature: &temp}, func(fragment string) {
		flusher.Add(fragment)
		if detector.Feed(fragment) {
			degenerate = true
			cancelStream()
		}
	})
	flusher.Flush()

	if degenerate {
		return nil, ErrDegenerateOutput
	}
	if err != nil {
		if ctx.Err() != nil {
			// Cooperative cancellation: discard partial output entirely.
			return nil, ctx.Err()
		}
		if !errors.Is(err, domain.ErrAgentError) {
			err = fmt.Errorf("%s call failed: %v: %w", call.Agent, err, domain.ErrAgentError)
		}
		return nil, err
	}

	text := strings.TrimSpace(stripEOSMarkers(flusher.Full()))

	// The terminal conversation_update clears any outstanding thinking
	// indicator for this (project, agent).
	r.bus.Publish(event.New(event.TypeConversationUpdate, call.State.Name, map[string]any{
		"agent":   call.Agent,
		"content": text,
	}))

	meta := &conversation.Metadata{Label: call.Label}
	if err := r.store.AppendConversation(call.ProjectRoot, conversation.Message{
		Timestamp: time.Now().UTC(),
		Agent:     call.Agent,
		Role:      conversation.RoleOutput,
		Iteration: call.Iteration,
		Content:   text,
		Metadata:  meta,
	}); err != nil {
		r.log.Warn("could not persist conversation message", "project", call.State.Name, "error", err)
	}

	rec := usage.Record{
		Timestamp:    time.Now().UTC(),
		Agent:        call.Agent,
		Iteration:    call.Iteration,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         u.Cost,
		Provider:     providerID,
	}
	if err := r.store.AppendUsage(call.ProjectRoot, rec); err != nil {
		r.log.Warn("could not persist usage record", "project", call.State.Name, "error", err)
	}
	r.bus.Publish(event.New(event.TypeUsageUpdate, call.State.Name, map[string]any{
		"agent":         call.Agent,
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"cost":          u.Cost,
	}))

	return &Result{Text: text, Usage: u, Provider: providerID}, nil
}

// prepareMessages applies compression to the marked sections and always
// strips the markers before transmission. Sandbox output, errors, and task
// instructions are assembled outside markers by the role builders, so they
// reach the provider verbatim.
func (r *Runner) prepareMessages(msgs []provider.Message, cfg project.Compression) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		if cfg.Enabled {
			m.Content, _ = r.transform.Compress(m.Content, cfg)
		} else {
			m.Content = compress.StripMarkers(m.Content)
		}
		out[i] = m
	}
	return out
}

var eosMarkers = []string{"<|endoftext|>", "<|im_end|>", "<|eot_id|>", "</tool_call>"}

// stripEOSMarkers drops end-of-stream tokens some local models leak into
// output, along with anything after them.
func stripEOSMarkers(s string) string {
	for _, m := range eosMarkers {
		if idx := strings.Index(s, m); idx >= 0 {
			s = s[:idx]
		}
	}
	return s
}

// chunkFlusher batches stream fragments into conversation_chunk events and
// retains the full transcript.
type chunkFlusher struct {
	bus       *bus.Bus
	project   string
	agent     string
	buf       strings.Builder
	full      strings.Builder
	lastFlush time.Time
}

func newChunkFlusher(b *bus.Bus, projectName, agentName string) *chunkFlusher {
	return &chunkFlusher{bus: b, project: projectName, agent: agentName, lastFlush: time.Now()}
}

func (c *chunkFlusher) Add(fragment string) {
	c.buf.WriteString(fragment)
	c.full.WriteString(fragment)
	if c.buf.Len() >= chunkFlushChars || time.Since(c.lastFlush) >= chunkFlushInterval {
		c.Flush()
	}
}

func (c *chunkFlusher) Flush() {
	if c.buf.Len() == 0 {
		return
	}
	c.bus.Publish(event.New(event.TypeConversationChunk, c.project, map[string]any{
		"agent": c.agent,
		"chunk": c.buf.String(),
	}))
	c.buf.Reset()
	c.lastFlush = time.Now()
}

func (c *chunkFlusher) Full() string { return c.full.String() }

// degenerateDetector watches the stream tail for a short pattern repeating
// many times, the signature of a model stuck in a loop.
type degenerateDetector struct {
	tail  strings.Builder
	seen  int
	every int
}

const (
	degTailSize      = 400
	degCheckInterval = 200 // fragments between checks
	degMinPattern    = 2
	degMaxPattern    = 20
	degRepeats       = 10
)

func newDegenerateDetector() *degenerateDetector {
	return &degenerateDetector{every: degCheckInterval}
}

// Feed returns true when the output has become degenerate.
func (d *degenerateDetector) Feed(fragment string) bool {
	d.tail.WriteString(fragment)
	if d.tail.Len() > degTailSize*2 {
		s := d.tail.String()
		d.tail.Reset()
		d.tail.WriteString(s[len(s)-degTailSize:])
	}
	d.seen++
	if d.seen%d.every != 0 || d.tail.Len() < degMaxPattern*degRepeats {
		return false
	}
	return isDegenerate(d.tail.String())
}

func isDegenerate(tail string) bool {
	for plen := degMinPattern; plen <= degMaxPattern; plen++ {
		if len(tail) < plen*degRepeats {
			break
		}
		pattern := tail[len(tail)-plen:]
		if strings.HasSuffix(tail, strings.Repeat(pattern, degRepeats)) {
			return true
		}
	}
	return false
}
