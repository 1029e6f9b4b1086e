package agent_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/agent"
	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/event"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/provider"
	"github.com/Strob0t/CodeTumbler/internal/store"
)

// newHarness wires a runner against an httptest Ollama backend.
func newHarness(t *testing.T, handler http.HandlerFunc) (*agent.Runner, *store.Store, *bus.Bus, string, *project.State) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Providers = map[string]config.Provider{
		"local": {Type: "ollama", BaseURL: srv.URL, Model: "m", CostInput1K: 1, CostOutput1K: 1},
	}
	cfg.Active = "local"

	st, err := store.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	b := bus.New(1024, time.Second, nil)
	factory := provider.NewFactory(cfg.Providers, cfg.Breaker)
	r := agent.NewRunner(&cfg, factory, st, b, nil, nil)

	root := filepath.Join(t.TempDir(), "demo")
	if err := st.EnsureLayout(root); err != nil {
		t.Fatal(err)
	}
	state := project.NewState("demo", 10, 8.0, 0)
	state.Compression.Enabled = false
	if err := st.SaveState(root, &state); err != nil {
		t.Fatal(err)
	}
	return r, st, b, root, &state
}

func ollamaStream(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range chunks {
			_, _ = w.Write([]byte(`{"message":{"content":"` + c + `"},"done":false}` + "\n"))
		}
		_, _ = w.Write([]byte(`{"message":{"content":""},"done":true,"prompt_eval_count":8,"eval_count":3}` + "\n"))
	}
}

func TestRunner_PersistsMessageAndUsage(t *testing.T) {
	r, st, b, root, state := newHarness(t, ollamaStream("Hello", " world"))
	sub := b.Subscribe("demo")
	defer sub.Close()

	res, err := r.Run(context.Background(), agent.Call{
		ProjectRoot: root,
		State:       state,
		Agent:       conversation.AgentArchitect,
		Iteration:   0,
		Temperature: 0.3,
		Label:       "Architectural Plan",
		Messages:    []provider.Message{{Role: "user", Content: "plan it"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Hello world" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.Usage.InputTokens != 8 || res.Usage.OutputTokens != 3 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}

	msgs, err := st.LoadConversation(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != conversation.RoleOutput || msgs[0].Content != "Hello world" {
		t.Fatalf("unexpected conversation: %+v", msgs)
	}

	ledger, err := st.LoadUsage(root)
	if err != nil {
		t.Fatal(err)
	}
	if ledger.ByAgent[conversation.AgentArchitect].Calls != 1 {
		t.Fatalf("usage not recorded: %+v", ledger)
	}

	var sawThinking, sawUpdate bool
	deadline := time.After(time.Second)
	for !(sawThinking && sawUpdate) {
		select {
		case ev := <-sub.Events():
			switch ev.Type {
			case event.TypeAgentThinking:
				sawThinking = true
			case event.TypeConversationUpdate:
				sawUpdate = true
				if ev.Data["content"] != "Hello world" {
					t.Fatalf("conversation_update must carry full text: %v", ev.Data)
				}
			}
		case <-deadline:
			t.Fatalf("missing events: thinking=%v update=%v", sawThinking, sawUpdate)
		}
	}
}

func TestRunner_CancellationDiscardsPartialOutput(t *testing.T) {
	release := make(chan struct{})
	r, st, _, root, state := newHarness(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"partial"},"done":false}` + "\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-req.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, agent.Call{
		ProjectRoot: root,
		State:       state,
		Agent:       conversation.AgentEngineer,
		Iteration:   1,
		Messages:    []provider.Message{{Role: "user", Content: "go"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	msgs, err := st.LoadConversation(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("cancelled call must persist no conversation messages, got %d", len(msgs))
	}
}

func TestRunner_StripsCompressionMarkers(t *testing.T) {
	var received strings.Builder
	r, _, _, root, state := newHarness(t, func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		received.Write(body)
		ollamaStream("ok")(w, req)
	})

	_, err := r.Run(context.Background(), agent.Call{
		ProjectRoot: root,
		State:       state,
		Agent:       conversation.AgentVerifier,
		Messages: []provider.Message{
			{Role: "user", Content: "<compress>plan body</compress>\n# Task\ndo it"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(received.String(), "<compress>") {
		t.Fatal("markers must never reach the provider")
	}
	if !strings.Contains(received.String(), "plan body") {
		t.Fatal("marked content must survive marker stripping")
	}
}
