package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/agent"
	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/loop"
	"github.com/Strob0t/CodeTumbler/internal/provider"
	"github.com/Strob0t/CodeTumbler/internal/service"
	"github.com/Strob0t/CodeTumbler/internal/store"
	"github.com/Strob0t/CodeTumbler/internal/watcher"
)

// slowLLM answers every call with a plan-shaped response after a delay,
// keeping loops alive long enough to exercise the registry.
func slowLLM(delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		content, _ := json.Marshal("# Plan\n\nOverall Score: 9/10\n[]")
		_, _ = w.Write([]byte(`{"message":{"content":` + string(content) + `},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"content":""},"done":true,"prompt_eval_count":1,"eval_count":1}` + "\n"))
	}
}

func newOrchestrator(t *testing.T, llmDelay time.Duration, maxConcurrent int) (*service.Orchestrator, *store.Store, *config.Config) {
	t.Helper()
	srv := httptest.NewServer(slowLLM(llmDelay))
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()
	cfg.Providers = map[string]config.Provider{"local": {Type: "ollama", BaseURL: srv.URL, Model: "m"}}
	cfg.Active = "local"
	cfg.Tumbler.MaxConcurrent = maxConcurrent
	cfg.Tumbler.DrainTimeout = 2 * time.Second

	st, err := store.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	b := bus.New(4096, time.Second, nil)
	factory := provider.NewFactory(cfg.Providers, cfg.Breaker)
	runner := agent.NewRunner(&cfg, factory, st, b, nil, nil)
	l := loop.New(&cfg, st, b,
		agent.NewArchitect(runner), agent.NewEngineer(runner, nil), agent.NewVerifier(runner),
		nil, nil)

	o := service.New(&cfg, st, b, l, nil)
	t.Cleanup(o.Shutdown)
	return o, st, &cfg
}

func createProject(t *testing.T, o *service.Orchestrator, name string) {
	t.Helper()
	_, err := o.Create(project.CreateRequest{Name: name, Requirements: "build a thing"})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreate_SeedsWorkspace(t *testing.T) {
	o, _, cfg := newOrchestrator(t, 0, 2)
	createProject(t, o, "demo")

	root := filepath.Join(cfg.Workspace.Root, "demo")
	if _, err := os.Stat(filepath.Join(root, project.RequirementsFile)); err != nil {
		t.Fatal("requirements must be written")
	}
	st, err := o.Status("demo")
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != project.PhaseIdle || st.Iteration != 0 {
		t.Fatalf("unexpected seeded state: %+v", st)
	}
}

func TestCreate_DuplicateRejected(t *testing.T) {
	o, _, _ := newOrchestrator(t, 0, 2)
	createProject(t, o, "demo")
	_, err := o.Create(project.CreateRequest{Name: "demo", Requirements: "again"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCreate_InvalidName(t *testing.T) {
	o, _, _ := newOrchestrator(t, 0, 2)
	_, err := o.Create(project.CreateRequest{Name: "../escape", Requirements: "x"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestStart_AtCapacityRejectsSynchronously(t *testing.T) {
	o, _, _ := newOrchestrator(t, 2*time.Second, 1)
	createProject(t, o, "one")
	createProject(t, o, "two")

	if err := o.Start("one"); err != nil {
		t.Fatal(err)
	}
	if err := o.Start("two"); !errors.Is(err, domain.ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
	_ = o.Stop("one")
}

func TestStart_DuplicateRejected(t *testing.T) {
	o, _, _ := newOrchestrator(t, 2*time.Second, 2)
	createProject(t, o, "demo")
	if err := o.Start("demo"); err != nil {
		t.Fatal(err)
	}
	if err := o.Start("demo"); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	_ = o.Stop("demo")
}

func TestStop_ReturnsProjectToIdle(t *testing.T) {
	o, _, _ := newOrchestrator(t, 2*time.Second, 2)
	createProject(t, o, "demo")
	if err := o.Start("demo"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := o.Stop("demo"); err != nil {
		t.Fatal(err)
	}
	st, err := o.Status("demo")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsRunning {
		t.Fatal("stopped project must not report running")
	}
	if st.Phase != project.PhaseIdle {
		t.Fatalf("expected idle after stop, got %s", st.Phase)
	}
}

func TestStop_NotRunning(t *testing.T) {
	o, _, _ := newOrchestrator(t, 0, 2)
	createProject(t, o, "demo")
	if err := o.Stop("demo"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestReset_RefusedWhileRunning(t *testing.T) {
	o, _, _ := newOrchestrator(t, 2*time.Second, 2)
	createProject(t, o, "demo")
	if err := o.Start("demo"); err != nil {
		t.Fatal(err)
	}
	if err := o.Reset("demo"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected refusal, got %v", err)
	}
	_ = o.Stop("demo")
}

func TestDelete_RemovesProject(t *testing.T) {
	o, _, cfg := newOrchestrator(t, 0, 2)
	createProject(t, o, "demo")
	if err := o.Delete("demo"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Workspace.Root, "demo")); !os.IsNotExist(err) {
		t.Fatal("project tree must be removed")
	}
	if _, err := o.Status("demo"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateProviders_Validation(t *testing.T) {
	o, _, _ := newOrchestrator(t, 0, 2)
	createProject(t, o, "demo")

	if err := o.UpdateProviders("demo", map[string]string{"engineer": "ghost"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected unknown provider rejection, got %v", err)
	}
	if err := o.UpdateProviders("demo", map[string]string{"pilot": "local"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected unknown agent rejection, got %v", err)
	}
	if err := o.UpdateProviders("demo", map[string]string{"engineer": "local"}); err != nil {
		t.Fatal(err)
	}
	st, _ := o.Status("demo")
	if st.ProviderOverrides["engineer"] != "local" {
		t.Fatalf("override not persisted: %+v", st.ProviderOverrides)
	}
}

func TestDiscover_ReconcilesStaleRunningFlag(t *testing.T) {
	o, st, cfg := newOrchestrator(t, 0, 2)
	createProject(t, o, "demo")

	root := filepath.Join(cfg.Workspace.Root, "demo")
	state, err := st.LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	state.IsRunning = true
	state.Phase = project.PhaseEngineering
	if err := st.SaveState(root, state); err != nil {
		t.Fatal(err)
	}

	if err := o.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := st.LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsRunning {
		t.Fatal("stale running flag must be reconciled")
	}
	if got.Phase != project.PhaseIdle {
		t.Fatalf("interrupted phase must return to idle, got %s", got.Phase)
	}
}

func TestHandleTrigger_DuplicateDropped(t *testing.T) {
	o, _, _ := newOrchestrator(t, 2*time.Second, 2)
	createProject(t, o, "demo")

	trig := watcher.Trigger{Project: "demo", Kind: watcher.KindRequirements}
	o.HandleTrigger(trig)
	time.Sleep(50 * time.Millisecond)
	o.HandleTrigger(trig) // duplicate within a running loop: dropped

	if o.RunningCount() != 1 {
		t.Fatalf("expected exactly one loop, got %d", o.RunningCount())
	}
	_ = o.Stop("demo")
}

func TestHandleTrigger_SeedsUnknownProject(t *testing.T) {
	o, st, cfg := newOrchestrator(t, 2*time.Second, 2)

	// Operator created the directory tree by hand.
	root := filepath.Join(cfg.Workspace.Root, "manual")
	if err := os.MkdirAll(filepath.Join(root, "01_input"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, project.RequirementsFile), []byte("reqs"), 0o644); err != nil {
		t.Fatal(err)
	}

	o.HandleTrigger(watcher.Trigger{Project: "manual", Kind: watcher.KindRequirements})
	time.Sleep(100 * time.Millisecond)

	if _, err := st.LoadState(root); err != nil {
		t.Fatalf("trigger must seed state: %v", err)
	}
	_ = o.Stop("manual")
}
