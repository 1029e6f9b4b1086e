// Package service wires the orchestrator daemon: project discovery, the
// per-project loop registry, and the bounded running pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/event"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/domain/usage"
	"github.com/Strob0t/CodeTumbler/internal/loop"
	"github.com/Strob0t/CodeTumbler/internal/store"
	"github.com/Strob0t/CodeTumbler/internal/watcher"
)

// LoopHandle tracks one running project loop.
type LoopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator is the daemon core: it owns the project registry, enforces
// the concurrent-loop ceiling, and translates operator actions and watcher
// triggers into loop lifecycle changes. There is exactly one instance per
// process, passed explicitly to the HTTP handlers and the watcher.
type Orchestrator struct {
	cfg   *config.Config
	store *store.Store
	bus   *bus.Bus
	loop  *loop.Loop
	log   *slog.Logger

	pool *semaphore.Weighted

	mu      sync.Mutex
	running map[string]*LoopHandle
	wg      sync.WaitGroup
}

// New creates the Orchestrator.
func New(cfg *config.Config, st *store.Store, b *bus.Bus, l *loop.Loop, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	maxConcurrent := cfg.Tumbler.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   st,
		bus:     b,
		loop:    l,
		log:     log,
		pool:    semaphore.NewWeighted(int64(maxConcurrent)),
		running: map[string]*LoopHandle{},
	}
}

func (o *Orchestrator) projectRoot(name string) string {
	return filepath.Join(o.cfg.Workspace.Root, name)
}

// Discover scans the workspace at startup and reconciles stale transient
// state: a project persisted with is_running=true whose loop did not
// survive the restart is set back to not running.
func (o *Orchestrator) Discover(ctx context.Context) error {
	summaries, err := o.store.ListProjects(o.cfg.Workspace.Root)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		if !s.IsRunning {
			continue
		}
		root := o.projectRoot(s.Name)
		st, err := o.store.LoadState(root)
		if err != nil {
			o.log.Warn("discovery could not load project", "project", s.Name, "error", err)
			continue
		}
		st.IsRunning = false
		if st.Phase.Running() {
			st.Phase = project.PhaseIdle
		}
		if err := o.store.SaveState(root, st); err != nil {
			o.log.Warn("discovery could not reconcile project", "project", s.Name, "error", err)
			continue
		}
		o.log.Info("reconciled stale running flag", "project", s.Name)
	}
	o.log.Info("workspace discovered", "projects", len(summaries))
	return ctx.Err()
}

// Create provisions a new project: workspace layout, requirements file, and
// seeded idle state.
func (o *Orchestrator) Create(req project.CreateRequest) (*project.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	root := o.projectRoot(req.Name)
	if _, err := o.store.LoadState(root); err == nil {
		return nil, fmt.Errorf("project %q already exists: %w", req.Name, domain.ErrInvalidRequest)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := o.store.EnsureLayout(root); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(root, project.RequirementsFile), []byte(req.Requirements), 0o644); err != nil { //nolint:gosec // G306: requirements are operator-visible by design
		return nil, fmt.Errorf("write requirements: %w", err)
	}

	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = o.cfg.Tumbler.MaxIterations
	}
	threshold := o.cfg.Tumbler.QualityThreshold
	if req.QualityThreshold != nil {
		threshold = *req.QualityThreshold
	}
	maxCost := o.cfg.Tumbler.MaxCost
	if req.MaxCost != nil {
		maxCost = *req.MaxCost
	}

	st := project.NewState(req.Name, maxIter, threshold, maxCost)
	if err := o.store.SaveState(root, &st); err != nil {
		return nil, err
	}
	o.log.Info("project created", "project", req.Name)
	return &st, nil
}

// Start launches the project's loop. Returns domain.ErrAtCapacity when the
// running pool is full (callers retry explicitly, requests are not queued)
// and domain.ErrAlreadyRunning for duplicate starts.
func (o *Orchestrator) Start(name string) error {
	return o.startWith(name, loop.Options{})
}

func (o *Orchestrator) startWith(name string, opts loop.Options) error {
	root := o.projectRoot(name)
	st, err := o.store.LoadState(root)
	if err != nil {
		return err
	}
	if st.Phase == project.PhaseFailed && !opts.SkipArchitect && !opts.SkipFirstEngineer {
		return fmt.Errorf("failed project requires reset before restart: %w", domain.ErrInvalidRequest)
	}

	o.mu.Lock()
	if _, ok := o.running[name]; ok {
		o.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	if !o.pool.TryAcquire(1) {
		o.mu.Unlock()
		return domain.ErrAtCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &LoopHandle{cancel: cancel, done: make(chan struct{})}
	o.running[name] = handle
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer func() {
			close(handle.done)
			o.mu.Lock()
			delete(o.running, name)
			o.mu.Unlock()
			o.pool.Release(1)
			o.wg.Done()
		}()
		if err := o.loop.RunWith(ctx, root, opts); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			o.log.Error("project loop ended with error", "project", name, "error", err)
		}
	}()

	o.log.Info("project started", "project", name)
	return nil
}

// Stop cancels a running loop and waits for it to wind down. The loop's
// cancellation checkpoints tear down any in-flight container and discard
// partial agent output before the handle closes.
func (o *Orchestrator) Stop(name string) error {
	o.mu.Lock()
	handle, ok := o.running[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("project %q is not running: %w", name, domain.ErrInvalidRequest)
	}
	handle.cancel()
	select {
	case <-handle.done:
	case <-time.After(o.drainTimeout()):
		o.log.Warn("stop timed out waiting for loop drain", "project", name)
	}
	o.log.Info("project stopped", "project", name)
	return nil
}

// Reset clears generated artifacts and returns the project to idle.
// Running projects must be stopped first.
func (o *Orchestrator) Reset(name string) error {
	if o.isRunning(name) {
		return fmt.Errorf("cannot reset a running project, stop it first: %w", domain.ErrInvalidRequest)
	}
	return o.store.Reset(o.projectRoot(name))
}

// Delete removes the project tree entirely. Running projects must be
// stopped first.
func (o *Orchestrator) Delete(name string) error {
	if o.isRunning(name) {
		return fmt.Errorf("cannot delete a running project, stop it first: %w", domain.ErrInvalidRequest)
	}
	root := o.projectRoot(name)
	if _, err := o.store.LoadState(root); err != nil {
		return err
	}
	if _, _, err := o.store.SafeDeleteProject(root); err != nil {
		return err
	}
	o.store.DeleteMirror(name)
	o.log.Info("project deleted", "project", name)
	return nil
}

// UpdateProviders sets the project's per-agent provider overrides.
func (o *Orchestrator) UpdateProviders(name string, overrides map[string]string) error {
	for agentName, id := range overrides {
		switch agentName {
		case conversation.AgentArchitect, conversation.AgentEngineer, conversation.AgentVerifier:
		default:
			return fmt.Errorf("unknown agent %q: %w", agentName, domain.ErrInvalidRequest)
		}
		if _, ok := o.cfg.Providers[id]; !ok {
			return fmt.Errorf("unknown provider %q: %w", id, domain.ErrInvalidRequest)
		}
	}
	root := o.projectRoot(name)
	st, err := o.store.LoadState(root)
	if err != nil {
		return err
	}
	st.ProviderOverrides = overrides
	return o.store.SaveState(root, st)
}

// UpdateCompression sets the project's compression settings.
func (o *Orchestrator) UpdateCompression(name string, cfg project.Compression) error {
	if cfg.Rate < 0 || cfg.Rate > 1 {
		return fmt.Errorf("compression rate must be in [0,1]: %w", domain.ErrInvalidRequest)
	}
	root := o.projectRoot(name)
	st, err := o.store.LoadState(root)
	if err != nil {
		return err
	}
	st.Compression = cfg
	return o.store.SaveState(root, st)
}

// Status returns the project's current state with the live running flag.
func (o *Orchestrator) Status(name string) (*project.State, error) {
	st, err := o.store.LoadState(o.projectRoot(name))
	if err != nil {
		return nil, err
	}
	st.IsRunning = o.isRunning(name)
	return st, nil
}

// List returns summaries for every project in the workspace.
func (o *Orchestrator) List() ([]project.Summary, error) {
	summaries, err := o.store.ListProjects(o.cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		summaries[i].IsRunning = o.isRunning(summaries[i].Name)
	}
	return summaries, nil
}

// Conversation returns the project's message log.
func (o *Orchestrator) Conversation(name string) ([]conversation.Message, error) {
	if _, err := o.store.LoadState(o.projectRoot(name)); err != nil {
		return nil, err
	}
	return o.store.LoadConversation(o.projectRoot(name))
}

// Usage returns the project's usage ledger.
func (o *Orchestrator) Usage(name string) (*usage.Ledger, error) {
	if _, err := o.store.LoadState(o.projectRoot(name)); err != nil {
		return nil, err
	}
	return o.store.LoadUsage(o.projectRoot(name))
}

// HandleTrigger maps watcher trigger files onto loop starts. Duplicate
// triggers for an already-running project are dropped (idempotence).
func (o *Orchestrator) HandleTrigger(trig watcher.Trigger) {
	root := o.projectRoot(trig.Project)
	st, err := o.store.LoadState(root)
	if err != nil {
		// requirements.txt may appear before any state exists: seed it.
		if trig.Kind == watcher.KindRequirements && errors.Is(err, domain.ErrNotFound) {
			seeded := project.NewState(trig.Project,
				o.cfg.Tumbler.MaxIterations, o.cfg.Tumbler.QualityThreshold, o.cfg.Tumbler.MaxCost)
			if lerr := o.store.EnsureLayout(root); lerr != nil {
				o.log.Warn("trigger could not create layout", "project", trig.Project, "error", lerr)
				return
			}
			if serr := o.store.SaveState(root, &seeded); serr != nil {
				o.log.Warn("trigger could not seed state", "project", trig.Project, "error", serr)
				return
			}
			st = &seeded
		} else {
			o.log.Warn("trigger for unknown project", "project", trig.Project, "error", err)
			return
		}
	}

	var opts loop.Options
	switch trig.Kind {
	case watcher.KindRequirements:
		// idle → planning
	case watcher.KindPlan:
		if st.Phase != project.PhaseIdle {
			return
		}
		opts.SkipArchitect = true
	case watcher.KindManifest:
		if st.Phase != project.PhaseIdle {
			return
		}
		opts.SkipFirstEngineer = true
	}

	err = o.startWith(trig.Project, opts)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadyRunning):
		o.log.Info("duplicate trigger dropped", "project", trig.Project, "kind", trig.Kind)
	case errors.Is(err, domain.ErrAtCapacity):
		o.log.Warn("trigger rejected: at capacity", "project", trig.Project)
		o.bus.Publish(event.New(event.TypeLog, trig.Project, map[string]any{
			"message": "start rejected: orchestrator at capacity",
			"level":   "warning",
		}))
	default:
		o.log.Warn("trigger start failed", "project", trig.Project, "error", err)
	}
}

// Shutdown cancels all running loops and waits up to the drain timeout.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for name, handle := range o.running {
		o.log.Info("cancelling project loop", "project", name)
		handle.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("all project loops drained")
	case <-time.After(o.drainTimeout()):
		o.log.Warn("shutdown drain timed out, exiting anyway")
	}
}

// RunningCount returns the number of active loops.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

func (o *Orchestrator) isRunning(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[name]
	return ok
}

func (o *Orchestrator) drainTimeout() time.Duration {
	if d := o.cfg.Tumbler.DrainTimeout; d > 0 {
		return d
	}
	return 10 * time.Second
}
