package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	tumblerotel "github.com/Strob0t/CodeTumbler/internal/adapter/otel"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/plan"
)

// Phase status values reported per sandbox phase.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusSkipped = "skipped"
)

// maxOutputChars truncates captured stdout/stderr per phase.
const maxOutputChars = 50_000

// PhaseResult is one phase's outcome.
type PhaseResult struct {
	Status   string        `json:"status"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Commands []string      `json:"commands"`
}

// Skipped reports whether the phase never ran.
func (p PhaseResult) Skipped() bool { return p.Status == StatusSkipped }

// OK reports whether the phase ran and succeeded (a skipped phase with no
// commands also counts: there was nothing to fail).
func (p PhaseResult) OK() bool { return p.Status == StatusSuccess || p.Status == StatusSkipped }

// Result is the full verification outcome across phases.
type Result struct {
	Install PhaseResult `json:"install"`
	Build   PhaseResult `json:"build"`
	Test    PhaseResult `json:"test"`
	Lint    PhaseResult `json:"lint"`

	Runtime        string   `json:"runtime,omitempty"`
	CodeReviewOnly bool     `json:"code_review_only"`
	Errors         []string `json:"errors,omitempty"`
}

// PhaseCallback is invoked after each phase completes, in phase order for
// install/build and in completion order for the concurrent test/lint pair.
type PhaseCallback func(phase string, result PhaseResult)

// Executor runs verification phases in ephemeral containers.
type Executor struct {
	cfg    config.Sandbox
	docker *dockerCLI
	log    *slog.Logger

	// serializes image pulls: concurrent project sandboxes may share images
	pullMu sync.Mutex
}

// NewExecutor creates an Executor for the given sandbox configuration.
func NewExecutor(cfg config.Sandbox, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		docker: &dockerCLI{host: cfg.DockerHost},
		log:    log,
	}
}

// Ping verifies the container runtime is reachable. Used by the startup check.
func (e *Executor) Ping(ctx context.Context) error {
	if err := e.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSandboxUnavailable, err)
	}
	return nil
}

// Overrides are per-run resource adjustments (from the plan's resource
// requirements or per-project settings). Zero values keep the defaults.
type Overrides struct {
	TimeoutInstall time.Duration
	TimeoutBuild   time.Duration
	TimeoutTest    time.Duration
	TimeoutLint    time.Duration
	Memory         string
	CPUs           float64
	TmpfsSize      string
}

// FromPlan converts plan resource requirements into executor overrides.
func FromPlan(rr plan.ResourceRequirements) Overrides {
	return Overrides{
		TimeoutInstall: rr.TimeoutInstall,
		TimeoutBuild:   rr.TimeoutBuild,
		TimeoutTest:    rr.TimeoutTest,
		TimeoutLint:    rr.TimeoutLint,
		Memory:         rr.Memory,
		CPUs:           rr.CPUs,
		TmpfsSize:      rr.TmpfsSize,
	}
}

func (e *Executor) effective(o Overrides) config.Sandbox {
	cfg := e.cfg
	if o.TimeoutInstall > 0 {
		cfg.TimeoutInstall = o.TimeoutInstall
	}
	if o.TimeoutBuild > 0 {
		cfg.TimeoutBuild = o.TimeoutBuild
	}
	if o.TimeoutTest > 0 {
		cfg.TimeoutTest = o.TimeoutTest
	}
	if o.TimeoutLint > 0 {
		cfg.TimeoutLint = o.TimeoutLint
	}
	if o.Memory != "" {
		cfg.Memory = o.Memory
	}
	if o.CPUs > 0 {
		cfg.CPUs = o.CPUs
	}
	if o.TmpfsSize != "" {
		cfg.TmpfsSize = o.TmpfsSize
	}
	return cfg
}

// Run executes the verification pipeline for a workspace:
//
//	install (restricted egress) → build (no network) → test ∥ lint (no network)
//
// Build is skipped when install fails; test is skipped when build fails;
// lint always runs. A phase timeout is a failed phase result, not an error.
// Returns domain.ErrSandboxUnavailable when the runtime proxy cannot be
// reached or the image cannot be pulled.
func (e *Executor) Run(ctx context.Context, workspace string, rt Runtime, strategy plan.Strategy, overrides Overrides, onPhase PhaseCallback) (*Result, error) {
	if onPhase == nil {
		onPhase = func(string, PhaseResult) {}
	}
	cfg := e.effective(overrides)
	res := &Result{Runtime: rt.Language}

	if err := e.docker.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSandboxUnavailable, err)
	}

	e.pullMu.Lock()
	err := e.docker.EnsureImage(ctx, rt.Image)
	e.pullMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: pull %s: %v", domain.ErrSandboxUnavailable, rt.Image, err)
	}

	// Plan strategy wins over runtime defaults; lint always uses defaults.
	installCmds := coalesce(strategy.Install, rt.Install)
	buildCmds := coalesce(strategy.Build, rt.Build)
	testCmds := coalesce(strategy.Test, rt.Test)
	lintCmds := rt.Lint

	// --- install (outbound network for package registries) ---
	network := "none"
	if cfg.NetworkInstall {
		network = "bridge"
	}
	res.Install = e.runPhase(ctx, workspace, cfg, rt.Image, "install", installCmds, network, cfg.TimeoutInstall, true)
	if res.Install.Status == StatusFailed || res.Install.Status == StatusTimeout {
		res.Errors = append(res.Errors, fmt.Sprintf("install %s (exit %d)", res.Install.Status, res.Install.ExitCode))
	}
	onPhase("install", res.Install)

	// --- build (no network), skipped when install failed ---
	if res.Install.OK() {
		res.Build = e.runPhase(ctx, workspace, cfg, rt.Image, "build", buildCmds, "none", cfg.TimeoutBuild, false)
		if res.Build.Status == StatusFailed || res.Build.Status == StatusTimeout {
			res.Errors = append(res.Errors, fmt.Sprintf("build %s (exit %d)", res.Build.Status, res.Build.ExitCode))
		}
	} else {
		res.Build = skippedPhase(buildCmds)
	}
	onPhase("build", res.Build)

	// --- test ∥ lint (no network); lint runs even when build failed ---
	runTest := res.Build.OK()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var pr PhaseResult
		if runTest {
			pr = e.runPhase(gctx, workspace, cfg, rt.Image, "test", testCmds, "none", cfg.TimeoutTest, false)
		} else {
			pr = skippedPhase(testCmds)
		}
		mu.Lock()
		res.Test = pr
		if pr.Status == StatusTimeout {
			res.Errors = append(res.Errors, "tests timed out")
		}
		mu.Unlock()
		onPhase("test", pr)
		return nil
	})
	g.Go(func() error {
		pr := e.runPhase(gctx, workspace, cfg, rt.Image, "lint", lintCmds, "none", cfg.TimeoutLint, false)
		mu.Lock()
		res.Lint = pr
		mu.Unlock()
		onPhase("lint", pr)
		return nil
	})
	_ = g.Wait()

	return res, nil
}

func coalesce(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func skippedPhase(cmds []string) PhaseResult {
	return PhaseResult{Status: StatusSkipped, Commands: cmds}
}

// SkippedResult is the phase bundle handed to the Verifier in
// code-review-only mode: every phase reports skipped.
func SkippedResult() *Result {
	return &Result{
		Install:        skippedPhase(nil),
		Build:          skippedPhase(nil),
		Test:           skippedPhase(nil),
		Lint:           skippedPhase(nil),
		CodeReviewOnly: true,
	}
}

// runPhase executes one phase in a fresh container. Commands run as
// sh -c "cmd1 && cmd2 && …" inside /workspace. The container is removed on
// every exit path, including panic.
func (e *Executor) runPhase(ctx context.Context, workspace string, cfg config.Sandbox, image, label string, cmds []string, network string, timeout time.Duration, exportWorkspace bool) PhaseResult {
	if len(cmds) == 0 {
		return skippedPhase(nil)
	}

	ctx, span := tumblerotel.StartSandboxSpan(ctx, label, image)
	defer span.End()

	script := strings.Join(cmds, " && ")
	start := time.Now()
	result := PhaseResult{Commands: cmds}

	containerID, err := e.docker.Create(ctx, createOpts{
		name:      fmt.Sprintf("tumbler-%s-%s", label, uuid.NewString()[:12]),
		image:     image,
		script:    script,
		network:   network,
		memory:    cfg.Memory,
		cpus:      cfg.CPUs,
		pidsLimit: cfg.PidsLimit,
		tmpfsSize: cfg.TmpfsSize,
	})
	if err != nil {
		result.Status = StatusFailed
		result.ExitCode = -1
		result.Stderr = truncate(err.Error())
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		// Teardown must survive panics in phase handling.
		if r := recover(); r != nil {
			e.docker.Remove(context.Background(), containerID)
			panic(r)
		}
		e.docker.Remove(context.Background(), containerID)
	}()

	tarData, _, err := BuildTar(workspace, e.log)
	if err != nil {
		result.Status = StatusFailed
		result.ExitCode = -1
		result.Stderr = truncate("archive workspace: " + err.Error())
		result.Duration = time.Since(start)
		return result
	}
	if err := e.docker.UploadWorkspace(ctx, containerID, tarData); err != nil {
		result.Status = StatusFailed
		result.ExitCode = -1
		result.Stderr = truncate(err.Error())
		result.Duration = time.Since(start)
		return result
	}

	if err := e.docker.Start(ctx, containerID); err != nil {
		result.Status = StatusFailed
		result.ExitCode = -1
		result.Stderr = truncate(err.Error())
		result.Duration = time.Since(start)
		return result
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	exitCode, waitErr := e.docker.Wait(waitCtx, containerID)
	cancel()

	result.Duration = time.Since(start)
	result.ExitCode = exitCode

	// Capture logs with a fresh context: the phase context may be expired.
	logCtx, logCancel := context.WithTimeout(context.Background(), 30*time.Second)
	stdout, stderr, logErr := e.docker.Logs(logCtx, containerID)
	logCancel()
	if logErr == nil {
		result.Stdout = truncate(stdout)
		result.Stderr = truncate(stderr)
	}

	switch {
	case waitErr != nil && waitCtx.Err() != nil && ctx.Err() == nil:
		e.docker.Kill(context.Background(), containerID)
		result.Status = StatusTimeout
		result.ExitCode = -1
		e.log.Warn("sandbox phase timed out", "phase", label, "timeout", timeout)
	case waitErr != nil:
		result.Status = StatusFailed
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = truncate(waitErr.Error())
		}
	case exitCode == 0:
		result.Status = StatusSuccess
	default:
		result.Status = StatusFailed
	}

	// Persist installed dependencies back to the host workspace so the
	// later phases (fresh containers) see them.
	if exportWorkspace && result.Status == StatusSuccess {
		exportCtx, exportCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := e.docker.DownloadWorkspace(exportCtx, containerID, func(r io.Reader) error {
			return ExtractTar(r, workspace, "workspace", e.log)
		})
		exportCancel()
		if err != nil {
			e.log.Warn("workspace export failed", "phase", label, "error", err)
		}
	}

	e.log.Info("sandbox phase finished", "phase", label, "status", result.Status,
		"exit_code", result.ExitCode, "duration", result.Duration.Round(time.Millisecond))
	return result
}

func truncate(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "\n\n[... truncated ...]"
}
