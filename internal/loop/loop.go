// Package loop implements the per-project feedback loop: the cooperative
// state machine sequencing Architect → Engineer → Verifier across iterations
// until convergence or budget exhaustion.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	tumblerotel "github.com/Strob0t/CodeTumbler/internal/adapter/otel"
	"github.com/Strob0t/CodeTumbler/internal/agent"
	"github.com/Strob0t/CodeTumbler/internal/archive"
	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/event"
	"github.com/Strob0t/CodeTumbler/internal/domain/plan"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/sandbox"
	"github.com/Strob0t/CodeTumbler/internal/store"
)

// Failure reasons recorded in state and project_failed events.
const (
	ReasonIterationCap = "iteration_cap"
	ReasonCostCap      = "cost_cap"
	ReasonTimeout      = "timeout"
	ReasonPlateau      = "plateau"
)

// plateauEpsilon: score movement below this across the plateau window means
// the loop is not improving.
const plateauEpsilon = 0.5

const heartbeatInterval = 5 * time.Second

// Sandbox is the slice of the executor the loop depends on.
type Sandbox interface {
	Run(ctx context.Context, workspace string, rt sandbox.Runtime, strategy plan.Strategy, overrides sandbox.Overrides, onPhase sandbox.PhaseCallback) (*sandbox.Result, error)
}

// Loop drives one project through the tumbling cycle. The loop exclusively
// owns mutations to its project's state while running.
type Loop struct {
	cfg       *config.Config
	store     *store.Store
	bus       *bus.Bus
	architect *agent.Architect
	engineer  *agent.Engineer
	verifier  *agent.Verifier
	executor  Sandbox // nil when the sandbox is disabled
	log       *slog.Logger
}

// New creates a Loop. executor may be nil to force code-review-only mode.
func New(cfg *config.Config, st *store.Store, b *bus.Bus, arch *agent.Architect, eng *agent.Engineer, ver *agent.Verifier, exec Sandbox, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg: cfg, store: st, bus: b,
		architect: arch, engineer: eng, verifier: ver,
		executor: exec, log: log,
	}
}

// Options select where a cycle enters the state machine. The watcher uses
// these to honor manually created trigger files.
type Options struct {
	// SkipArchitect enters at engineering using the existing PLAN.md
	// (operator edited the plan by hand).
	SkipArchitect bool
	// SkipFirstEngineer additionally enters at verifying using the staged
	// tree (operator dropped a .manifest.json). Implies SkipArchitect.
	SkipFirstEngineer bool
}

// Run executes the full tumbling cycle for a project until a terminal phase
// or cancellation. Stop (context cancellation) returns the project to idle;
// the per-project wall clock timeout marks it failed(timeout).
func (l *Loop) Run(ctx context.Context, projectRoot string) error {
	return l.RunWith(ctx, projectRoot, Options{})
}

// RunWith is Run with an explicit entry point.
func (l *Loop) RunWith(ctx context.Context, projectRoot string, opts Options) error {
	st, err := l.store.LoadState(projectRoot)
	if err != nil {
		return err
	}

	timeout := l.cfg.Tumbler.ProjectTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st.IsRunning = true
	if err := l.store.SaveState(projectRoot, st); err != nil {
		return err
	}

	runErr := l.runCycle(ctx, projectRoot, st, opts)

	// Reload: the cycle mutated state as it went.
	final, loadErr := l.store.LoadState(projectRoot)
	if loadErr != nil {
		return errors.Join(runErr, loadErr)
	}
	final.IsRunning = false

	switch {
	case runErr == nil:
		// Terminal phase already persisted by the cycle.
	case errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded:
		l.markFailed(projectRoot, final, ReasonTimeout, "project wall-clock timeout exceeded")
	case errors.Is(runErr, context.Canceled):
		// Operator stop: back to idle, partial output already discarded.
		final.Phase = project.PhaseIdle
		l.publishPhase(final, project.PhaseIdle)
	default:
		l.markFailed(projectRoot, final, "", runErr.Error())
	}

	if err := l.store.SaveState(projectRoot, final); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// runCycle is the state machine body.
func (l *Loop) runCycle(ctx context.Context, projectRoot string, st *project.State, opts Options) error {
	requirements, err := os.ReadFile(filepath.Join(projectRoot, project.RequirementsFile)) //nolint:gosec // G304: path derived from validated project name
	if err != nil {
		return fmt.Errorf("requirements file: %w", err)
	}

	planPath := filepath.Join(projectRoot, project.PlanFile)
	planText, resuming := l.loadResumePlan(planPath, st)

	if opts.SkipArchitect || opts.SkipFirstEngineer {
		data, rerr := os.ReadFile(planPath) //nolint:gosec // G304: path derived from validated project name
		if rerr != nil {
			return fmt.Errorf("plan required to skip architect: %w", rerr)
		}
		planText = string(data)
		resuming = true
	}

	if !resuming {
		planText, err = l.runPlanning(ctx, projectRoot, st, string(requirements))
		if err != nil {
			return err
		}
	} else {
		l.logConversation(projectRoot, st, conversation.AgentSystem, conversation.RoleStatus, st.Iteration,
			fmt.Sprintf("Resuming project from iteration %d.", st.Iteration), "Resume")
	}

	skipEngineer := opts.SkipFirstEngineer
	var scoreHistory []float64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// --- engineering ---
		if skipEngineer {
			// Operator staged the code by hand: verify it as iteration 1.
			skipEngineer = false
			if st.Iteration == 0 {
				st.Iteration = 1
			}
		} else if err := l.runEngineering(ctx, projectRoot, st, planText); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// --- verifying ---
		iterScore, err := l.runVerifying(ctx, projectRoot, st, planText)
		if err != nil {
			return err
		}
		scoreHistory = append(scoreHistory, iterScore)

		// --- convergence decision ---
		done, err := l.decide(projectRoot, st, scoreHistory)
		if err != nil || done {
			return err
		}
	}
}

// loadResumePlan reports whether an existing plan allows skipping the
// Architect: the plan file is non-empty and at least one iteration ran.
func (l *Loop) loadResumePlan(planPath string, st *project.State) (string, bool) {
	if st.Iteration == 0 {
		return "", false
	}
	data, err := os.ReadFile(planPath) //nolint:gosec // G304: path derived from validated project name
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

// runPlanning executes the Architect phase and writes PLAN.md. On a fresh
// run the Architect sees only the requirements; when a previous plan and
// feedback report exist (a restarted project), it revises instead.
func (l *Loop) runPlanning(ctx context.Context, projectRoot string, st *project.State, requirements string) (string, error) {
	ctx, span := tumblerotel.StartPhaseSpan(ctx, st.Name, "planning", st.Iteration)
	defer span.End()

	l.setPhase(projectRoot, st, project.PhasePlanning)
	l.publishLog(st, "Architect started - creating plan")

	l.logConversation(projectRoot, st, conversation.AgentSystem, conversation.RoleInput, 0,
		requirements, "Project Requirements")

	in := agent.PlanInput{
		ProjectRoot:  projectRoot,
		State:        st,
		Requirements: requirements,
	}
	if st.Iteration >= 1 {
		if prev, err := os.ReadFile(filepath.Join(projectRoot, project.PlanFile)); err == nil { //nolint:gosec // G304: path derived from validated project name
			in.PreviousPlan = string(prev)
		}
		if report, err := os.ReadFile(filepath.Join(projectRoot, project.ReportFile(st.Iteration))); err == nil { //nolint:gosec // G304: path derived from validated project name
			in.Feedback = string(report)
		}
	}

	var planText string
	err := l.withAgentRetry(ctx, projectRoot, st, "architect", func() error {
		var aerr error
		planText, aerr = l.architect.Plan(ctx, in)
		return aerr
	})
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(projectRoot, project.PlanFile), []byte(planText), 0o644); err != nil { //nolint:gosec // G306: plan is operator-visible by design
		return "", fmt.Errorf("write plan: %w", err)
	}
	l.publishLog(st, "Architect completed - plan created")
	return planText, nil
}

// runEngineering executes one Engineer iteration into the staging tree.
func (l *Loop) runEngineering(ctx context.Context, projectRoot string, st *project.State, planText string) error {
	st.Iteration++
	ctx, span := tumblerotel.StartPhaseSpan(ctx, st.Name, "engineering", st.Iteration)
	defer span.End()

	l.setPhase(projectRoot, st, project.PhaseEngineering)
	l.bus.Publish(event.New(event.TypeIterationUpdate, st.Name, map[string]any{
		"iteration": st.Iteration,
	}))
	l.publishLog(st, fmt.Sprintf("Engineer started - iteration %d", st.Iteration))

	in := agent.CodeInput{
		ProjectRoot: projectRoot,
		State:       st,
		Plan:        planText,
		Iteration:   st.Iteration,
	}
	if st.Iteration >= 2 {
		in.Feedback = l.loadFeedback(projectRoot, st)
		in.PreviousCode = readStagingFiles(filepath.Join(projectRoot, project.StagingDir))
	}

	var files []agent.File
	err := l.withAgentRetry(ctx, projectRoot, st, "engineer", func() error {
		var aerr error
		files, aerr = l.engineer.Generate(ctx, in)
		return aerr
	})
	if err != nil {
		return err
	}

	written, err := agent.WriteStaging(filepath.Join(projectRoot, project.StagingDir), files, l.log)
	if err != nil {
		return fmt.Errorf("write staging: %w", err)
	}
	l.publishLog(st, fmt.Sprintf("Engineer completed - %d files staged", len(written)))
	return nil
}

// loadFeedback returns the previous iteration's report, or actionable
// fallback guidance when the report is empty or missing so the Engineer
// does not regenerate identical code.
func (l *Loop) loadFeedback(projectRoot string, st *project.State) string {
	report, err := os.ReadFile(filepath.Join(projectRoot, project.ReportFile(st.Iteration-1))) //nolint:gosec // G304: path derived from validated project name
	feedback := strings.TrimSpace(string(report))
	if err != nil || feedback == "" {
		l.log.Warn("feedback report empty or missing, using fallback guidance",
			"project", st.Name, "iteration", st.Iteration-1)
		return fmt.Sprintf(`The verifier report for iteration %d was empty or unavailable. Improve the code by:
1. Ensure all planned files are complete and functional
2. Add error handling and input validation
3. Include at least basic tests
4. Fix any obvious bugs or missing imports`, st.Iteration-1)
	}
	l.logConversation(projectRoot, st, conversation.AgentSystem, conversation.RoleInput, st.Iteration,
		feedback, fmt.Sprintf("Feedback from iteration %d", st.Iteration-1))
	return feedback
}

// runVerifying executes the sandbox phases and the Verifier agent, writes
// the iteration report, and records the score.
func (l *Loop) runVerifying(ctx context.Context, projectRoot string, st *project.State, planText string) (float64, error) {
	ctx, span := tumblerotel.StartPhaseSpan(ctx, st.Name, "verifying", st.Iteration)
	defer span.End()

	l.setPhase(projectRoot, st, project.PhaseVerifying)
	l.publishLog(st, fmt.Sprintf("Verifier started - iteration %d", st.Iteration))

	stagingDir := filepath.Join(projectRoot, project.StagingDir)
	result := l.runSandbox(ctx, projectRoot, st, stagingDir, planText)

	in := agent.ReviewInput{
		ProjectRoot: projectRoot,
		State:       st,
		Plan:        planText,
		Iteration:   st.Iteration,
		Code:        readStagingFiles(stagingDir),
		Result:      result,
	}

	var out *agent.ReviewOutput
	err := l.withAgentRetry(ctx, projectRoot, st, "verifier", func() error {
		var aerr error
		out, aerr = l.verifier.Review(ctx, in)
		return aerr
	})
	if err != nil {
		return 0, err
	}

	reportPath := filepath.Join(projectRoot, project.ReportFile(st.Iteration))
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return 0, fmt.Errorf("create feedback dir: %w", err)
	}
	if err := os.WriteFile(reportPath, []byte(out.Report), 0o644); err != nil { //nolint:gosec // G306: report is operator-visible by design
		return 0, fmt.Errorf("write report: %w", err)
	}

	st.LastScore = &out.Score
	if err := l.store.SaveState(projectRoot, st); err != nil {
		return 0, err
	}
	l.bus.Publish(event.New(event.TypeScoreUpdate, st.Name, map[string]any{
		"iteration": st.Iteration,
		"score":     out.Score,
		"phase":     string(st.Phase),
	}))
	l.publishLog(st, fmt.Sprintf("Verifier completed - score %.1f/10", out.Score))
	return out.Score, nil
}

// runSandbox executes the verification phases, falling back to a skipped
// bundle (code-review-only mode) when the sandbox is unavailable or no
// runtime can be detected. Sandbox phase failures are the normal feedback
// signal, never loop errors.
func (l *Loop) runSandbox(ctx context.Context, projectRoot string, st *project.State, stagingDir, planText string) *sandbox.Result {
	if l.executor == nil {
		l.publishLog(st, "Sandbox disabled - static review only")
		return sandbox.SkippedResult()
	}

	rt, ok := sandbox.DetectRuntime(stagingDir, planText)
	if !ok {
		l.publishLog(st, "No runtime detected - static review only")
		return sandbox.SkippedResult()
	}

	l.bus.Publish(event.New(event.TypeSandboxStart, st.Name, map[string]any{
		"iteration": st.Iteration,
		"runtime":   rt.Language,
	}))

	// Heartbeats keep external consumers alive through long phases.
	hbStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ticker.C:
				l.bus.Publish(event.New(event.TypeHeartbeat, st.Name, nil))
			}
		}
	}()
	defer close(hbStop)

	onPhase := func(phase string, pr sandbox.PhaseResult) {
		l.bus.Publish(event.New(event.TypeSandboxPhase, st.Name, map[string]any{
			"iteration":  st.Iteration,
			"phase":      phase,
			"status":     pr.Status,
			"stdout":     clip(pr.Stdout, 10_000),
			"stderr":     clip(pr.Stderr, 10_000),
			"exit_code":  pr.ExitCode,
			"duration_s": pr.Duration.Seconds(),
			"commands":   pr.Commands,
		}))
		exit := pr.ExitCode
		l.logConversationMeta(projectRoot, st, conversation.Message{
			Agent: conversation.AgentVerifier, Role: conversation.RoleSandbox,
			Iteration: st.Iteration, Content: clip(pr.Stdout, 5_000),
			Metadata: &conversation.Metadata{
				Label:         "Sandbox: " + phase,
				SandboxPhase:  phase,
				SandboxStatus: pr.Status,
				ExitCode:      &exit,
				DurationS:     pr.Duration.Seconds(),
				Commands:      pr.Commands,
			},
		})
	}

	strategy := plan.ExtractStrategy(planText)
	overrides := sandbox.FromPlan(plan.ExtractResourceRequirements(planText))
	result, err := l.executor.Run(ctx, stagingDir, rt, strategy, overrides, onPhase)
	if err != nil {
		if errors.Is(err, domain.ErrSandboxUnavailable) {
			l.publishLog(st, "Sandbox unavailable - static review only")
			return sandbox.SkippedResult()
		}
		l.log.Warn("sandbox run failed, falling back to static review",
			"project", st.Name, "error", err)
		r := sandbox.SkippedResult()
		r.Errors = append(r.Errors, err.Error())
		return r
	}
	return result
}

// decide applies the convergence rule after a verifier pass. Returns
// done=true when the loop reached a terminal phase.
func (l *Loop) decide(projectRoot string, st *project.State, history []float64) (bool, error) {
	sc := st.Score()

	if st.Converged() {
		return true, l.finalize(projectRoot, st)
	}
	if st.Iteration >= st.MaxIterations {
		l.markFailed(projectRoot, st, ReasonIterationCap,
			fmt.Sprintf("iteration cap reached (%d) without convergence", st.MaxIterations))
		return true, nil
	}
	if st.MaxCost > 0 {
		if total := l.store.TotalCost(projectRoot); total >= st.MaxCost {
			l.markFailed(projectRoot, st, ReasonCostCap,
				fmt.Sprintf("cost limit exceeded: $%.4f >= $%.2f", total, st.MaxCost))
			return true, nil
		}
	}
	if w := l.cfg.Tumbler.PlateauWindow; w > 0 && len(history) >= w {
		recent := history[len(history)-w:]
		lo, hi := recent[0], recent[0]
		for _, s := range recent {
			if s < lo {
				lo = s
			}
			if s > hi {
				hi = s
			}
		}
		if hi-lo < plateauEpsilon {
			l.markFailed(projectRoot, st, ReasonPlateau,
				fmt.Sprintf("score plateau over last %d iterations (%.1f..%.1f)", w, lo, hi))
			return true, nil
		}
	}

	l.logConversation(projectRoot, st, conversation.AgentSystem, conversation.RoleStatus, st.Iteration,
		fmt.Sprintf("Score %.1f/10 is below threshold (%.1f). Starting iteration %d...",
			sc, st.QualityThreshold, st.Iteration+1), "Continuing")
	return false, nil
}

// finalize archives staging and marks the project completed.
func (l *Loop) finalize(projectRoot string, st *project.State) error {
	archivePath, err := archive.Create(
		filepath.Join(projectRoot, project.StagingDir),
		filepath.Join(projectRoot, project.FinalDir),
		st.Name, time.Now(), l.log)
	if err != nil {
		return fmt.Errorf("archive staging: %w", err)
	}

	l.setPhase(projectRoot, st, project.PhaseCompleted)
	l.logConversation(projectRoot, st, conversation.AgentSystem, conversation.RoleStatus, st.Iteration,
		fmt.Sprintf("Project completed! Final score: %.1f/10 after %d iteration(s).",
			st.Score(), st.Iteration), "Completed")
	l.bus.Publish(event.New(event.TypeProjectComplete, st.Name, map[string]any{
		"score":     st.Score(),
		"iteration": st.Iteration,
		"archive":   filepath.Base(archivePath),
	}))
	l.publishLog(st, "Project archived to "+archivePath)
	return nil
}

// markFailed records a terminal failure. reason may be empty for
// unclassified internal errors.
func (l *Loop) markFailed(projectRoot string, st *project.State, reason, message string) {
	if reason != "" {
		st.Error = reason + ": " + message
	} else {
		st.Error = message
	}
	l.setPhase(projectRoot, st, project.PhaseFailed)
	l.logConversation(projectRoot, st, conversation.AgentSystem, conversation.RoleError, st.Iteration,
		"Project failed: "+st.Error, "Failed")
	l.bus.Publish(event.New(event.TypeProjectFailed, st.Name, map[string]any{
		"error":  st.Error,
		"reason": reason,
	}))
}

// withAgentRetry runs an agent call, retrying AgentError failures within the
// same iteration up to the configured retry budget. Cancellation and
// non-agent errors pass through immediately.
func (l *Loop) withAgentRetry(ctx context.Context, projectRoot string, st *project.State, agentName string, fn func() error) error {
	retries := l.cfg.Tumbler.AgentRetries
	if retries < 0 {
		retries = 0
	}
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, domain.ErrAgentError) {
			return err
		}
		l.logConversation(projectRoot, st, agentName, conversation.RoleError, st.Iteration,
			fmt.Sprintf("%s agent failed (attempt %d): %v", agentName, attempt+1, err), "Error")
		if attempt < retries {
			l.publishLog(st, fmt.Sprintf("%s failed, retrying iteration %d", agentName, st.Iteration))
		}
	}
	return err
}

func (l *Loop) setPhase(projectRoot string, st *project.State, phase project.Phase) {
	st.Phase = phase
	if err := l.store.SaveState(projectRoot, st); err != nil {
		l.log.Error("could not persist phase change", "project", st.Name, "error", err)
	}
	l.publishPhase(st, phase)
}

func (l *Loop) publishPhase(st *project.State, phase project.Phase) {
	l.bus.Publish(event.New(event.TypePhaseChange, st.Name, map[string]any{
		"phase":     string(phase),
		"iteration": st.Iteration,
	}))
}

func (l *Loop) publishLog(st *project.State, message string) {
	l.log.Info(message, "project", st.Name)
	l.bus.Publish(event.New(event.TypeLog, st.Name, map[string]any{
		"message": message,
		"level":   "info",
	}))
}

func (l *Loop) logConversation(projectRoot string, st *project.State, agentName, role string, iteration int, content, label string) {
	l.logConversationMeta(projectRoot, st, conversation.Message{
		Agent: agentName, Role: role, Iteration: iteration,
		Content:  content,
		Metadata: &conversation.Metadata{Label: label},
	})
}

func (l *Loop) logConversationMeta(projectRoot string, st *project.State, msg conversation.Message) {
	msg.Timestamp = time.Now().UTC()
	if err := l.store.AppendConversation(projectRoot, msg); err != nil {
		l.log.Warn("could not append conversation", "project", st.Name, "error", err)
	}
}

// skipExtensions excludes binaries and media from agent context.
var skipExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".so": true, ".dll": true, ".exe": true,
	".bin": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".ico": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".zip": true, ".tar": true, ".gz": true,
}

const maxContextFileBytes = 50_000

// readStagingFiles loads the staging tree for agent context: relative path →
// content, binaries skipped, oversized files replaced with a placeholder.
func readStagingFiles(stagingDir string) map[string]string {
	out := map[string]string{}
	_ = filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		name := info.Name()
		if name == ".manifest.json" {
			return nil
		}
		if skipExtensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		rel, rerr := filepath.Rel(stagingDir, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.Size() > maxContextFileBytes {
			out[rel] = fmt.Sprintf("[File too large: %d bytes]", info.Size())
			return nil
		}
		data, rerr2 := os.ReadFile(path) //nolint:gosec // G304: staging paths come from the walk
		if rerr2 != nil {
			out[rel] = "[Unreadable file]"
			return nil
		}
		out[rel] = string(data)
		return nil
	})
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
