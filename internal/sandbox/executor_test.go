package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/plan"
	"github.com/Strob0t/CodeTumbler/internal/sandbox"
)

func TestRun_UnreachableProxyIsSandboxUnavailable(t *testing.T) {
	cfg := config.Defaults().Sandbox
	cfg.DockerHost = "tcp://127.0.0.1:1" // nothing listens here
	e := sandbox.NewExecutor(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, _ := sandbox.DetectRuntime(t.TempDir(), "python pytest project")
	_, err := e.Run(ctx, t.TempDir(), rt, plan.Strategy{}, sandbox.Overrides{}, nil)
	if !errors.Is(err, domain.ErrSandboxUnavailable) {
		t.Fatalf("expected ErrSandboxUnavailable, got %v", err)
	}
}

func TestPing_Unreachable(t *testing.T) {
	cfg := config.Defaults().Sandbox
	cfg.DockerHost = "tcp://127.0.0.1:1"
	e := sandbox.NewExecutor(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Ping(ctx); !errors.Is(err, domain.ErrSandboxUnavailable) {
		t.Fatalf("expected ErrSandboxUnavailable, got %v", err)
	}
}

func TestSkippedResult(t *testing.T) {
	r := sandbox.SkippedResult()
	if !r.CodeReviewOnly {
		t.Fatal("expected code review only")
	}
	for name, p := range map[string]sandbox.PhaseResult{
		"install": r.Install, "build": r.Build, "test": r.Test, "lint": r.Lint,
	} {
		if p.Status != sandbox.StatusSkipped {
			t.Fatalf("phase %s: expected skipped, got %s", name, p.Status)
		}
	}
}

func TestPhaseResult_OK(t *testing.T) {
	if !(sandbox.PhaseResult{Status: sandbox.StatusSuccess}).OK() {
		t.Fatal("success must be OK")
	}
	if !(sandbox.PhaseResult{Status: sandbox.StatusSkipped}).OK() {
		t.Fatal("skipped must be OK (nothing to fail)")
	}
	if (sandbox.PhaseResult{Status: sandbox.StatusFailed}).OK() {
		t.Fatal("failed must not be OK")
	}
	if (sandbox.PhaseResult{Status: sandbox.StatusTimeout}).OK() {
		t.Fatal("timeout must not be OK")
	}
}

func TestFromPlan(t *testing.T) {
	o := sandbox.FromPlan(plan.ResourceRequirements{
		TimeoutBuild: 600 * time.Second,
		Memory:       "2g",
		CPUs:         1.5,
	})
	if o.TimeoutBuild != 600*time.Second || o.Memory != "2g" || o.CPUs != 1.5 {
		t.Fatalf("unexpected overrides: %+v", o)
	}
}
