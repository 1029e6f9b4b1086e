package plan_test

import (
	"testing"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/domain/plan"
)

const samplePlan = "# Plan\n\n" +
	"Install Commands:\n```bash\nnpm install --ignore-scripts\n# comment dropped\n\n```\n\n" +
	"Test Commands:\n```bash\nnpm test\nnpm run test:e2e\n```\n\n" +
	"## Resource Requirements\n\n" +
	"**timeout_build**: 600\n" +
	"memory_limit: 2g\n" +
	"cpu_limit: 1.5\n" +
	"timeout_test: [use default]\n"

func TestExtractStrategy(t *testing.T) {
	s := plan.ExtractStrategy(samplePlan)
	if len(s.Install) != 1 || s.Install[0] != "npm install --ignore-scripts" {
		t.Fatalf("unexpected install commands: %v", s.Install)
	}
	if len(s.Test) != 2 || s.Test[1] != "npm run test:e2e" {
		t.Fatalf("unexpected test commands: %v", s.Test)
	}
	if s.Build != nil {
		t.Fatalf("expected no build commands, got %v", s.Build)
	}
}

func TestExtractStrategy_CaseInsensitiveHeading(t *testing.T) {
	s := plan.ExtractStrategy("install commands:\n```\npip install -r requirements.txt\n```")
	if len(s.Install) != 1 {
		t.Fatalf("expected case-insensitive match, got %v", s.Install)
	}
}

func TestExtractStrategy_NoBlocks(t *testing.T) {
	s := plan.ExtractStrategy("just prose, no fenced commands")
	if s.Install != nil || s.Build != nil || s.Test != nil || s.Run != nil {
		t.Fatalf("expected empty strategy, got %+v", s)
	}
}

func TestExtractResourceRequirements(t *testing.T) {
	rr := plan.ExtractResourceRequirements(samplePlan)
	if rr.TimeoutBuild != 600*time.Second {
		t.Fatalf("expected 600s build timeout, got %s", rr.TimeoutBuild)
	}
	if rr.Memory != "2g" {
		t.Fatalf("expected memory 2g, got %q", rr.Memory)
	}
	if rr.CPUs != 1.5 {
		t.Fatalf("expected cpus 1.5, got %f", rr.CPUs)
	}
	if rr.TimeoutTest != 0 {
		t.Fatalf("expected placeholder test timeout skipped, got %s", rr.TimeoutTest)
	}
}

func TestExtractResourceRequirements_AbsentSection(t *testing.T) {
	rr := plan.ExtractResourceRequirements("# Plan without resources")
	if rr != (plan.ResourceRequirements{}) {
		t.Fatalf("expected zero requirements, got %+v", rr)
	}
}
