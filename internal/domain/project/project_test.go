package project_test

import (
	"errors"
	"testing"

	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
)

func TestPhase_Valid(t *testing.T) {
	valid := []project.Phase{
		project.PhaseIdle, project.PhasePlanning, project.PhaseEngineering,
		project.PhaseVerifying, project.PhaseCompleted, project.PhaseFailed,
	}
	for _, p := range valid {
		if !p.Valid() {
			t.Errorf("expected %s to be valid", p)
		}
	}
	if project.Phase("exploded").Valid() {
		t.Error("expected unknown phase to be invalid")
	}
}

func TestPhase_Running(t *testing.T) {
	if !project.PhasePlanning.Running() || !project.PhaseEngineering.Running() || !project.PhaseVerifying.Running() {
		t.Error("expected loop phases to report Running")
	}
	if project.PhaseIdle.Running() || project.PhaseCompleted.Running() || project.PhaseFailed.Running() {
		t.Error("expected idle/terminal phases to not report Running")
	}
}

func TestNewState_Defaults(t *testing.T) {
	s := project.NewState("demo", 10, 8.0, 0)
	if s.Phase != project.PhaseIdle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
	if s.Iteration != 0 {
		t.Fatalf("expected iteration 0, got %d", s.Iteration)
	}
	if s.LastScore != nil {
		t.Fatal("expected nil last score")
	}
	if !s.Compression.Enabled || s.Compression.Rate != 0.5 {
		t.Fatalf("unexpected compression defaults: %+v", s.Compression)
	}
}

func TestState_Converged(t *testing.T) {
	s := project.NewState("demo", 10, 8.0, 0)
	if s.Converged() {
		t.Fatal("expected no convergence without score")
	}
	score := 8.0
	s.LastScore = &score
	if !s.Converged() {
		t.Fatal("expected convergence at exact threshold")
	}
	score = 7.99
	if s.Converged() {
		t.Fatal("expected no convergence below threshold")
	}
}

func TestValidateName(t *testing.T) {
	good := []string{"demo", "my-project", "a1.b2_c3", "X"}
	for _, name := range good {
		if err := project.ValidateName(name); err != nil {
			t.Errorf("expected %q valid: %v", name, err)
		}
	}
	bad := []string{"", "../etc", "a/b", "a b", ".hidden", "-lead", string(make([]byte, 200))}
	for _, name := range bad {
		err := project.ValidateName(name)
		if err == nil {
			t.Errorf("expected %q invalid", name)
			continue
		}
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest for %q, got %v", name, err)
		}
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	req := project.CreateRequest{Name: "demo", Requirements: "build a CLI"}
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Requirements = ""
	if err := req.Validate(); err == nil {
		t.Fatal("expected error for missing requirements")
	}
	bad := 11.0
	req = project.CreateRequest{Name: "demo", Requirements: "x", QualityThreshold: &bad}
	if err := req.Validate(); err == nil {
		t.Fatal("expected error for threshold > 10")
	}
}

func TestReportFile(t *testing.T) {
	if got := project.ReportFile(3); got != "04_feedback/REPORT_iter3.md" {
		t.Fatalf("unexpected report path: %s", got)
	}
}
