package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/CodeTumbler/internal/domain/project"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSafeClearDir_RefusesUnlistedDir(t *testing.T) {
	s := newStore(t)
	root := newProject(t, s, "demo")
	writeFile(t, filepath.Join(root, project.InputDir, "requirements.txt"), "reqs")

	if _, _, err := s.SafeClearDir(root, project.InputDir); err == nil {
		t.Fatal("expected refusal to clear 01_input")
	}
	if _, err := os.Stat(filepath.Join(root, project.RequirementsFile)); err != nil {
		t.Fatal("requirements must survive")
	}
}

func TestSafeClearDir_ClearsNestedTree(t *testing.T) {
	s := newStore(t)
	root := newProject(t, s, "demo")
	writeFile(t, filepath.Join(root, project.StagingDir, "src", "main.py"), "print('hi')")
	writeFile(t, filepath.Join(root, project.StagingDir, "README.md"), "readme")

	deleted, skipped, err := s.SafeClearDir(root, project.StagingDir)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 || skipped != 0 {
		t.Fatalf("expected 2 deleted 0 skipped, got %d/%d", deleted, skipped)
	}
	entries, err := os.ReadDir(filepath.Join(root, project.StagingDir))
	if err != nil {
		t.Fatal("staging directory itself must survive")
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging, got %d entries", len(entries))
	}
}

func TestSafeClearDir_RemovesSymlinkNotTarget(t *testing.T) {
	s := newStore(t)
	root := newProject(t, s, "demo")

	outside := filepath.Join(t.TempDir(), "victim.txt")
	writeFile(t, outside, "precious")
	link := filepath.Join(root, project.StagingDir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, _, err := s.SafeClearDir(root, project.StagingDir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Fatal("expected symlink removed")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatal("symlink target outside project must survive")
	}
}

func TestSafeDeleteProject_RemovesTree(t *testing.T) {
	s := newStore(t)
	root := newProject(t, s, "demo")
	writeFile(t, filepath.Join(root, project.StagingDir, "a.txt"), "x")

	if _, _, err := s.SafeDeleteProject(root); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatal("expected project root removed")
	}
}

func TestSafeDeleteProject_MissingIsNoop(t *testing.T) {
	s := newStore(t)
	if _, _, err := s.SafeDeleteProject(filepath.Join(t.TempDir(), "ghost")); err != nil {
		t.Fatalf("expected noop, got %v", err)
	}
}

func TestReset_ClearsArtifactsKeepsInputs(t *testing.T) {
	s := newStore(t)
	root := newProject(t, s, "demo")
	writeFile(t, filepath.Join(root, project.RequirementsFile), "reqs")
	writeFile(t, filepath.Join(root, project.PlanFile), "plan")
	writeFile(t, filepath.Join(root, project.StagingDir, "main.py"), "code")
	writeFile(t, filepath.Join(root, project.ReportFile(1)), "report")
	writeFile(t, filepath.Join(root, project.FinalDir, "demo_x.zip"), "zip")

	st, err := s.LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	score := 3.0
	st.Phase = project.PhaseFailed
	st.Iteration = 4
	st.LastScore = &score
	st.Error = "boom"
	st.ProviderOverrides = map[string]string{"engineer": "cloud"}
	if err := s.SaveState(root, st); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(root); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != project.PhaseIdle || got.Iteration != 0 || got.LastScore != nil || got.Error != "" {
		t.Fatalf("state not reset: %+v", got)
	}
	if got.ProviderOverrides["engineer"] != "cloud" {
		t.Fatal("provider overrides must survive reset")
	}
	if _, err := os.Stat(filepath.Join(root, project.RequirementsFile)); err != nil {
		t.Fatal("requirements must survive reset")
	}
	if _, err := os.Stat(filepath.Join(root, project.FinalDir, "demo_x.zip")); err != nil {
		t.Fatal("final archives must survive reset")
	}
	if _, err := os.Stat(filepath.Join(root, project.PlanFile)); !os.IsNotExist(err) {
		t.Fatal("plan must be cleared by reset")
	}
}

func TestReset_Idempotent(t *testing.T) {
	s := newStore(t)
	root := newProject(t, s, "demo")
	if err := s.Reset(root); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(root); err != nil {
		t.Fatalf("second reset must succeed: %v", err)
	}
	st, err := s.LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != project.PhaseIdle || st.Iteration != 0 {
		t.Fatalf("reset not idempotent: %+v", st)
	}
}
