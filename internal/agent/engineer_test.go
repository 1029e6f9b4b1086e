package agent_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/CodeTumbler/internal/agent"
)

func TestParseFiles_PlainArray(t *testing.T) {
	files, err := agent.ParseFiles(`[{"path": "main.py", "content": "print('hi')"}]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "main.py" {
		t.Fatalf("unexpected: %+v", files)
	}
}

func TestParseFiles_FencedJSON(t *testing.T) {
	response := "Here is the code:\n```json\n[{\"path\": \"a.py\", \"content\": \"x\"}]\n```\n"
	files, err := agent.ParseFiles(response)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "a.py" {
		t.Fatalf("unexpected: %+v", files)
	}
}

func TestParseFiles_LenientFallback(t *testing.T) {
	// Trailing comma breaks strict JSON; the lenient pass must salvage entries.
	broken := `[{"path": "a.py", "content": "line1\nline2"},]`
	files, err := agent.ParseFiles(broken)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Content != "line1\nline2" {
		t.Fatalf("unexpected: %+v", files)
	}
}

func TestParseFiles_Garbage(t *testing.T) {
	if _, err := agent.ParseFiles("I could not generate code today."); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNormalizeFiles_StripsCommonRoot(t *testing.T) {
	files := agent.NormalizeFiles([]agent.File{
		{Path: "myapp/src/main.py", Content: "a"},
		{Path: "myapp/tests/test_main.py", Content: "b"},
	}, nil)
	if files[0].Path != "src/main.py" || files[1].Path != "tests/test_main.py" {
		t.Fatalf("expected prefix stripped: %+v", files)
	}
}

func TestNormalizeFiles_KeepsRootWithMarker(t *testing.T) {
	in := []agent.File{
		{Path: "package.json", Content: "{}"},
		{Path: "src/index.js", Content: "x"},
	}
	files := agent.NormalizeFiles(in, nil)
	if files[0].Path != "package.json" {
		t.Fatalf("marker layout must be preserved: %+v", files)
	}
}

func TestNormalizeFiles_MixedRootsUntouched(t *testing.T) {
	in := []agent.File{
		{Path: "a/x.py", Content: "1"},
		{Path: "b/y.py", Content: "2"},
	}
	files := agent.NormalizeFiles(in, nil)
	if files[0].Path != "a/x.py" || files[1].Path != "b/y.py" {
		t.Fatalf("mixed roots must be untouched: %+v", files)
	}
}

func TestWriteStaging_DropsEscapingPaths(t *testing.T) {
	staging := filepath.Join(t.TempDir(), "03_staging")
	written, err := agent.WriteStaging(staging, []agent.File{
		{Path: "../../etc/passwd", Content: "x"},
		{Path: "/etc/shadow", Content: "x"},
		{Path: "src/ok.py", Content: "fine"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 1 || written[0] != "src/ok.py" {
		t.Fatalf("expected only safe path written, got %v", written)
	}
	if _, err := os.Stat(filepath.Join(staging, "src", "ok.py")); err != nil {
		t.Fatal("safe file must be written")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(staging)), "etc", "passwd")); !os.IsNotExist(err) {
		t.Fatal("escaping path must not be written")
	}
}

func TestWriteStaging_WritesManifest(t *testing.T) {
	staging := filepath.Join(t.TempDir(), "03_staging")
	_, err := agent.WriteStaging(staging, []agent.File{{Path: "main.py", Content: "x"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(staging, ".manifest.json")); err != nil {
		t.Fatal("manifest must be written")
	}
}

func TestWriteStaging_EmptySetStillCompletes(t *testing.T) {
	staging := filepath.Join(t.TempDir(), "03_staging")
	written, err := agent.WriteStaging(staging, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 0 {
		t.Fatalf("expected zero files, got %v", written)
	}
	if _, err := os.Stat(filepath.Join(staging, ".manifest.json")); err != nil {
		t.Fatal("manifest must be written even for an empty set")
	}
}
