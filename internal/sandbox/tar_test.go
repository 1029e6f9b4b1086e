package sandbox_test

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/CodeTumbler/internal/sandbox"
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

func tarEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	entries := map[string]string{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			t.Fatal(err)
		}
		entries[hdr.Name] = buf.String()
	}
	return entries
}

func TestBuildTar_RoundTrip(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "main.py"), "print('hi')")
	writeFile(t, filepath.Join(ws, "pkg", "util.py"), "x = 1")

	data, skipped, err := sandbox.BuildTar(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 {
		t.Fatalf("expected no skips, got %d", skipped)
	}

	entries := tarEntries(t, data)
	if entries["main.py"] != "print('hi')" {
		t.Fatalf("main.py content mismatch: %q", entries["main.py"])
	}
	if entries["pkg/util.py"] != "x = 1" {
		t.Fatalf("nested content mismatch: %q", entries["pkg/util.py"])
	}
}

func TestBuildTar_SkipsSymlinks(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "real.txt"), "real")
	outside := filepath.Join(t.TempDir(), "secret.txt")
	writeFile(t, outside, "secret")
	if err := os.Symlink(outside, filepath.Join(ws, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	data, skipped, err := sandbox.BuildTar(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skip, got %d", skipped)
	}
	entries := tarEntries(t, data)
	if _, ok := entries["leak.txt"]; ok {
		t.Fatal("symlink must not be archived")
	}
	if _, ok := entries["real.txt"]; !ok {
		t.Fatal("regular file missing")
	}
}

func TestBuildTar_SkipsSymlinkedDirs(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "keep.txt"), "x")
	outsideDir := t.TempDir()
	writeFile(t, filepath.Join(outsideDir, "inner.txt"), "y")
	if err := os.Symlink(outsideDir, filepath.Join(ws, "linked")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	data, _, err := sandbox.BuildTar(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	entries := tarEntries(t, data)
	for name := range entries {
		if name != "keep.txt" {
			t.Fatalf("unexpected entry through symlinked dir: %s", name)
		}
	}
}

func makeExportTar(t *testing.T, files map[string]string, links map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	for name, target := range links {
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: target}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractTar_StripsPrefixAndWritesFiles(t *testing.T) {
	ws := t.TempDir()
	data := makeExportTar(t, map[string]string{
		"workspace/node_modules/a/index.js": "module.exports = 1",
		"workspace/package.json":            "{}",
	}, nil)

	if err := sandbox.ExtractTar(bytes.NewReader(data), ws, "workspace", nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(ws, "node_modules", "a", "index.js"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "module.exports = 1" {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestExtractTar_RejectsTraversalAndLinks(t *testing.T) {
	ws := t.TempDir()
	data := makeExportTar(t, map[string]string{
		"workspace/../../evil.txt": "evil",
		"unexpected/path.txt":      "skip",
	}, map[string]string{
		"workspace/link": "/etc/passwd",
	})

	if err := sandbox.ExtractTar(bytes.NewReader(data), ws, "workspace", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(ws, "link")); !os.IsNotExist(err) {
		t.Fatal("symlink must not be extracted")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(ws), "evil.txt")); !os.IsNotExist(err) {
		t.Fatal("traversal entry must not escape the workspace")
	}
}
