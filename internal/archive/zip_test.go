package archive_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/archive"
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

func TestCreate_ZipsTreeWithTimestampName(t *testing.T) {
	staging := t.TempDir()
	final := t.TempDir()
	writeFile(t, filepath.Join(staging, "main.py"), "print('hi')")
	writeFile(t, filepath.Join(staging, "tests", "test_main.py"), "def test(): pass")

	ts := time.Date(2026, 8, 6, 12, 30, 45, 0, time.UTC)
	path, err := archive.Create(staging, final, "demo", ts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "demo_20260806_123045.zip" {
		t.Fatalf("unexpected archive name: %s", filepath.Base(path))
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["main.py"] || !names["tests/test_main.py"] {
		t.Fatalf("missing entries: %v", names)
	}
}

func TestCreate_SkipsSymlinks(t *testing.T) {
	staging := t.TempDir()
	final := t.TempDir()
	writeFile(t, filepath.Join(staging, "keep.txt"), "x")
	outside := filepath.Join(t.TempDir(), "secret.txt")
	writeFile(t, outside, "secret")
	if err := os.Symlink(outside, filepath.Join(staging, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	path, err := archive.Create(staging, final, "demo", time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if strings.Contains(f.Name, "leak") {
			t.Fatal("symlink must not be archived")
		}
	}
}
