// Package sandbox runs install/build/test/lint phases of generated code in
// ephemeral, capability-dropped containers reached through a restricted
// Docker socket proxy.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// Runtime is a detected language toolchain with its default phase commands.
type Runtime struct {
	Language string
	Image    string
	Install  []string
	Build    []string
	Test     []string
	Lint     []string
}

// runtimeMarkers maps workspace marker files to runtimes, checked in order.
var runtimeMarkers = []struct {
	marker  string
	runtime func() Runtime
}{
	{"package.json", func() Runtime {
		return Runtime{
			Language: "javascript",
			Image:    "node:20-slim",
			Install:  []string{"npm install --ignore-scripts"},
			Build:    []string{"npm run build --if-present"},
			Test:     []string{"npm test --if-present"},
			Lint:     []string{"npx eslint . --no-error-on-unmatched-pattern 2>/dev/null || true"},
		}
	}},
	{"requirements.txt", func() Runtime {
		return Runtime{
			Language: "python",
			Image:    "python:3.12-slim",
			Install:  []string{"pip install --no-cache-dir -r requirements.txt"},
			Test:     []string{"python -m pytest -x --tb=short 2>&1 || true"},
			Lint:     []string{"python -m flake8 --max-line-length=120 --statistics 2>&1 || true"},
		}
	}},
	{"pyproject.toml", func() Runtime {
		return Runtime{
			Language: "python",
			Image:    "python:3.12-slim",
			Install:  []string{"pip install --no-cache-dir -e '.[dev]' 2>/dev/null || pip install --no-cache-dir ."},
			Test:     []string{"python -m pytest -x --tb=short 2>&1 || true"},
			Lint:     []string{"python -m flake8 --max-line-length=120 --statistics 2>&1 || true"},
		}
	}},
	{"go.mod", func() Runtime {
		return Runtime{
			Language: "go",
			Image:    "golang:1.22-alpine",
			Install:  []string{"go mod download"},
			Build:    []string{"go build ./..."},
			Test:     []string{"go test ./... -count=1 -timeout 30s"},
			Lint:     []string{"go vet ./..."},
		}
	}},
	{"Cargo.toml", func() Runtime {
		return Runtime{
			Language: "rust",
			Image:    "rust:1.78-slim",
			Build:    []string{"cargo build 2>&1"},
			Test:     []string{"cargo test 2>&1"},
			Lint:     []string{"cargo clippy 2>&1 || true"},
		}
	}},
	{"pom.xml", func() Runtime {
		return Runtime{
			Language: "java",
			Image:    "eclipse-temurin:21-jdk-alpine",
			Build:    []string{"mvn -q compile 2>&1"},
			Test:     []string{"mvn -q test 2>&1"},
		}
	}},
}

// planHints maps keywords in plan text to a marker index, used when no
// marker file exists in the workspace.
var planHints = []struct {
	keywords []string
	index    int
}{
	{[]string{"react", "node", "npm", "javascript", "typescript", "next.js", "express"}, 0},
	{[]string{"python", "flask", "django", "fastapi", "pytest"}, 1},
	{[]string{"golang", "go module", "go.mod"}, 3},
}

// DetectRuntime identifies the workspace's toolchain from marker files,
// falling back to plan text analysis. Returns (zero, false) when nothing
// matches.
func DetectRuntime(workspace, planText string) (Runtime, bool) {
	for _, m := range runtimeMarkers {
		if _, err := os.Stat(filepath.Join(workspace, m.marker)); err == nil {
			return m.runtime(), true
		}
	}

	lower := strings.ToLower(planText)
	for _, h := range planHints {
		for _, kw := range h.keywords {
			if strings.Contains(lower, kw) {
				return runtimeMarkers[h.index].runtime(), true
			}
		}
	}
	return Runtime{}, false
}
