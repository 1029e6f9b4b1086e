package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/provider"
)

const engineerSystemPrompt = `You are a Senior Software Engineer. Generate
complete, production-quality code based on architectural plans. Output a pure
JSON array of files, each {"path": "<relative>", "content": "<utf-8>"}, with
no markdown fences and no commentary.`

const engineerTemperature = 0.3

// File is one generated source file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Engineer turns plans (and feedback) into staged code trees.
type Engineer struct {
	runner *Runner
	log    *slog.Logger
}

// NewEngineer creates the Engineer role over a shared runner.
func NewEngineer(r *Runner, log *slog.Logger) *Engineer {
	if log == nil {
		log = slog.Default()
	}
	return &Engineer{runner: r, log: log}
}

// CodeInput is the context for one generation call. PreviousCode and
// Feedback are populated from iteration 2 onward.
type CodeInput struct {
	ProjectRoot  string
	State        *project.State
	Plan         string
	Iteration    int
	Feedback     string
	PreviousCode map[string]string // relative path -> content
}

// Generate produces the file set for the iteration. Plan, previous code, and
// feedback are compressible context; the task instruction is not.
func (e *Engineer) Generate(ctx context.Context, in CodeInput) ([]File, error) {
	var sb strings.Builder
	sb.WriteString("<compress>\n# Architectural Plan\n\n")
	sb.WriteString(in.Plan)
	sb.WriteString("\n")

	if in.Iteration > 1 {
		fmt.Fprintf(&sb, "\n# Iteration %d - Refinement\n\n## Previous Implementation\n\n", in.Iteration)
		for path, content := range in.PreviousCode {
			fmt.Fprintf(&sb, "### %s\n```\n%s\n```\n\n", path, content)
		}
		sb.WriteString("\n## Verifier Feedback\n\n")
		sb.WriteString(in.Feedback)
		sb.WriteString("\n")
	}
	sb.WriteString("</compress>\n\n# Your Task\n\n")

	if in.Iteration <= 1 {
		sb.WriteString(`This is iteration 1 - implement the project from scratch according to
the plan. Generate ALL files specified in the plan as a JSON array.
Ensure all imports are correct, tests are comprehensive, and configuration
files are complete.

Output pure JSON (no markdown fences):
[{"path": "...", "content": "..."}, ...]
`)
	} else {
		sb.WriteString(`Fix the issues identified in the feedback while preserving working
parts of the code. Focus on failing tests, build errors, and lint issues.
Generate the COMPLETE file tree again as JSON, including unchanged files.

Output pure JSON (no markdown fences):
[{"path": "...", "content": "..."}, ...]
`)
	}

	result, err := e.runner.Run(ctx, Call{
		ProjectRoot: in.ProjectRoot,
		State:       in.State,
		Agent:       conversation.AgentEngineer,
		Iteration:   in.Iteration,
		Temperature: engineerTemperature,
		Label:       "Code Generation",
		Messages: []provider.Message{
			{Role: "system", Content: engineerSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	files, err := ParseFiles(result.Text)
	if err != nil {
		return nil, fmt.Errorf("engineer output: %v: %w", err, domain.ErrAgentError)
	}
	return NormalizeFiles(files, e.log), nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)```")

// ParseFiles decodes the Engineer's JSON array, tolerating markdown fences.
// A lenient regex pass salvages individual entries when the JSON is broken.
func ParseFiles(response string) ([]File, error) {
	text := strings.TrimSpace(response)
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var files []File
	if err := json.Unmarshal([]byte(text), &files); err == nil {
		for _, f := range files {
			if f.Path == "" {
				return nil, fmt.Errorf("file entry missing path")
			}
		}
		return files, nil
	}

	files = parseFilesLenient(text)
	if len(files) == 0 {
		return nil, fmt.Errorf("not a JSON array of {path, content} objects")
	}
	return files, nil
}

var lenientEntry = regexp.MustCompile(`(?s)"path"\s*:\s*"([^"]+)"\s*,\s*"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)

func parseFilesLenient(text string) []File {
	var files []File
	for _, m := range lenientEntry.FindAllStringSubmatch(text, -1) {
		content := m[2]
		content = strings.ReplaceAll(content, `\n`, "\n")
		content = strings.ReplaceAll(content, `\t`, "\t")
		content = strings.ReplaceAll(content, `\"`, `"`)
		content = strings.ReplaceAll(content, `\\`, `\`)
		files = append(files, File{Path: m[1], Content: content})
	}
	return files
}

// workspaceMarkers are files that anchor a project root; when the Engineer's
// listing contains one at its root, the layout is kept as is. A marker inside
// the shared top-level directory does not prevent the prefix from being
// stripped.
var workspaceMarkers = map[string]bool{
	"package.json": true, "requirements.txt": true, "pyproject.toml": true,
	"go.mod": true, "Cargo.toml": true, "pom.xml": true,
	"Makefile": true, "README.md": true,
}

// NormalizeFiles strips a spurious common root directory: when every entry
// shares a single top-level directory and no workspace marker file sits at
// the listing root, the prefix is dropped so files land at the staging root.
func NormalizeFiles(files []File, log *slog.Logger) []File {
	if log == nil {
		log = slog.Default()
	}
	if len(files) == 0 {
		return files
	}

	common := ""
	for _, f := range files {
		p := strings.TrimPrefix(filepath.ToSlash(f.Path), "./")
		if workspaceMarkers[p] {
			return files // a marker at root anchors the layout
		}
		slash := strings.IndexByte(p, '/')
		if slash < 0 {
			return files // a root-level file: nothing to strip
		}
		top := p[:slash]
		if common == "" {
			common = top
		} else if common != top {
			return files
		}
	}

	log.Info("stripping common root directory from engineer output", "prefix", common)
	out := make([]File, len(files))
	for i, f := range files {
		p := strings.TrimPrefix(filepath.ToSlash(f.Path), "./")
		out[i] = File{Path: strings.TrimPrefix(p, common+"/"), Content: f.Content}
	}
	return out
}

// Manifest is the staging completion marker (.manifest.json).
type Manifest struct {
	Files       []string  `json:"files"`
	CompletedAt time.Time `json:"completed_at"`
}

// WriteStaging writes generated files under stagingDir and drops the
// completion manifest. Paths must be relative, forward-slashed, and free of
// ".." segments; violations drop the file with a logged warning.
func WriteStaging(stagingDir string, files []File, log *slog.Logger) (written []string, err error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging: %w", err)
	}

	for _, f := range files {
		rel, ok := safeRelPath(f.Path)
		if !ok {
			log.Warn("dropping unsafe engineer path", "path", f.Path)
			continue
		}
		dest := filepath.Join(stagingDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return written, fmt.Errorf("create parent for %s: %w", rel, err)
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0o644); err != nil { //nolint:gosec // G306: generated code is world-readable by design
			return written, fmt.Errorf("write %s: %w", rel, err)
		}
		written = append(written, filepath.ToSlash(rel))
	}

	manifest, err := json.MarshalIndent(Manifest{
		Files:       written,
		CompletedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return written, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, ".manifest.json"), manifest, 0o644); err != nil { //nolint:gosec // G306: manifest is not sensitive
		return written, fmt.Errorf("write manifest: %w", err)
	}
	return written, nil
}

// safeRelPath validates an engineer-supplied path: relative, forward
// slashes, no ".." segments, no absolute paths.
func safeRelPath(p string) (string, bool) {
	p = filepath.ToSlash(strings.TrimSpace(p))
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "" {
			return "", false
		}
	}
	cleaned := filepath.Clean(filepath.FromSlash(p))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", false
	}
	return cleaned, true
}
