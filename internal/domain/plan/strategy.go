// Package plan parses structured metadata out of the Architect's PLAN.md.
package plan

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Strategy holds the verification commands extracted from a plan. Empty
// slices mean "use the detected runtime's defaults".
type Strategy struct {
	Install []string
	Build   []string
	Test    []string
	Run     []string
}

// sectionKeys maps plan headings to strategy fields. Lint is intentionally
// absent: lint always runs with runtime defaults.
var sectionKeys = []struct {
	heading string
	assign  func(*Strategy, []string)
}{
	{"Install Commands", func(s *Strategy, c []string) { s.Install = c }},
	{"Build Commands", func(s *Strategy, c []string) { s.Build = c }},
	{"Test Commands", func(s *Strategy, c []string) { s.Test = c }},
	{"Run Commands", func(s *Strategy, c []string) { s.Run = c }},
}

// ExtractStrategy scans a plan for fenced command blocks of the form
//
//	Install Commands:
//	```bash
//	cmd1
//	cmd2
//	```
//
// Comment lines and blank lines inside a block are dropped.
func ExtractStrategy(planText string) Strategy {
	var s Strategy
	for _, key := range sectionKeys {
		re := regexp.MustCompile(`(?is)` + regexp.QuoteMeta(key.heading) + "[:\\s]*```(?:bash|sh)?\\s*\n(.*?)```")
		m := re.FindStringSubmatch(planText)
		if m == nil {
			continue
		}
		var cmds []string
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			cmds = append(cmds, line)
		}
		key.assign(&s, cmds)
	}
	return s
}

// ResourceRequirements are sandbox overrides the Architect may recommend in
// a "## Resource Requirements" section. Zero values mean "not set".
type ResourceRequirements struct {
	TimeoutInstall time.Duration
	TimeoutBuild   time.Duration
	TimeoutTest    time.Duration
	TimeoutLint    time.Duration
	Memory         string
	CPUs           float64
	TmpfsSize      string
}

var resourceSection = regexp.MustCompile(`(?is)##\s*Resource\s+Requirements.*?\n(.*?)(?:\n##|\z)`)

// ExtractResourceRequirements parses "key: value" lines from the plan's
// resource section. Placeholder values (bracketed templates, "default")
// are skipped.
func ExtractResourceRequirements(planText string) ResourceRequirements {
	var rr ResourceRequirements
	m := resourceSection.FindStringSubmatch(planText)
	if m == nil {
		return rr
	}
	section := m[1]

	seconds := func(field string) time.Duration {
		raw := fieldValue(section, field)
		if raw == "" {
			return 0
		}
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		return 0
	}

	rr.TimeoutInstall = seconds("timeout_install")
	rr.TimeoutBuild = seconds("timeout_build")
	rr.TimeoutTest = seconds("timeout_test")
	rr.TimeoutLint = seconds("timeout_lint")
	rr.Memory = fieldValue(section, "memory_limit")
	rr.TmpfsSize = fieldValue(section, "tmpfs_size")
	if raw := fieldValue(section, "cpu_limit"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
			rr.CPUs = f
		}
	}
	return rr
}

// fieldValue matches lines like "**timeout_build**: 300" or "timeout_build: 300".
func fieldValue(section, field string) string {
	re := regexp.MustCompile(`(?i)(?:\*\*)?` + regexp.QuoteMeta(field) + `(?:\*\*)?\s*:\s*(.+)`)
	m := re.FindStringSubmatch(section)
	if m == nil {
		return ""
	}
	raw := strings.Trim(strings.TrimSpace(m[1]), `"'`)
	if strings.HasPrefix(raw, "[") || strings.HasPrefix(strings.ToLower(raw), "default") {
		return ""
	}
	return raw
}
