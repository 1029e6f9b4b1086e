package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/domain/score"
	"github.com/Strob0t/CodeTumbler/internal/provider"
	"github.com/Strob0t/CodeTumbler/internal/sandbox"
)

const verifierSystemPrompt = `You are a Senior QA Engineer. Analyze
verification results and generate a quality report in Markdown with a score
breakdown, specific issues with locations, and actionable recommendations
for the Engineer. You MUST include an "Overall Score: X/10" line.`

const verifierTemperature = 0.3

// Verifier turns sandbox results and code listings into a scored report.
type Verifier struct {
	runner *Runner
}

// NewVerifier creates the Verifier role over a shared runner.
func NewVerifier(r *Runner) *Verifier {
	return &Verifier{runner: r}
}

// ReviewInput is the context for one verification call.
type ReviewInput struct {
	ProjectRoot string
	State       *project.State
	Plan        string
	Iteration   int
	Code        map[string]string // relative path -> content
	Result      *sandbox.Result
}

// ReviewOutput carries the report text and the resolved score.
type ReviewOutput struct {
	Report string
	Score  float64
}

// Review generates the iteration's quality report. Plan and code listings
// are compressible; sandbox output must reach the model verbatim, so it is
// assembled outside the compression markers. The resolved score prefers the
// report's own "Overall Score" line, then the deterministic metric, then
// the 5.0 "needs human judgement" default. In code-review-only mode there is
// no metric, so the report's score is used, or 5.0 when it has none.
func (v *Verifier) Review(ctx context.Context, in ReviewInput) (*ReviewOutput, error) {
	var sb strings.Builder
	sb.WriteString("<compress>\n# Architectural Plan\n\n")
	sb.WriteString(in.Plan)
	fmt.Fprintf(&sb, "\n\n# Iteration %d — Generated Code\n\n", in.Iteration)
	if len(in.Code) == 0 {
		sb.WriteString("No files found in staging directory.\n")
	}
	for path, content := range in.Code {
		fmt.Fprintf(&sb, "### %s\n```\n%s\n```\n\n", path, content)
	}
	sb.WriteString("</compress>\n")

	var metric *float64
	if in.Result.CodeReviewOnly {
		sb.WriteString(`
# Verification Results

No sandbox was available for this project. Static review is the only
available signal: scoring must be based on code review alone.

# Your Task

Review the generated code and produce a quality report. Base your score
ENTIRELY on code quality:
1. Does the code match the architectural plan?
2. Are all planned files present and complete?
3. Are imports correct and consistent?
4. Is the code well-structured and idiomatic?
5. Are there obvious bugs, missing error handling, or security issues?

You MUST include an "Overall Score: X/10" line in your report.
`)
	} else {
		passed, total := score.ParseTestCounts(in.Result.Test.Stdout + in.Result.Test.Stderr)
		lintIssues := score.CountLintIssues(in.Result.Lint.Stdout + in.Result.Lint.Stderr)
		m := score.Calculate(score.Metrics{
			InstallOK:   in.Result.Install.OK(),
			BuildOK:     in.Result.Build.OK(),
			TestsPassed: passed,
			TestsTotal:  total,
			LintIssues:  lintIssues,
			Errors:      in.Result.Errors,
		})
		metric = &m

		sb.WriteString("\n# Verification Results\n")
		writePhase(&sb, "Install", in.Result.Install)
		writePhase(&sb, "Build", in.Result.Build)
		fmt.Fprintf(&sb, "\n## Test Results\n\n**Tests Passed**: %d/%d\n", passed, total)
		writePhase(&sb, "Test", in.Result.Test)
		fmt.Fprintf(&sb, "\n## Linting Results\n\n**Issues Found**: %d\n", lintIssues)
		writePhase(&sb, "Lint", in.Result.Lint)

		sb.WriteString("\n## Errors\n\n")
		if len(in.Result.Errors) == 0 {
			sb.WriteString("None\n")
		}
		for _, e := range in.Result.Errors {
			fmt.Fprintf(&sb, "- %s\n", e)
		}

		sb.WriteString(`
# Your Task

Analyze these verification results and generate a comprehensive quality
report. Include an overall score (0-10), detailed analysis of each
verification step, specific issues with locations, actionable
recommendations for the Engineer, and a score breakdown. Be objective,
specific, and constructive.
`)
	}

	result, err := v.runner.Run(ctx, Call{
		ProjectRoot: in.ProjectRoot,
		State:       in.State,
		Agent:       conversation.AgentVerifier,
		Iteration:   in.Iteration,
		Temperature: verifierTemperature,
		Label:       "Verification Report",
		Messages: []provider.Message{
			{Role: "system", Content: verifierSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	return &ReviewOutput{
		Report: result.Text,
		Score:  score.Resolve(result.Text, metric),
	}, nil
}

func writePhase(sb *strings.Builder, name string, p sandbox.PhaseResult) {
	fmt.Fprintf(sb, "\n## %s\n\n**Status**: %s (exit %d, %.1fs)\n",
		name, strings.ToUpper(p.Status), p.ExitCode, p.Duration.Seconds())
	if len(p.Commands) > 0 {
		fmt.Fprintf(sb, "**Commands**: %s\n", strings.Join(p.Commands, " && "))
	}
	if p.Stdout != "" {
		fmt.Fprintf(sb, "\n```\n%s\n```\n", p.Stdout)
	}
	if p.Stderr != "" {
		fmt.Fprintf(sb, "\nstderr:\n```\n%s\n```\n", p.Stderr)
	}
}
