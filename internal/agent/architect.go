package agent

import (
	"context"
	"fmt"

	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/provider"
)

const architectSystemPrompt = `You are a Senior Software Architect. Analyze the
requirements and produce a comprehensive technical plan in Markdown with:
- Technology stack selection with rationale
- A complete directory structure listing every file to create
- A verification strategy with fenced command blocks titled
  "Install Commands:", "Build Commands:", "Test Commands:", "Run Commands:"
- Optionally a "## Resource Requirements" section with sandbox overrides
Another AI will implement your plan, so be specific and unambiguous.`

const architectTemperature = 0.3

// Architect produces and revises PLAN.md from requirements text.
type Architect struct {
	runner *Runner
}

// NewArchitect creates the Architect role over a shared runner.
func NewArchitect(r *Runner) *Architect {
	return &Architect{runner: r}
}

// PlanInput is the context for one planning call. PreviousPlan and Feedback
// are empty on iteration 0 and populated for plan revisions.
type PlanInput struct {
	ProjectRoot  string
	State        *project.State
	Requirements string
	PreviousPlan string
	Feedback     string
}

// Plan generates the architectural plan. Requirement context rides inside
// compression markers; the task instruction stays outside.
func (a *Architect) Plan(ctx context.Context, in PlanInput) (string, error) {
	var user string
	if in.PreviousPlan == "" {
		user = fmt.Sprintf(`<compress>
# Project Requirements

%s

# Project Details
- **Project Name**: %s
</compress>

# Your Task

Analyze these requirements and produce a comprehensive technical plan
following the format specified in your system prompt. Focus on:
1. Selecting the most appropriate technology stack
2. Designing a clear, logical directory structure
3. Defining a complete verification strategy
4. Providing actionable implementation guidance
`, in.Requirements, in.State.Name)
	} else {
		user = fmt.Sprintf(`<compress>
# Project Requirements

%s

# Previous Plan

%s

# Verifier Feedback

%s
</compress>

# Your Task

Revise the plan to address the feedback. Maintain the same format and
structure, but incorporate the necessary changes.
`, in.Requirements, in.PreviousPlan, in.Feedback)
	}

	result, err := a.runner.Run(ctx, Call{
		ProjectRoot: in.ProjectRoot,
		State:       in.State,
		Agent:       conversation.AgentArchitect,
		Iteration:   in.State.Iteration,
		Temperature: architectTemperature,
		Label:       "Architectural Plan",
		Messages: []provider.Message{
			{Role: "system", Content: architectSystemPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
