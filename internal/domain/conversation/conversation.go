// Package conversation defines the append-only agent message log
// (.tumbler/conversation.json).
package conversation

import "time"

// Agent names recorded in the log.
const (
	AgentArchitect = "architect"
	AgentEngineer  = "engineer"
	AgentVerifier  = "verifier"
	AgentSystem    = "system"
)

// Roles a message can carry.
const (
	RoleInput   = "input"
	RoleOutput  = "output"
	RoleError   = "error"
	RoleStatus  = "status"
	RoleSandbox = "sandbox"
)

// Metadata is optional structured context attached to a message.
type Metadata struct {
	Label         string   `json:"label,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	FileCount     int      `json:"file_count,omitempty"`
	SandboxPhase  string   `json:"sandbox_phase,omitempty"`
	SandboxStatus string   `json:"sandbox_status,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	DurationS     float64  `json:"duration_s,omitempty"`
	Commands      []string `json:"commands,omitempty"`
}

// Message is one entry in a project's append-only conversation log.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	Role      string    `json:"role"`
	Iteration int       `json:"iteration"`
	Content   string    `json:"content"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}
