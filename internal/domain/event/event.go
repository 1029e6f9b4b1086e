// Package event defines the event types published on the tumbler event bus.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of bus event.
type Type string

const (
	TypePhaseChange        Type = "phase_change"
	TypeIterationUpdate    Type = "iteration_update"
	TypeAgentThinking      Type = "agent_thinking"
	TypeConversationChunk  Type = "conversation_chunk"
	TypeConversationUpdate Type = "conversation_update"
	TypeSandboxStart       Type = "sandbox_start"
	TypeSandboxPhase       Type = "sandbox_phase"
	TypeScoreUpdate        Type = "score_update"
	TypeUsageUpdate        Type = "usage_update"
	TypeProjectComplete    Type = "project_complete"
	TypeProjectFailed      Type = "project_failed"
	TypeHeartbeat          Type = "heartbeat"
	TypeLog                Type = "log"
)

// Terminal reports whether events of this type carry lossless delivery
// semantics: they must reach every subscriber in per-project publish order.
func (t Type) Terminal() bool {
	switch t {
	case TypePhaseChange, TypeScoreUpdate, TypeProjectComplete, TypeProjectFailed:
		return true
	}
	return false
}

// Event is the envelope published on the bus and projected to external
// consumers as {type, timestamp, data}.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Project   string         `json:"-"` // duplicated into Data for the wire format
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New builds an event for a project. The project name is stored both on the
// envelope (for subscriber filtering) and in the data payload (wire format).
func New(typ Type, projectName string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	data["project"] = projectName
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Project:   projectName,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
