// Package usage defines token and cost accounting types (.tumbler/usage.json).
package usage

import "time"

// Record is one agent call's token and cost accounting entry.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	Agent        string    `json:"agent"`
	Iteration    int       `json:"iteration"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Provider     string    `json:"provider,omitempty"`
}

// AgentTotals aggregates usage per agent.
type AgentTotals struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
	Calls  int     `json:"calls"`
}

// Ledger is the persisted per-project usage aggregate.
type Ledger struct {
	TotalTokens int                    `json:"total_tokens"`
	TotalCost   float64                `json:"total_cost"`
	ByAgent     map[string]AgentTotals `json:"by_agent"`
	History     []Record               `json:"history"`
}

// NewLedger returns an empty usage ledger.
func NewLedger() *Ledger {
	return &Ledger{ByAgent: map[string]AgentTotals{}}
}

// Add appends a record and updates the running totals.
func (l *Ledger) Add(r Record) {
	tokens := r.InputTokens + r.OutputTokens
	l.TotalTokens += tokens
	l.TotalCost += r.Cost
	if l.ByAgent == nil {
		l.ByAgent = map[string]AgentTotals{}
	}
	t := l.ByAgent[r.Agent]
	t.Tokens += tokens
	t.Cost += r.Cost
	t.Calls++
	l.ByAgent[r.Agent] = t
	l.History = append(l.History, r)
}
