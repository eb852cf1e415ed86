// Package delegate dispatches work to sub-agents: positional parallel
// fan-out, sequential chains with output substitution, and a durable
// registry of every run. Each delegated run reserves its own slice of
// the session token budget before it starts.
package delegate

import (
	"context"
	"time"
)

// Status represents the execution state of a delegated run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// IsTerminal returns true if the status is terminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// RunRecord tracks one delegated run from registration to completion.
type RunRecord struct {
	ID          string `json:"id"`
	Agent       string `json:"agent"`
	Prompt      string `json:"prompt"`
	Status      Status `json:"status"`
	StartedAt   int64  `json:"started_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	TokensUsed  int64  `json:"tokens_used,omitempty"`
}

// registryFile is the persistent storage format.
type registryFile struct {
	Version     int          `json:"version"`
	Runs        []*RunRecord `json:"runs"`
	LastUpdated int64        `json:"last_updated"`
}

// Task describes one delegated unit of work.
type Task struct {
	// Agent names the sub-agent profile to run.
	Agent  string `json:"agent"`
	Prompt string `json:"prompt"`
	// Budget is the token reservation for this run. Zero means the
	// orchestrator default.
	Budget int64 `json:"budget,omitempty"`
}

// TaskResult is the positional outcome of one task in a fan-out. A
// failed task yields a result with its error; it never hides the
// outcomes of its siblings.
type TaskResult struct {
	Index      int    `json:"index"`
	RunID      string `json:"run_id"`
	Agent      string `json:"agent"`
	Status     Status `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
}

// ChainStep is one stage of a sequential chain. Exactly one of Prompt
// (with Agent) or Parallel must be set: a plain step runs one agent, a
// parallel step fans out and joins before the chain advances.
type ChainStep struct {
	Agent    string `json:"agent,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Parallel []Task `json:"parallel,omitempty"`
}

// StepResult is the outcome of one chain step.
type StepResult struct {
	Index   int          `json:"index"`
	Status  Status       `json:"status"`
	Output  string       `json:"output,omitempty"`
	Error   string       `json:"error,omitempty"`
	Results []TaskResult `json:"results,omitempty"`
}

// ChainResult is the outcome of a whole chain. Output is the output of
// the last successful step.
type ChainResult struct {
	Steps  []StepResult `json:"steps"`
	Output string       `json:"output"`
}

// RunRequest is handed to the agent runner for one delegated run.
type RunRequest struct {
	Agent  string
	RunID  string
	Prompt string
	// Deltas, when non-nil, receives incremental output.
	Deltas func(string)
}

// RunResponse is what a completed run produced.
type RunResponse struct {
	Output     string
	TokensUsed int64
}

// AgentRunner executes a single sub-agent run to completion. The turn
// task implements it on top of the model stream and tool runtime.
// HasAgent lets the orchestrator reject unknown agents before any run
// is registered or budgeted.
type AgentRunner interface {
	RunAgent(ctx context.Context, req RunRequest) (RunResponse, error)
	HasAgent(agent string) bool
}

// EventHandler is a function that handles tracker events.
type EventHandler func(event interface{})

// Event names.
const (
	EventRunRegistered = "run:registered"
	EventRunUpdated    = "run:updated"
	EventRunDelta      = "run:delta"
)

// DeltaEvent carries one increment of output from a running delegate.
// Deltas are ephemeral: subscribers see them, the registry does not.
type DeltaEvent struct {
	RunID string `json:"run_id"`
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// Stats summarizes tracker contents.
type Stats struct {
	TotalRuns     int `json:"total_runs"`
	ActiveRuns    int `json:"active_runs"`
	CompletedRuns int `json:"completed_runs"`
	FailedRuns    int `json:"failed_runs"`
	AbortedRuns   int `json:"aborted_runs"`
}

// DefaultRetention is how long terminal runs stay in the registry.
const DefaultRetention = 7 * 24 * time.Hour
