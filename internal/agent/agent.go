// Package agent defines the port through which the orchestrator talks
// to the external agent, and a subprocess adapter speaking JSON over
// stdio.
package agent

import (
	"context"
	"encoding/json"

	"apex/internal/task"
)

// Request is one stage invocation.
type Request struct {
	TaskID         string          `json:"taskId"`
	Stage          string          `json:"stage"`
	AgentKind      string          `json:"agentKind"`
	Instructions   string          `json:"instructions"`
	ContextSummary string          `json:"contextSummary,omitempty"`
	WorkspacePath  string          `json:"workspacePath,omitempty"`
	Conversation   json.RawMessage `json:"conversation,omitempty"`
}

// LogLine is a log entry emitted by the agent during a stage.
type LogLine struct {
	Level   task.LogLevel `json:"level"`
	Message string        `json:"message"`
}

// ArtifactOut is an artifact produced by the agent during a stage.
type ArtifactOut struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// Result is the agent's answer for one stage. Conversation carries the
// accumulated transcript forward into the next stage's checkpoint.
type Result struct {
	Output       string          `json:"output"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	Usage        task.Usage      `json:"usage"`
	Logs         []LogLine       `json:"logs,omitempty"`
	Artifacts    []ArtifactOut   `json:"artifacts,omitempty"`
	Failed       bool            `json:"failed,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Runner executes one workflow stage against the external agent.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
