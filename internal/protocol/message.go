// Package protocol defines the framed message schema spoken over the agent
// tunnel. Each frame is one JSON object with a "type" discriminator and at
// most one populated sub-object.
//
// Only "hello" is accepted as the first frame from an agent. Only "task" is
// ever sent to an agent. Only "task_result" is consumed from an agent.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fleetforge-io/fleetforge/internal/db"
	"github.com/fleetforge-io/fleetforge/internal/wire"
)

// MessageType discriminates the frame variants.
type MessageType string

const (
	MsgHello      MessageType = "hello"
	MsgTask       MessageType = "task"
	MsgTaskResult MessageType = "task_result"
)

// ErrUnknownType is wrapped by Parse when a frame carries a type string
// outside the schema. The tunnel's read loop tolerates these frames; the
// parser still names them so the decision is explicit at the call site.
var ErrUnknownType = fmt.Errorf("unknown message type")

// Message is the frame envelope. Exactly one sub-object matching Type is
// expected to be non-nil.
type Message struct {
	Type       MessageType `json:"type"`
	Hello      *Hello      `json:"hello,omitempty"`
	Task       *Task       `json:"task,omitempty"`
	TaskResult *TaskResult `json:"taskResult,omitempty"`
}

// Hello is the agent's opening frame. AgentID and Region must match the
// connect parameters presented during the HTTP upgrade.
type Hello struct {
	AgentID      string            `json:"agentId"`
	Region       string            `json:"region"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Task is the task-delivery frame sent to an agent. Timestamps are wire
// format (ISO-8601 UTC, millisecond precision).
type Task struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId"`
	Target    string         `json:"target"`
	Action    string         `json:"action"`
	Region    string         `json:"region,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    string         `json:"status"`
	Attempt   int            `json:"attempt"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
}

// TaskResult is the terminal outcome an agent reports for one task.
type TaskResult struct {
	TaskID     string         `json:"taskId"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	FinishedAt wire.Time      `json:"finishedAt"`
}

// Parse decodes one frame. Frames with a type string outside the schema fail
// with ErrUnknownType rather than decoding into an empty envelope.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	switch msg.Type {
	case MsgHello, MsgTask, MsgTaskResult:
		return &msg, nil
	default:
		return nil, fmt.Errorf("protocol: %w: %q", ErrUnknownType, msg.Type)
	}
}

// TaskFrame builds the delivery frame for a claimed task.
func TaskFrame(t *db.Task) Message {
	return Message{
		Type: MsgTask,
		Task: &Task{
			ID:        t.ID,
			JobID:     t.JobID,
			Target:    t.Target,
			Action:    t.Action,
			Region:    t.Region,
			Payload:   t.Payload,
			Status:    string(t.Status),
			Attempt:   t.Attempt,
			CreatedAt: wire.FormatMillis(t.CreatedAt),
			UpdatedAt: wire.FormatMillis(t.UpdatedAt),
		},
	}
}
