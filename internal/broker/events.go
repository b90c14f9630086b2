package broker

import (
	"time"

	"github.com/fleetforge-io/fleetforge/internal/ids"
	"github.com/fleetforge-io/fleetforge/internal/wire"
)

// Job event types published by the control plane. Agents and tenants see
// these on the per-job SSE stream.
const (
	EventJobCreated        = "job.created"
	EventJobCanceled       = "job.canceled"
	EventTaskDispatched    = "task.dispatched"
	EventTaskDispatchFail  = "task.dispatch_failed"
	EventTaskEnqueueFailed = "task.enqueue_failed"
	EventTaskFinished      = "task.finished"
	EventAgentConnected    = "agent.connected"
	EventAgentDisconnected = "agent.disconnected"
)

// JobEvent is a progress event scoped to one job.
type JobEvent struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId"`
	Type      string         `json:"type"`
	Timestamp wire.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SessionEvent describes a state change of an account session on an agent
// (logged in, logged out, reconnecting, ...). State and Message are free-form
// strings owned by the agent-side session machinery.
type SessionEvent struct {
	ID          string    `json:"id"`
	AccountName string    `json:"accountName"`
	EventType   string    `json:"eventType"`
	State       string    `json:"state"`
	Message     string    `json:"message,omitempty"`
	Timestamp   wire.Time `json:"timestamp"`
}

// AuthChallengeEvent is an interactive authentication challenge (or its
// answer) for one account. JobID is set when the challenge arose while
// executing a task of a known job.
type AuthChallengeEvent struct {
	ID            string    `json:"id"`
	AccountName   string    `json:"accountName"`
	ChallengeType string    `json:"challengeType"`
	Message       string    `json:"message,omitempty"`
	Timestamp     wire.Time `json:"timestamp"`
	JobID         string    `json:"jobId,omitempty"`
}

func now() wire.Time { return wire.Time(time.Now().UTC()) }

func newEventID() string { return ids.New() }
