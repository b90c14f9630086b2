package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge-io/fleetforge/internal/db"
)

func TestParseHello(t *testing.T) {
	raw := []byte(`{
		"type": "hello",
		"hello": {
			"agentId": "agent-1",
			"region": "us",
			"capabilities": {"shell": true},
			"meta": {"version": "1.4.2"}
		}
	}`)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgHello, msg.Type)
	require.NotNil(t, msg.Hello)
	assert.Equal(t, "agent-1", msg.Hello.AgentID)
	assert.Equal(t, "us", msg.Hello.Region)
	assert.True(t, msg.Hello.Capabilities["shell"])
	assert.Equal(t, "1.4.2", msg.Hello.Meta["version"])
}

func TestParseTaskResult(t *testing.T) {
	raw := []byte(`{
		"type": "task_result",
		"taskResult": {
			"taskId": "0123456789abcdef0123456789abcdef",
			"success": false,
			"error": "target unreachable",
			"output": {"exitCode": 7},
			"finishedAt": "2026-08-01T12:00:00.250Z"
		}
	}`)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgTaskResult, msg.Type)
	require.NotNil(t, msg.TaskResult)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", msg.TaskResult.TaskID)
	assert.False(t, msg.TaskResult.Success)
	assert.Equal(t, "target unreachable", msg.TaskResult.Error)
	assert.Equal(t, float64(7), msg.TaskResult.Output["exitCode"])
	finished := time.Time(msg.TaskResult.FinishedAt)
	assert.Equal(t, int64(250), finished.UnixMilli()%1000)
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type": "heartbeat"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Parse([]byte(`{"type": ""}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"type": `))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownType)
}

func TestTaskFrame(t *testing.T) {
	task := &db.Task{
		ID:        "t1",
		JobID:     "j1",
		Target:    "acct-1",
		Action:    "ping",
		Region:    "us",
		Payload:   map[string]any{"depth": 2},
		Status:    db.StatusRunning,
		Attempt:   3,
		CreatedAt: 1754049600000, // 2025-08-01T12:00:00.000Z
		UpdatedAt: 1754049600500,
	}

	frame := TaskFrame(task)
	assert.Equal(t, MsgTask, frame.Type)
	require.NotNil(t, frame.Task)
	assert.Equal(t, "running", frame.Task.Status)
	assert.Equal(t, 3, frame.Task.Attempt)
	assert.Equal(t, "2025-08-01T12:00:00.000Z", frame.Task.CreatedAt)
	assert.Equal(t, "2025-08-01T12:00:00.500Z", frame.Task.UpdatedAt)

	// The frame round-trips through the JSON envelope.
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, frame.Task.ID, parsed.Task.ID)
	assert.Nil(t, parsed.Hello)
	assert.Nil(t, parsed.TaskResult)
}
