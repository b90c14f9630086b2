package agents

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/db"
	"github.com/fleetforge-io/fleetforge/internal/protocol"
)

// fakeConn records frames written by the send worker.
type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Message
	closed bool
	err    error
}

func (c *fakeConn) WriteMessage(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) written() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.frames...)
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func hello(id, region string) protocol.Hello {
	return protocol.Hello{AgentID: id, Region: region}
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	r.Register(hello("b-agent", "us"), &fakeConn{})
	r.Register(hello("a-agent", "us"), &fakeConn{})
	r.Register(hello("c-agent", "eu"), &fakeConn{})

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "c-agent", infos[0].ID, "sorted by region first")
	assert.Equal(t, "a-agent", infos[1].ID)
	assert.Equal(t, "b-agent", infos[2].ID)
	assert.Equal(t, 3, r.Count())
}

func TestRegions(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	assert.Empty(t, r.Regions())

	r.Register(hello("a1", "us"), &fakeConn{})
	r.Register(hello("a2", "us"), &fakeConn{})
	r.Register(hello("a3", "eu"), &fakeConn{})

	assert.Equal(t, []string{"eu", "us"}, r.Regions())
}

func TestPick(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	assert.Nil(t, r.Pick("us"))

	r.Register(hello("beta", "us"), &fakeConn{})
	r.Register(hello("alpha", "us"), &fakeConn{})
	r.Register(hello("gamma", "eu"), &fakeConn{})

	picked := r.Pick("us")
	require.NotNil(t, picked)
	assert.Equal(t, "alpha", picked.ID, "smallest id wins")
	assert.Nil(t, r.Pick("ap-south"))
}

func TestUnregisterIsIdentityChecked(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	stale := r.Register(hello("a1", "us"), &fakeConn{})
	fresh := r.Register(hello("a1", "us"), &fakeConn{})

	// Teardown of the stale connection must not evict the fresh one.
	r.Unregister(stale)
	assert.Equal(t, 1, r.Count())
	assert.Same(t, fresh, r.Pick("us"))

	r.Unregister(fresh)
	assert.Equal(t, 0, r.Count())
	r.Unregister(fresh) // double-unregister is harmless
	assert.Equal(t, 0, r.Count())
}

func TestEnqueueTaskDeliversFrame(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := &fakeConn{}
	agent := r.Register(hello("a1", "us"), conn)
	defer r.Unregister(agent)

	task := &db.Task{ID: "t1", JobID: "j1", Target: "acct-1", Action: "ping", Status: db.StatusRunning, Attempt: 1}
	require.True(t, r.EnqueueTask(agent, task))

	waitFor(t, func() bool { return len(conn.written()) == 1 }, "frame never written")
	frame := conn.written()[0]
	assert.Equal(t, protocol.MsgTask, frame.Type)
	require.NotNil(t, frame.Task)
	assert.Equal(t, "t1", frame.Task.ID)
	assert.Equal(t, "acct-1", frame.Task.Target)
	assert.Equal(t, 1, frame.Task.Attempt)
}

func TestSendWorkerPreservesOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := &fakeConn{}
	agent := r.Register(hello("a1", "us"), conn)
	defer r.Unregister(agent)

	const n = 50
	for i := 0; i < n; i++ {
		require.True(t, r.EnqueueTask(agent, &db.Task{ID: fmt.Sprintf("t%03d", i)}))
	}

	waitFor(t, func() bool { return len(conn.written()) == n }, "frames never drained")
	for i, frame := range conn.written() {
		assert.Equal(t, fmt.Sprintf("t%03d", i), frame.Task.ID)
	}
}

func TestWriteErrorClosesConn(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := &fakeConn{err: fmt.Errorf("broken pipe")}
	agent := r.Register(hello("a1", "us"), conn)
	defer r.Unregister(agent)

	agent.Enqueue(protocol.Message{Type: protocol.MsgTask, Task: &protocol.Task{ID: "t1"}})

	waitFor(t, conn.wasClosed, "write failure must close the transport")
}

func TestEnqueueDropOldest(t *testing.T) {
	// A bare agent without a running worker so the queue actually fills.
	agent := &Agent{
		ID:     "a1",
		logger: zap.NewNop(),
		queue:  make(chan protocol.Message, sendQueueSize),
		stop:   make(chan struct{}),
	}

	for i := 1; i <= sendQueueSize+1; i++ {
		ok := agent.Enqueue(protocol.Message{Type: protocol.MsgTask, Task: &protocol.Task{ID: fmt.Sprintf("t%d", i)}})
		assert.True(t, ok)
	}

	first := <-agent.queue
	assert.Equal(t, "t2", first.Task.ID, "oldest frame evicted")
	assert.Len(t, agent.queue, sendQueueSize-1)
}

func TestReplaceHaltsPriorWorker(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	prev := r.Register(hello("a1", "us"), &fakeConn{})
	r.Register(hello("a1", "us"), &fakeConn{})

	select {
	case <-prev.stop:
	case <-time.After(time.Second):
		t.Fatal("prior agent's worker not halted on replace")
	}
}
