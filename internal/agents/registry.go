// Package agents maintains the in-memory registry of connected agents.
//
// When an agent completes the tunnel handshake it is registered here; the
// dispatcher uses the registry to route claimed tasks onto the agent's send
// queue. All state is intentionally non-persistent: if the control plane
// restarts, agents reconnect and re-register via their reconnection loop.
package agents

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/db"
	"github.com/fleetforge-io/fleetforge/internal/protocol"
)

// sendQueueSize is the capacity of the per-agent outbound queue. When it is
// full the oldest queued frame is dropped — the newest dispatch is the most
// relevant, and a task lost this way is recovered by the lease sweep.
const sendQueueSize = 1024

// Conn is the write half of an agent's transport. Implemented by the tunnel
// around a gorilla/websocket connection. WriteMessage must not be called
// concurrently; the send worker is the single writer.
type Conn interface {
	WriteMessage(msg protocol.Message) error
	Close() error
}

// Agent is one registered agent with its open transport and send queue.
// Identity fields are read-only after registration.
type Agent struct {
	ID           string
	Region       string
	Capabilities map[string]bool
	Meta         map[string]string
	ConnectedAt  time.Time

	conn   Conn
	logger *zap.Logger

	// sendMu serializes drop-oldest eviction on the queue so that two
	// enqueuers cannot both evict for one free slot.
	sendMu sync.Mutex
	queue  chan protocol.Message

	// stop is closed when the agent is unregistered or replaced, which
	// terminates the send worker.
	stop     chan struct{}
	stopOnce sync.Once
}

// Enqueue places a frame on the agent's send queue, evicting the oldest
// queued frame if the queue is full. Returns false only if the queue cannot
// accept the frame even after eviction, which means the send worker is dead.
func (a *Agent) Enqueue(msg protocol.Message) bool {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	select {
	case a.queue <- msg:
		return true
	default:
	}
	select {
	case <-a.queue:
		a.logger.Warn("send queue full, dropped oldest frame", zap.String("agent_id", a.ID))
	default:
	}
	select {
	case a.queue <- msg:
		return true
	default:
		return false
	}
}

// sendWorker drains the queue and writes each frame to the transport in
// order. It is the only goroutine writing to the connection. A write error
// closes the transport, which in turn terminates the tunnel's read loop and
// triggers unregistration.
func (a *Agent) sendWorker() {
	for {
		select {
		case <-a.stop:
			return
		case msg := <-a.queue:
			if err := a.conn.WriteMessage(msg); err != nil {
				a.logger.Warn("agent write failed",
					zap.String("agent_id", a.ID),
					zap.Error(err),
				)
				_ = a.conn.Close()
				return
			}
		}
	}
}

func (a *Agent) halt() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Info is the read-only projection of an Agent served by the HTTP API.
type Info struct {
	ID           string
	Region       string
	Capabilities map[string]bool
	Meta         map[string]string
	ConnectedAt  time.Time
}

// Registry is the in-memory map of currently connected agents. Safe for
// concurrent use by the tunnel, the dispatcher and the HTTP API.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		logger: logger.Named("agents"),
	}
}

// Register inserts an agent from its accepted hello frame and starts its
// send worker. A reconnect by the same agent id replaces the prior entry;
// the prior entry's send worker is halted.
func (r *Registry) Register(hello protocol.Hello, conn Conn) *Agent {
	agent := &Agent{
		ID:           hello.AgentID,
		Region:       hello.Region,
		Capabilities: hello.Capabilities,
		Meta:         hello.Meta,
		ConnectedAt:  time.Now().UTC(),
		conn:         conn,
		logger:       r.logger,
		queue:        make(chan protocol.Message, sendQueueSize),
		stop:         make(chan struct{}),
	}

	r.mu.Lock()
	if prev, exists := r.agents[hello.AgentID]; exists {
		// The agent reconnected before the previous connection was detected
		// as dead (network blip). Replace and halt the stale worker.
		r.logger.Warn("replacing existing agent connection",
			zap.String("agent_id", hello.AgentID),
			zap.String("region", hello.Region),
		)
		prev.halt()
	}
	r.agents[hello.AgentID] = agent
	total := len(r.agents)
	r.mu.Unlock()

	go agent.sendWorker()

	r.logger.Info("agent connected",
		zap.String("agent_id", agent.ID),
		zap.String("region", agent.Region),
		zap.Int("total_connected", total),
	)
	return agent
}

// Unregister removes the agent from the registry and halts its send worker.
// It is identity-checked: if the id has already been re-registered by a new
// connection, the newer entry is left untouched. Double-unregister is
// harmless.
func (r *Registry) Unregister(agent *Agent) {
	agent.halt()

	r.mu.Lock()
	current, exists := r.agents[agent.ID]
	if !exists || current != agent {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agent.ID)
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent disconnected",
		zap.String("agent_id", agent.ID),
		zap.String("region", agent.Region),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
		zap.Int("total_connected", total),
	)
}

// List returns a snapshot of connected agents sorted by region, then id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, Info{
			ID:           a.ID,
			Region:       a.Region,
			Capabilities: a.Capabilities,
			Meta:         a.Meta,
			ConnectedAt:  a.ConnectedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Region != infos[j].Region {
			return infos[i].Region < infos[j].Region
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Regions returns the distinct, sorted set of regions with at least one
// connected agent. The dispatcher iterates this to claim per region.
func (r *Registry) Regions() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, a := range r.agents {
		seen[a.Region] = struct{}{}
	}
	r.mu.RUnlock()

	regions := make([]string, 0, len(seen))
	for region := range seen {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// Pick returns the connected agent with the lexicographically smallest id in
// the region, or nil. Deterministic by design — a placeholder for a later
// round-robin or load-aware policy; callers only rely on "some currently
// connected agent in the region, or nil".
func (r *Registry) Pick(region string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	for _, a := range r.agents {
		if a.Region != region {
			continue
		}
		if best == nil || a.ID < best.ID {
			best = a
		}
	}
	return best
}

// EnqueueTask places a task-delivery frame on the agent's send queue.
func (r *Registry) EnqueueTask(agent *Agent, task *db.Task) bool {
	return agent.Enqueue(protocol.TaskFrame(task))
}

// Count returns the number of connected agents. Used by metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
