// Package tunnel implements the control-plane side of the agent tunnel: a
// long-lived framed duplex session over a WebSocket connection. One Session
// exists per connected agent. The session owns the handshake, the inbound
// read loop (task results), and teardown; outbound delivery is handled by
// the agent's send worker in the registry.
package tunnel

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/agents"
	"github.com/fleetforge-io/fleetforge/internal/broker"
	"github.com/fleetforge-io/fleetforge/internal/metrics"
	"github.com/fleetforge-io/fleetforge/internal/protocol"
	"github.com/fleetforge-io/fleetforge/internal/store"
)

const (
	// writeWait bounds a single frame write; a stalled agent is closed
	// rather than allowed to block the send worker.
	writeWait = 10 * time.Second

	// helloWait bounds the handshake: the hello frame must arrive within
	// this window or the connection is closed.
	helloWait = 10 * time.Second

	// pongWait is how long the session waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the agent has time to
	// reply before the read deadline fires.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Task results carry free-form
	// output maps, so this is generous compared to a control frame.
	maxMessageSize = 1 << 20
)

// wsConn adapts a gorilla connection to the registry's Conn interface.
// The send worker is the single caller of WriteMessage; control frames
// (ping, close) go through WriteControl, which gorilla documents as safe to
// use concurrently with WriteMessage.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(msg protocol.Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error { return c.conn.Close() }

// Session drives one agent connection from handshake to teardown.
type Session struct {
	registry *agents.Registry
	store    *store.Store
	broker   *broker.Broker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewSession creates a session driver shared by all agent connections.
func NewSession(registry *agents.Registry, st *store.Store, bk *broker.Broker, m *metrics.Metrics, logger *zap.Logger) *Session {
	return &Session{
		registry: registry,
		store:    st,
		broker:   bk,
		metrics:  m,
		logger:   logger.Named("tunnel"),
	}
}

// Serve runs the tunnel for one upgraded connection until it closes or ctx
// is canceled. agentID and region are the connect parameters from the
// upgrade request; the first frame must be a hello that matches them.
//
// Serve blocks for the lifetime of the connection — the HTTP handler calls
// it directly, which binds the tunnel's cancellation to the request.
func (s *Session) Serve(ctx context.Context, conn *websocket.Conn, agentID, region string) {
	log := s.logger.With(zap.String("agent_id", agentID), zap.String("region", region))
	conn.SetReadLimit(maxMessageSize)

	hello, err := s.awaitHello(conn, agentID, region)
	if err != nil {
		log.Warn("handshake rejected", zap.Error(err))
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "hello required"), deadline)
		_ = conn.Close()
		return
	}

	agent := s.registry.Register(*hello, &wsConn{conn: conn})
	s.metrics.SetAgentsConnected(s.registry.Count())
	// Published with an empty job id: discarded by the broker, but it keeps
	// connect/disconnect on the same publish path for logs and counters.
	s.broker.PublishJobEvent("", broker.EventAgentConnected,
		map[string]any{"agentId": agent.ID, "region": agent.Region})

	defer func() {
		s.registry.Unregister(agent)
		s.metrics.SetAgentsConnected(s.registry.Count())
		s.broker.PublishJobEvent("", broker.EventAgentDisconnected,
			map[string]any{"agentId": agent.ID, "region": agent.Region})
		_ = conn.Close()
	}()

	// Closing the connection on cancellation unblocks both the read loop
	// below and the send worker's next write.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	go s.pingLoop(ctx, conn)
	s.readLoop(ctx, conn, log)
}

// awaitHello reads the first frame and validates it against the connect
// parameters. Any other first frame, or an identity mismatch, fails the
// handshake; no registry insertion occurs.
func (s *Session) awaitHello(conn *websocket.Conn, agentID, region string) (*protocol.Hello, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloWait)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.MsgHello || msg.Hello == nil {
		return nil, errors.New("first frame is not hello")
	}
	if msg.Hello.AgentID != agentID || msg.Hello.Region != region {
		return nil, errors.New("hello does not match connect parameters")
	}
	return msg.Hello, nil
}

// readLoop consumes inbound frames until the connection closes. Task results
// are forwarded to the store; every other frame is tolerated and ignored.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, log *zap.Logger) {
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				log.Warn("tunnel closed unexpectedly", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			// Strict parser, tolerant session: a frame outside the schema is
			// logged and skipped, it does not kill the connection.
			log.Warn("unparseable frame ignored", zap.Error(err))
			continue
		}
		if msg.Type != protocol.MsgTaskResult || msg.TaskResult == nil {
			continue
		}
		s.handleTaskResult(ctx, msg.TaskResult, log)
	}
}

// handleTaskResult applies one result to the store and publishes
// task.finished. Unknown task ids are dropped silently — the agent may be
// reporting a task whose job was purged.
func (s *Session) handleTaskResult(ctx context.Context, res *protocol.TaskResult, log *zap.Logger) {
	task, job, err := s.store.SetTaskResult(ctx, store.TaskResult{
		TaskID:     res.TaskID,
		Success:    res.Success,
		Error:      res.Error,
		Output:     res.Output,
		FinishedAt: time.Time(res.FinishedAt),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("result for unknown task dropped", zap.String("task_id", res.TaskID))
			return
		}
		log.Error("failed to apply task result",
			zap.String("task_id", res.TaskID),
			zap.Error(err),
		)
		return
	}

	s.metrics.TaskResult(res.Success)
	s.broker.PublishJobEvent(job.ID, broker.EventTaskFinished, map[string]any{
		"taskId":  task.ID,
		"success": res.Success,
		"job":     string(job.Status),
	})
}

// pingLoop keeps the connection alive. WriteControl is safe alongside the
// send worker's data writes.
func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
