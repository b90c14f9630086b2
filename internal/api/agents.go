package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/agents"
	"github.com/fleetforge-io/fleetforge/internal/tunnel"
	"github.com/fleetforge-io/fleetforge/internal/wire"
)

// upgrader performs the HTTP to WebSocket protocol upgrade for the agent
// tunnel. Origin checks do not apply — agents are headless processes, and
// TLS termination plus bearer auth happen before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AgentHandler serves the agent list and the tunnel upgrade endpoint.
type AgentHandler struct {
	registry *agents.Registry
	session  *tunnel.Session
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(registry *agents.Registry, session *tunnel.Session, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry: registry,
		session:  session,
		logger:   logger.Named("agent_handler"),
	}
}

type agentResponse struct {
	AgentID      string            `json:"agentId"`
	Region       string            `json:"region"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	ConnectedAt  string            `json:"connectedAt"`
}

// List handles GET /v1/agents, returning connected agents sorted by region
// then agent id.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()
	out := make([]agentResponse, len(infos))
	for i, info := range infos {
		out[i] = agentResponse{
			AgentID:      info.ID,
			Region:       info.Region,
			Capabilities: info.Capabilities,
			Meta:         info.Meta,
			ConnectedAt:  wire.Format(info.ConnectedAt),
		}
	}
	JSON(w, http.StatusOK, map[string]any{"agents": out})
}

// Tunnel handles GET /v1/agent/ws. It validates the connect parameters,
// upgrades the connection, and runs the tunnel session until the agent
// disconnects or the request context is canceled. Blocking in the handler is
// expected — the tunnel's lifetime is the request's lifetime.
func (h *AgentHandler) Tunnel(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	region := r.URL.Query().Get("region")
	if agentID == "" || region == "" {
		ErrBadRequest(w, "agentId and region are required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written its own 400 response.
		h.logger.Warn("tunnel upgrade failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return
	}

	h.session.Serve(r.Context(), conn, agentID, region)
}
