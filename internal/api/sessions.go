package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/broker"
)

// defaultSessionEventType applies when an ingest request omits eventType.
const defaultSessionEventType = "session.update"

// defaultChallengeType applies when a code submission omits the type.
const defaultChallengeType = "email"

// SessionHandler groups the account-session and auth-challenge endpoints.
// Both are pure broker surfaces: nothing here touches the store.
type SessionHandler struct {
	broker *broker.Broker
	logger *zap.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(bk *broker.Broker, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		broker: bk,
		logger: logger.Named("session_handler"),
	}
}

type publishSessionEventRequest struct {
	AccountName string `json:"accountName"`
	EventType   string `json:"eventType,omitempty"`
	State       string `json:"state,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PublishEvent handles POST /v1/sessions/events. Agents report session state
// changes here; the admin UI may inject synthetic events the same way.
func (h *SessionHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishSessionEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountName == "" {
		ErrBadRequest(w, "accountName must not be empty")
		return
	}
	if req.EventType == "" {
		req.EventType = defaultSessionEventType
	}

	h.broker.PublishSessionEvent(req.AccountName, req.EventType, req.State, req.Message)
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Events handles GET /v1/sessions/events?accountName=. Omitting the filter
// subscribes to the wildcard key and receives every account's events.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("accountName")

	sub := h.broker.SubscribeSessions(account)
	defer sub.Close()

	streamSSE(w, r, sub.C(), func(ev broker.SessionEvent) string { return ev.EventType })
}

// ChallengeEvents handles GET /v1/auth/challenges/events?accountName=.
func (h *SessionHandler) ChallengeEvents(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("accountName")

	sub := h.broker.SubscribeAuthChallenges(account)
	defer sub.Close()

	streamSSE(w, r, sub.C(), func(broker.AuthChallengeEvent) string { return "auth.challenge" })
}

type submitCodeRequest struct {
	Code string `json:"code"`
	Type string `json:"type,omitempty"`
}

// SubmitCode handles POST /v1/auth/challenges/{accountName}/code. The code
// is fanned out on the account's auth-challenge topic, where the agent
// session holding the pending challenge picks it up.
func (h *SessionHandler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "accountName")

	var req submitCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		ErrBadRequest(w, "code must not be empty")
		return
	}
	if req.Type == "" {
		req.Type = defaultChallengeType
	}

	h.broker.PublishAuthChallenge(account, req.Type, req.Code, "")
	h.logger.Info("auth code submitted",
		zap.String("account", account),
		zap.String("type", req.Type),
	)
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
