// Package api implements the HTTP surface of the control plane: job
// submission and inspection, the three SSE event streams, the agent list,
// and the agent tunnel upgrade. Chi is the router; bearer-token scopes
// (admin, agent) are enforced by middleware before handler logic.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errBody writes {"error": message} with the given status. Internal error
// detail never reaches the response body.
func errBody(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrBadRequest writes a 400 with the validation message.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errBody(w, http.StatusBadRequest, message)
}

// ErrNotFound writes a 404.
func ErrNotFound(w http.ResponseWriter, message string) {
	errBody(w, http.StatusNotFound, message)
}

// ErrUnauthorized writes a 401 with no body.
func ErrUnauthorized(w http.ResponseWriter) {
	w.WriteHeader(http.StatusUnauthorized)
}

// ErrInternal writes a 500 with a generic message.
func ErrInternal(w http.ResponseWriter) {
	errBody(w, http.StatusInternalServerError, "internal error")
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
