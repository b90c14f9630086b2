package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// streamSSE writes a server-sent event stream from ch until the client
// disconnects or the channel closes. One synthetic `ready` event precedes
// the stream so clients can distinguish a successful connection from a dead
// idle one.
//
// Framing per event: "event: <type>\ndata: <json>\n\n". Response buffering
// is disabled; each event is flushed individually.
func streamSSE[E any](w http.ResponseWriter, r *http.Request, ch <-chan E, eventName func(E) string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tells nginx-style proxies not to buffer the stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				// Events are plain structs; a marshal failure is a bug, not
				// a client problem. Skip the event rather than kill the stream.
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(ev), data)
			flusher.Flush()
		}
	}
}
