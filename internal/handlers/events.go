package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/eldtechnologies/amprelay/internal/api/middleware"
)

// eventKeepAlive is the interval between comment lines on an idle stream.
const eventKeepAlive = 25 * time.Second

// Events streams the caller's delivery notifications as server-sent events
// until the client disconnects.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}
	if h.events == nil {
		h.Error(w, http.StatusServiceUnavailable, codeUnavailable, "live notifications require Redis")
		return
	}

	ctx := r.Context()
	sub := h.events.Subscribe(ctx, agent.ID.String())
	defer sub.Close()
	// Wait for the subscription so no event published after the 200 is lost.
	if _, err := sub.Receive(ctx); err != nil {
		h.logger.Error().Err(err).Str("agent_id", agent.ID.String()).Msg("failed to subscribe")
		h.Error(w, http.StatusServiceUnavailable, codeUnavailable, "notifications unavailable")
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn().Err(err).Msg("event stream cannot be flushed")
		return
	}

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg.Payload); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
