package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/amprelay/internal/api/middleware"
	"github.com/eldtechnologies/amprelay/internal/models"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

// InboxResponse lists locally delivered messages, newest first.
type InboxResponse struct {
	Messages []models.InboxMessage `json:"messages"`
}

// ListInbox returns the caller's local inbox.
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}

	limit := queryLimit(r, defaultInboxLimit, maxInboxLimit)
	unread := r.URL.Query().Get("unread") == "true"

	messages, err := h.ds.ListInbox(r.Context(), agent.ID, limit, unread)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agent.ID.String()).Msg("failed to list inbox")
		h.Error(w, http.StatusInternalServerError, codeInternal, "database error")
		return
	}
	if messages == nil {
		messages = []models.InboxMessage{}
	}

	h.JSON(w, http.StatusOK, InboxResponse{Messages: messages})
}

// MarkRead marks one inbox message as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}

	ok, err := h.ds.MarkInboxRead(r.Context(), agent.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, codeInternal, "database error")
		return
	}
	if !ok {
		h.Error(w, http.StatusNotFound, codeNotFound, "message not found or already read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
