package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/amprelay/internal/api/middleware"
	"github.com/eldtechnologies/amprelay/internal/models"
)

const (
	defaultPendingLimit = 10
	maxPendingLimit     = 100
	maxAckBatch         = 100
)

// PendingResponse is the relay queue listing.
type PendingResponse struct {
	Messages  []models.PendingMessage `json:"messages"`
	Count     int                     `json:"count"`
	Remaining int                     `json:"remaining"`
}

// AckRequest is the body of a batch acknowledgement.
type AckRequest struct {
	IDs []string `json:"ids"`
}

// AckResponse reports how many entries were removed.
type AckResponse struct {
	Acknowledged int `json:"acknowledged"`
}

// ListPending returns the caller's relay queue, oldest first. Messages that
// were queued under the caller's name before it could be resolved are moved
// into its queue first.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}
	ctx := r.Context()
	recipient := agent.ID.String()

	for _, alias := range []string{agent.Name, agent.Name + "@" + agent.HostID} {
		if _, err := h.relay.Reassign(ctx, alias, recipient); err != nil {
			h.logger.Warn().Err(err).Str("agent_id", recipient).Str("alias", alias).Msg("failed to reassign relay entries")
		}
	}

	limit := queryLimit(r, defaultPendingLimit, maxPendingLimit)
	messages, remaining, err := h.relay.List(ctx, recipient, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", recipient).Msg("failed to list pending messages")
		h.Error(w, http.StatusInternalServerError, codeInternal, "failed to list pending messages")
		return
	}
	if messages == nil {
		messages = []models.PendingMessage{}
	}

	h.JSON(w, http.StatusOK, PendingResponse{
		Messages:  messages,
		Count:     len(messages),
		Remaining: remaining,
	})
}

// AckPending removes a single relay entry.
func (h *Handler) AckPending(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}

	id := chi.URLParam(r, "id")
	ok, err := h.relay.Acknowledge(r.Context(), agent.ID.String(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agent.ID.String()).Str("message_id", id).Msg("failed to acknowledge message")
		h.Error(w, http.StatusInternalServerError, codeInternal, "failed to acknowledge message")
		return
	}
	if !ok {
		h.Error(w, http.StatusNotFound, codeNotFound, "pending message not found")
		return
	}

	h.JSON(w, http.StatusOK, AckResponse{Acknowledged: 1})
}

// AckPendingBatch removes up to maxAckBatch relay entries.
func (h *Handler) AckPendingBatch(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}

	var req AckRequest
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		h.JSON(w, http.StatusBadRequest, ErrorResponse{Error: "ids is required", Code: codeInvalidRequest, Field: "ids"})
		return
	}
	if len(req.IDs) > maxAckBatch {
		h.JSON(w, http.StatusBadRequest, ErrorResponse{Error: "at most 100 ids per batch", Code: codeInvalidRequest, Field: "ids"})
		return
	}

	count, err := h.relay.AcknowledgeBatch(r.Context(), agent.ID.String(), req.IDs)
	if err != nil {
		// Partial failures still report what was removed.
		h.logger.Warn().Err(err).Str("agent_id", agent.ID.String()).Int("acknowledged", count).Msg("batch acknowledge incomplete")
	}

	h.JSON(w, http.StatusOK, AckResponse{Acknowledged: count})
}
