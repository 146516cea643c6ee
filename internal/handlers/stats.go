package handlers

import (
	"net/http"

	"github.com/eldtechnologies/amprelay/internal/mesh"
)

// PeerStats reports the forwarding circuit of one mesh peer.
type PeerStats struct {
	HostID  string            `json:"host_id"`
	Circuit mesh.BreakerState `json:"circuit"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalAgents   int64       `json:"total_agents"`
	InboxMessages int64       `json:"inbox_messages"`
	Peers         []PeerStats `json:"peers"`
}

// Stats returns host statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalAgents, err := h.ds.CountAgents(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, codeInternal, "failed to count agents")
		return
	}

	inbox, err := h.ds.CountInbox(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, codeInternal, "failed to count inbox messages")
		return
	}

	peers := []PeerStats{}
	if h.dir != nil {
		for _, id := range h.dir.Peers() {
			state := mesh.StateClosed
			if h.mesh != nil {
				state = h.mesh.Breaker().State(id)
			}
			peers = append(peers, PeerStats{HostID: id, Circuit: state})
		}
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalAgents:   totalAgents,
		InboxMessages: inbox,
		Peers:         peers,
	})
}
