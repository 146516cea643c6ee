package handlers

import (
	"net/http"
)

// InfoResponse describes this provider to agents and peers.
type InfoResponse struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Info
	Peers []string `json:"mesh_peers"`
}

// ProviderInfo handles GET /v1/info.
func (h *Handler) ProviderInfo(w http.ResponseWriter, r *http.Request) {
	peers := []string{}
	if h.dir != nil {
		peers = h.dir.Peers()
	}
	h.JSON(w, http.StatusOK, InfoResponse{
		Name:    "AMP Relay",
		Version: version,
		Info:    h.info,
		Peers:   peers,
	})
}
