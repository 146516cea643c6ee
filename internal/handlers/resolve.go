package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/amprelay/internal/address"
	"github.com/eldtechnologies/amprelay/internal/models"
)

// ResolveResponse is the public identity behind an address.
type ResolveResponse struct {
	models.AgentIdentity
	PublicKey string `json:"public_key"`
}

// Resolve looks up the identity registered under an address. The tenant
// label selects a host; the organization name searches the whole mesh.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")

	name := address.BareName(raw)
	host := ""
	if addr, err := h.codec.Parse(raw); err == nil {
		if !address.IsLocalProvider(addr.Provider, h.info.ProviderDomain) {
			h.Error(w, http.StatusUnprocessableEntity, codeFederationRejected, "federation to external providers is not supported")
			return
		}
		name = addr.Name
		if !strings.EqualFold(addr.Tenant, h.info.Organization) {
			host = addr.Tenant
		}
	}
	name = strings.ToLower(name)
	if name == "" {
		h.Error(w, http.StatusBadRequest, codeInvalidRequest, "address is required")
		return
	}

	var (
		identity *models.AgentIdentity
		err      error
	)
	if host != "" {
		identity, err = h.registry.LookupByName(r.Context(), name, host)
	} else {
		identity, err = h.registry.LookupAnywhere(r.Context(), name)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("address", raw).Msg("failed to resolve address")
		h.Error(w, http.StatusInternalServerError, codeInternal, "database error")
		return
	}
	if identity == nil {
		h.Error(w, http.StatusNotFound, codeNotFound, "agent not found")
		return
	}

	h.JSON(w, http.StatusOK, ResolveResponse{AgentIdentity: *identity, PublicKey: identity.PublicKey})
}
