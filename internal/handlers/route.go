package handlers

import (
	"errors"
	"net/http"

	"github.com/eldtechnologies/amprelay/internal/api/middleware"
	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/router"
)

// RouteRequest is the body of POST /v1/route. Forwarded is only honored on
// requests from mesh peers.
type RouteRequest struct {
	To        string           `json:"to"`
	Subject   string           `json:"subject"`
	Payload   models.Payload   `json:"payload"`
	Priority  string           `json:"priority,omitempty"`
	InReplyTo string           `json:"in_reply_to,omitempty"`
	ThreadID  string           `json:"thread_id,omitempty"`
	Signature string           `json:"signature,omitempty"`
	Forwarded *mesh.Provenance `json:"forwarded,omitempty"`
}

// Route handles message submission from local agents and mesh peers.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	var body RouteRequest
	if err := decode(r, &body); err != nil {
		h.Error(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}

	req := router.Request{
		To:        body.To,
		Subject:   body.Subject,
		Payload:   body.Payload,
		Priority:  body.Priority,
		InReplyTo: body.InReplyTo,
		ThreadID:  body.ThreadID,
		Signature: body.Signature,
	}
	if req.Signature == "" {
		req.Signature = r.Header.Get(mesh.HeaderSignature)
	}

	if agent := middleware.GetAgentFromContext(r.Context()); agent != nil {
		req.Sender = router.Sender{
			AgentID:   agent.ID.String(),
			Address:   agent.Address,
			PublicKey: agent.PublicKey,
		}
	} else if origin := middleware.GetMeshOrigin(r.Context()); origin != "" {
		prov := body.Forwarded
		if prov == nil || prov.From == "" {
			h.Error(w, http.StatusBadRequest, codeInvalidRequest, "forwarded provenance is required")
			return
		}
		if prov.OriginHost == "" {
			prov.OriginHost = origin
		}
		if prov.EnvelopeID == "" {
			prov.EnvelopeID = r.Header.Get(mesh.HeaderEnvelopeID)
		}
		req.Forwarded = prov
		req.Sender = router.Sender{
			Address:   prov.From,
			PublicKey: r.Header.Get(mesh.HeaderSenderKey),
		}
	}

	res, err := h.router.Route(r.Context(), req)
	if err != nil {
		h.routeError(w, res, err)
		return
	}
	h.JSON(w, http.StatusOK, res)
}

func (h *Handler) routeError(w http.ResponseWriter, res *router.Result, err error) {
	var fieldErr *router.FieldError
	switch {
	case errors.As(err, &fieldErr):
		h.JSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fieldErr.Error(),
			Code:  codeInvalidRequest,
			Field: fieldErr.Field,
		})
	case errors.Is(err, router.ErrFederation) && res != nil:
		h.JSON(w, http.StatusUnprocessableEntity, res)
	case errors.Is(err, router.ErrUnauthenticated):
		h.Error(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
	case errors.Is(err, router.ErrSignatureRejected):
		h.Error(w, http.StatusBadRequest, codeSignatureRejected, err.Error())
	default:
		h.logger.Error().Err(err).Msg("route failed")
		h.Error(w, http.StatusInternalServerError, codeInternal, "failed to route message")
	}
}
