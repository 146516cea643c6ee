package handlers

import (
	"errors"
	"net/http"

	"github.com/eldtechnologies/amprelay/internal/registration"
)

// Register handles agent registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if err := decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}

	res, err := h.registrar.Register(r.Context(), req)
	if err != nil {
		var regErr *registration.Error
		if !errors.As(err, &regErr) {
			h.logger.Error().Err(err).Str("name", req.Name).Msg("registration failed")
			h.Error(w, http.StatusInternalServerError, codeInternal, "failed to register agent")
			return
		}
		h.JSON(w, registrationStatus(regErr.Code), ErrorResponse{
			Error:       regErr.Message,
			Code:        regErr.Code,
			Field:       regErr.Field,
			Suggestions: regErr.Suggestions,
		})
		return
	}

	h.JSON(w, http.StatusCreated, res)
}

func registrationStatus(code string) int {
	switch code {
	case registration.CodeNameTaken:
		return http.StatusConflict
	case registration.CodeOrganizationNotSet:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
