package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/address"
	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/registration"
	"github.com/eldtechnologies/amprelay/internal/relay"
	"github.com/eldtechnologies/amprelay/internal/router"
	"github.com/eldtechnologies/amprelay/internal/store"
)

// Router routes one message to a terminal outcome.
type Router interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// Registrar onboards agents.
type Registrar interface {
	Register(ctx context.Context, req registration.Request) (*registration.Result, error)
}

// Subscriber opens a notification subscription for one agent.
type Subscriber interface {
	Subscribe(ctx context.Context, agentID string) *redis.PubSub
}

// Info describes this provider host.
type Info struct {
	Organization   string `json:"organization"`
	ProviderDomain string `json:"provider"`
	HostID         string `json:"host_id"`
}

// Deps are the collaborators shared by all handlers. Redis, Mesh and Events
// may be nil.
type Deps struct {
	Store     store.DataStore
	Registry  *store.Registry
	Redis     *store.RedisStore
	Router    Router
	Relay     *relay.Store
	Registrar Registrar
	Mesh      *mesh.Client
	Directory *mesh.Directory
	Events    Subscriber
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	ds        store.DataStore
	registry  *store.Registry
	redis     *store.RedisStore
	router    Router
	relay     *relay.Store
	registrar Registrar
	mesh      *mesh.Client
	dir       *mesh.Directory
	events    Subscriber
	codec     *address.Codec
	info      Info
	logger    zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps, info Info, logger zerolog.Logger) *Handler {
	return &Handler{
		ds:        deps.Store,
		registry:  deps.Registry,
		redis:     deps.Redis,
		router:    deps.Router,
		relay:     deps.Relay,
		registrar: deps.Registrar,
		mesh:      deps.Mesh,
		dir:       deps.Directory,
		events:    deps.Events,
		codec:     address.NewCodec(info.ProviderDomain),
		info:      info,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Code        string   `json:"code,omitempty"`
	Field       string   `json:"field,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Error codes not owned by the registration service.
const (
	codeInvalidRequest     = "invalid_request"
	codeUnauthorized       = "unauthorized"
	codeNotFound           = "not_found"
	codeSignatureRejected  = "signature_rejected"
	codeFederationRejected = "federation_not_supported"
	codeInternal           = "internal_error"
	codeUnavailable        = "unavailable"
)

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, ErrorResponse{Error: message, Code: code})
}

var errTrailingData = errors.New("unexpected data after JSON body")

// decode parses a JSON body into dst, rejecting trailing data.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}

// queryLimit reads the limit query parameter, clamped to [1, max].
func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
