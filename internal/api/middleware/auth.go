package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/registration"
)

type contextKey string

const (
	AgentContextKey contextKey = "agent"
	MeshContextKey  contextKey = "mesh_origin"
)

// AgentStore is the registry view the auth middleware needs.
type AgentStore interface {
	GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AuthConfig configures mesh peer authentication. Mesh forwards are refused
// unless MeshToken is set.
type AuthConfig struct {
	MeshToken string
	IsPeer    func(hostID string) bool
}

// AuthMiddleware authenticates agents by bearer credential and mesh peers
// by provenance headers.
type AuthMiddleware struct {
	agents AgentStore
	cfg    AuthConfig
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(agents AgentStore, cfg AuthConfig, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{agents: agents, cfg: cfg, logger: logger}
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAuth middleware verifies bearer credentials and records presence.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, reason := m.authenticate(r)
		if agent == nil {
			m.logger.Warn().
				Str("type", "security").
				Str("event", "auth_failed").
				Str("reason", reason).
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("authentication failed")
			jsonError(w, http.StatusUnauthorized, reason)
			return
		}

		if err := m.agents.TouchAgent(r.Context(), agent.ID, time.Now().UTC()); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", agent.ID.String()).Msg("failed to record presence")
		}
		setRequestAgent(r.Context(), agent.ID.String())

		ctx := context.WithValue(r.Context(), AgentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAgentOrMesh accepts either an authenticated agent or a forward
// from a configured mesh peer.
func (m *AuthMiddleware) RequireAgentOrMesh(next http.Handler) http.Handler {
	agentAuth := m.RequireAuth(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get(mesh.HeaderForwardedFrom)
		if origin == "" {
			agentAuth.ServeHTTP(w, r)
			return
		}

		if m.cfg.MeshToken == "" {
			m.rejectMesh(w, r, origin, "mesh forwarding is not enabled")
			return
		}
		if m.cfg.IsPeer == nil || !m.cfg.IsPeer(origin) {
			m.rejectMesh(w, r, origin, "unknown mesh host")
			return
		}
		token := r.Header.Get(mesh.HeaderMeshToken)
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.cfg.MeshToken)) != 1 {
			m.rejectMesh(w, r, origin, "invalid mesh token")
			return
		}

		setRequestAgent(r.Context(), "mesh:"+origin)
		ctx := context.WithValue(r.Context(), MeshContextKey, origin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) rejectMesh(w http.ResponseWriter, r *http.Request, origin, reason string) {
	m.logger.Warn().
		Str("type", "security").
		Str("event", "mesh_auth_failed").
		Str("origin", origin).
		Str("ip", RealIP(r)).
		Msg(reason)
	jsonError(w, http.StatusUnauthorized, reason)
}

func (m *AuthMiddleware) authenticate(r *http.Request) (*models.Agent, string) {
	token := bearerToken(r)
	if token == "" {
		return nil, "missing bearer token"
	}

	agentID, secret, err := registration.ParseAPIKey(token)
	if err != nil {
		return nil, "malformed api key"
	}

	agent, err := m.agents.GetAgentByID(r.Context(), agentID)
	if err != nil || agent == nil {
		return nil, "invalid api key"
	}
	if !registration.CheckAPIKey(agent.APIKeyHash, secret) {
		return nil, "invalid api key"
	}
	return agent, ""
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetAgentFromContext retrieves the authenticated agent from the request context.
func GetAgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(AgentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}

// GetMeshOrigin returns the forwarding host id of a mesh request.
func GetMeshOrigin(ctx context.Context) string {
	origin, _ := ctx.Value(MeshContextKey).(string)
	return origin
}
