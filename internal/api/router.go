package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/api/middleware"
	"github.com/eldtechnologies/amprelay/internal/handlers"
	"github.com/eldtechnologies/amprelay/internal/mesh"
)

// MaxBodyBytes bounds request bodies. Payload attachments are inline.
const MaxBodyBytes = 256 * 1024

// NewRouter creates and configures the HTTP router. A nil limiter disables
// rate limiting.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, auth *middleware.AuthMiddleware, limiter *middleware.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			mesh.HeaderForwardedFrom, mesh.HeaderEnvelopeID, mesh.HeaderSignature,
			mesh.HeaderSenderKey, mesh.HeaderMeshToken,
		},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/v1/info", h.ProviderInfo)
	r.Post("/v1/register", h.Register)

	// Agents and mesh peers
	r.With(auth.RequireAgentOrMesh).Post("/v1/route", h.Route)

	// Authenticated agents
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/v1/messages", h.ListInbox)
		r.Get("/v1/messages/events", h.Events)
		r.Post("/v1/messages/{id}/read", h.MarkRead)
		r.Get("/v1/messages/pending", h.ListPending)
		r.Post("/v1/messages/pending/ack", h.AckPendingBatch)
		r.Delete("/v1/messages/pending/{id}", h.AckPending)
		r.Get("/v1/agents/resolve/{address}", h.Resolve)
	})

	return r
}
