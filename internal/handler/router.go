package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/realtime-conversations/internal/middleware"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

// Handlers is everything the router serves.
type Handlers struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Users         *UserHandler
	Stream        *StreamHandler
	Realtime      *RealtimeHandler
}

// RouterConfig configures the middleware in front of the handlers.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// NewRouter mounts the API.
func NewRouter(cfg RouterConfig, h Handlers, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated floods are cut off per address before the token
		// is checked; everything after is limited per user.
		r.Use(middleware.RateLimit(cfg.RateLimitRequests*4, cfg.RateLimitWindow))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/ws", h.Realtime.Serve)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.Users.Find)
			r.Put("/me", h.Users.UpsertMe)
			r.Get("/{uid}/presence", h.Users.Presence)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.Conversations.Create)
			r.Get("/", h.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Conversations.Get)
				r.Post("/participants", h.Conversations.AddParticipant)
				r.Delete("/participants/{uid}", h.Conversations.RemoveParticipant)
				r.Post("/leave", h.Conversations.Leave)
				r.Put("/preferences", h.Conversations.SetPreference)
				r.Post("/read", h.Conversations.MarkRead)

				r.Get("/search", h.Messages.Search)
				r.Get("/stream", h.Stream.Stream)

				r.Route("/messages", func(r chi.Router) {
					r.Get("/", h.Messages.List)
					r.Post("/", h.Messages.Send)

					r.Route("/{mid}", func(r chi.Router) {
						r.Patch("/", h.Messages.Edit)
						r.Delete("/", h.Messages.Delete)
						r.Put("/reaction", h.Messages.React)
						r.Delete("/reaction", h.Messages.Unreact)
						r.Put("/pin", h.Messages.Pin)
						r.Post("/forward", h.Messages.Forward)
					})
				})
			})
		})
	})

	return r
}
