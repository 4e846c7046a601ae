package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/api/middleware"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/handlers"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// maxBodyBytes bounds request bodies above the largest admissible
// ciphertext plus envelope headroom.
const maxBodyBytes = 96 * 1024

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, redisStore *store.RedisStore) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(redisStore, logger)
	r.Use(limiter.Middleware)

	// CORS - wallets call from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.WalletHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	// Everything else carries a gateway-verified wallet identity.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireWallet)

		r.Post("/register", h.Register)
		r.Post("/presence/heartbeat", h.Heartbeat)

		r.Post("/relay/send", h.Send)
		r.Get("/relay/fetch", h.Fetch)
		r.Post("/relay/ack", h.Ack)
		r.Post("/relay/purge", h.Purge)

		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}/messages", h.GetMessages)
		r.Post("/conversations/{id}/read", h.MarkRead)
	})

	return r
}
