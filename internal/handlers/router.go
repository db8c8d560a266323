package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediatrans/internal/admission"
	"mediatrans/internal/middleware"
)

func (h *Handler) Routes(limiter admission.Limiter, keys middleware.APIKeyStore) http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{h.cfg.AllowedOrigins},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-API-Key",
			"X-Screen-Resolution", "X-Timezone", "X-Language", "X-Platform",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	requireAuth := middleware.Auth(h.cfg.JWTSecret, keys)
	optionalAuth := middleware.OptionalAuth(h.cfg.JWTSecret, keys)
	rateLimited := middleware.RateLimit(limiter, h.cfg.AnonymousRateLimit, h.cfg.AuthenticatedRateLimit)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/auth", func(r chi.Router) {
		r.Use(rateLimited)
		r.Post("/google", h.GoogleAuth)
		r.With(requireAuth).Post("/api-key", h.IssueAPIKey)
		r.With(requireAuth).Get("/me", h.Me)
	})

	router.Route("/jobs", func(r chi.Router) {
		r.Use(optionalAuth)
		r.Use(rateLimited)
		r.Post("/image", h.CreateImageJob)
		r.Post("/video", h.CreateVideoJob)
		r.Get("/{id}", h.GetJob)
		r.With(requireAuth).Get("/", h.ListJobs)
	})

	router.Route("/payments", func(r chi.Router) {
		r.Use(rateLimited)
		r.Get("/packages", h.ListPackages)
		r.Post("/webhook", h.PaymentWebhook)
		r.With(requireAuth).Post("/initialize", h.InitializePurchase)
		r.With(requireAuth).Get("/balance", h.GetBalance)
		r.With(requireAuth).Get("/transactions", h.ListTransactions)
	})

	router.Get("/ws/jobs", h.WSJobs)

	return router
}
