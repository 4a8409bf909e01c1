package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/campaign-engine/internal/metrics"
)

// SetupRoutes configures the operator API.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Get().Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.HandleCreateCampaign)
			r.Get("/", h.HandleListCampaigns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.HandleGetCampaign)
				r.Post("/schedule", h.HandleScheduleCampaign)
				r.Post("/populate", h.HandlePopulateSends)
				r.Post("/start", h.HandleStartCampaign)
				r.Post("/pause", h.HandlePauseCampaign)
				r.Post("/resume", h.HandleResumeCampaign)
				r.Post("/cancel", h.HandleCancelCampaign)
				r.Get("/progress", h.HandleCampaignProgress)
				r.Get("/progress/variants", h.HandleVariantProgress)
				r.Get("/variants", h.HandleGetVariants)
				r.Post("/variants", h.HandleCreateVariants)
			})
		})
	})

	return r
}
