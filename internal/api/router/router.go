// Package router wires the HTTP surface: public booking endpoints, the
// payment gateway webhook, and the JWT-protected admin group.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/vidaplena/booking-platform/internal/http/middleware"
	"github.com/vidaplena/booking-platform/internal/reconcile"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	PaymentsHandler *reconcile.Handler
	WebhookHandler  *reconcile.WebhookHandler
	AdminHandler    *reconcile.AdminHandler

	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthCheck)
		if cfg.PaymentsHandler != nil {
			public.Post("/payments", cfg.PaymentsHandler.CreatePayment)
			public.Post("/payments/status", cfg.PaymentsHandler.CheckStatus)
		}
		if cfg.WebhookHandler != nil {
			public.Post("/webhooks/abacatepay", cfg.WebhookHandler.Handle)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Admin endpoints behind JWT auth
	if cfg.AdminHandler != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret, cfg.Logger))
			admin.Get("/payments", cfg.AdminHandler.ListRecent)
			admin.Get("/payments/stranded", cfg.AdminHandler.ListStranded)
			admin.Get("/appointments/{id}", cfg.AdminHandler.GetAppointment)
			admin.Post("/velocity/reset", cfg.AdminHandler.ResetVelocity)
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
