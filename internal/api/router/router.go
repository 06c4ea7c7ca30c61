package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gulfbridge/crm-automation/internal/http/handlers"
	httpmiddleware "github.com/gulfbridge/crm-automation/internal/http/middleware"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	Webhook            *handlers.WebhookHandler
	Automation         *handlers.AutomationHandler
	MetricsHandler     http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	WebhookRateLimit   float64
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

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

	// Public endpoints: health, metrics, provider webhooks.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhook != nil {
			public.Route("/webhooks/events", func(wh chi.Router) {
				if cfg.WebhookRateLimit > 0 {
					wh.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, int(cfg.WebhookRateLimit)*2))
				}
				wh.Get("/", cfg.Webhook.Verify)
				wh.Post("/", cfg.Webhook.Receive)
			})
		}
	})

	// Admin endpoints, JWT-protected when a secret is configured.
	if cfg.Automation != nil {
		r.Route("/admin", func(admin chi.Router) {
			if cfg.AdminAuthSecret != "" {
				admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			}
			admin.Route("/leads/{leadID}", func(lead chi.Router) {
				lead.Post("/rules/run", cfg.Automation.RunRules)
				lead.Post("/quote-sent", cfg.Automation.QuoteSent)
				lead.Patch("/stage", cfg.Automation.UpdateStage)
				lead.Get("/tasks", cfg.Automation.ListTasks)
			})
			admin.Get("/conversations/{conversationID}/state", cfg.Automation.GetConversationState)
		})
	}

	return r
}
