package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wellnest/marketplace-api/internal/availability"
	"github.com/wellnest/marketplace-api/internal/booking"
	"github.com/wellnest/marketplace-api/internal/http/handlers"
	httpmiddleware "github.com/wellnest/marketplace-api/internal/http/middleware"
	"github.com/wellnest/marketplace-api/internal/identity"
	"github.com/wellnest/marketplace-api/internal/noshow"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	AuthSecret         string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	// Done stops background router housekeeping.
	Done <-chan struct{}

	Health         *handlers.HealthHandler
	MetricsHandler http.Handler

	Availability  *availability.Handler
	Booking       *booking.Handler
	NoShow        *noshow.Handler
	Account       *handlers.AccountHandler
	AdminRefunds  *handlers.AdminRefundsHandler
	Notifications *notify.Hub
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	health := cfg.Health
	if health == nil {
		health = handlers.NewHealthHandler(nil)
	}

	// Public endpoints (health checks, metrics)
	r.Group(func(public chi.Router) {
		public.Get("/health", health.Live)
		public.Get("/ready", health.Ready)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	var limit func(http.Handler) http.Handler
	if cfg.RateLimitRPS > 0 {
		limit = httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Done)
	}

	// Caller-scoped API
	r.Group(func(api chi.Router) {
		api.Use(httpmiddleware.Authenticate(cfg.AuthSecret))
		if limit != nil {
			api.Use(limit)
		}
		if cfg.Availability != nil {
			cfg.Availability.RegisterRoutes(api)
		}
		if cfg.Booking != nil {
			cfg.Booking.RegisterRoutes(api)
		}
		if cfg.NoShow != nil {
			cfg.NoShow.RegisterRoutes(api)
		}
		if cfg.Account != nil {
			cfg.Account.RegisterRoutes(api)
		}
		if cfg.Notifications != nil {
			api.Get("/ws/notifications", cfg.Notifications.ServeWS)
		}
	})

	// Support tooling
	if cfg.AdminRefunds != nil {
		r.Group(func(admin chi.Router) {
			admin.Use(httpmiddleware.Authenticate(cfg.AuthSecret))
			admin.Use(httpmiddleware.RequireRole(identity.RoleAdmin))
			cfg.AdminRefunds.RegisterRoutes(admin)
		})
	}

	return r
}
