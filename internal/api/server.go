package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openpromo/kestrel/internal/blacklist"
	"github.com/openpromo/kestrel/internal/coupon"
	"github.com/openpromo/kestrel/internal/domain"
	"github.com/openpromo/kestrel/internal/fraud"
	"github.com/openpromo/kestrel/internal/geo"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, coupons *coupon.Service, engine *fraud.Engine, store *blacklist.Store, geofence *geo.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, coupons, engine, store, geofence, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no company required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (company required)
	router.Route("/", func(r chi.Router) {
		r.Use(CompanyMiddleware)
		r.Use(ThrottleMiddleware(cache, cfg.ThrottlePerMinute))

		// Promotion and customer registration
		r.Post("/promotions", handler.CreatePromotion)
		r.Get("/promotions", handler.ListPromotions)
		r.Get("/promotions/{id}", handler.GetPromotion)
		r.Post("/customers", handler.CreateCustomer)
		r.Get("/customers/{id}", handler.GetCustomer)

		// Coupon lifecycle
		r.Post("/coupons/issue", handler.IssueCoupon)
		r.Get("/coupons/{code}", handler.ValidateCoupon)
		r.Post("/coupons/{code}/redeem", handler.RedeemCoupon)
		r.Post("/coupons/{code}/expire", handler.ExpireCoupon)

		// Location queries
		r.Post("/locations", handler.UpdateLocation)

		// Fraud checks and rule management
		r.Post("/fraud/check", handler.CheckFraud)
		r.Post("/fraud/rules", handler.CreateFraudRule)
		r.Get("/fraud/rules", handler.ListFraudRules)
		r.Get("/fraud/rules/{id}", handler.GetFraudRule)
		r.Get("/fraud/alerts", handler.ListFraudAlerts)
		r.Get("/fraud/alerts/{id}", handler.GetFraudAlert)
		r.Put("/fraud/alerts/{id}/status", handler.UpdateFraudAlertStatus)

		// Blacklist management
		r.Post("/blacklist", handler.AddBlacklistEntry)
		r.Get("/blacklist", handler.ListBlacklistEntries)

		// Geofence management
		r.Post("/geofence/zones", handler.CreateGeofenceZone)
		r.Get("/geofence/zones", handler.ListGeofenceZones)
		r.Get("/geofence/zones/{id}", handler.GetGeofenceZone)
		r.Post("/geofence/rules", handler.CreateGeofenceRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
