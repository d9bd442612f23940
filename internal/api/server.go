// Package api exposes the HTTP surface: POST /send, GET /healthz and the
// Prometheus endpoint.
package api

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-send-api/internal/dispatch"
	"github.com/shineum/smtp-send-api/internal/metrics"
	"github.com/shineum/smtp-send-api/internal/request"
)

// Config holds the HTTP settings.
type Config struct {
	// MaxBodySize bounds the request body in bytes.
	MaxBodySize int64

	// AllowOrigins lists CORS origins. "*" allows any origin without
	// credentials.
	AllowOrigins []string

	// Gatherer serves /metrics. The route is not mounted when nil.
	Gatherer prometheus.Gatherer
}

// Server routes HTTP requests to the validator and the dispatcher.
type Server struct {
	config     Config
	validator  *request.Validator
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	log        *slog.Logger
	router     chi.Router
}

// New creates a Server. m may be nil.
func New(cfg Config, v *request.Validator, d *dispatch.Dispatcher, m *metrics.Metrics, log *slog.Logger) *Server {
	s := &Server{
		config:     cfg,
		validator:  v,
		dispatcher: d,
		metrics:    m,
		log:        log.With("component", "api"),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.config.AllowOrigins))

	r.Post("/send", s.handleSend)
	r.Get("/healthz", s.handleHealth)
	if s.config.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           300,
	})
}
