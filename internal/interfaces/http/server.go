package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/metrics"
)

// Server exposes the forecast engine's external interfaces over HTTP
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	hub      *ForecastHub
	config   ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `yaml:"host" default:"127.0.0.1"`
	Port         int           `yaml:"port" default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" default:"60s"`
}

// NewServer creates the HTTP server and wires all routes
func NewServer(config ServerConfig, handlers *Handlers, m *metrics.MetricsRegistry) *Server {
	router := mux.NewRouter()
	hub := NewForecastHub(m)

	s := &Server{
		router:   router,
		handlers: handlers,
		hub:      hub,
		config:   config,
	}
	s.setupRoutes(m)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Hub returns the websocket forecast hub so the orchestrator can broadcast
func (s *Server) Hub() *ForecastHub {
	return s.hub
}

func (s *Server) setupRoutes(m *metrics.MetricsRegistry) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Websocket path upgrades; it must bypass the JSON content type
	s.router.HandleFunc("/ws/forecasts", s.hub.Serve).Methods("GET")
	if m != nil {
		s.router.Handle("/metrics", m.MetricsHandler()).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")

	api.HandleFunc("/events", s.handlers.SubmitEvent).Methods("POST")
	api.HandleFunc("/events", s.handlers.ListEvents).Methods("GET")
	api.HandleFunc("/forecasts/agent", s.handlers.SubmitAgentForecast).Methods("POST")
	api.HandleFunc("/outcomes", s.handlers.ReportOutcome).Methods("POST")

	api.HandleFunc("/forecast/{asset}/{horizon}", s.handlers.GetForecast).Methods("GET")
	api.HandleFunc("/explain/{asset}/{horizon}", s.handlers.Explain).Methods("GET")
	api.HandleFunc("/regime/{asset}", s.handlers.Regime).Methods("GET")
	api.HandleFunc("/weights/{regime}", s.handlers.Weights).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestIDMiddleware adds a unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs all requests with structured fields
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// timeoutMiddleware enforces request timeouts; the websocket stream is
// exempt since subscriptions are long-lived.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and closes ws clients
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
