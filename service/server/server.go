package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokenflow/service/metrics"
	natspkg "github.com/brojonat/tokenflow/service/nats"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the analysis service.
type Server struct {
	addr      string
	analyzer  Analyzer
	publisher natspkg.Publisher
	starter   WorkflowStarter
	lister    transfers.Lister
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server. The metrics is optional - if nil, the
// metrics endpoint won't be available.
func New(addr string, a Analyzer, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{addr: addr, analyzer: a, metrics: m, logger: logger}
}

// WithPublisher publishes every synchronous analysis result to NATS.
func (s *Server) WithPublisher(p natspkg.Publisher) *Server {
	s.publisher = p
	return s
}

// WithWorkflows enables the asynchronous workflow endpoint.
func (s *Server) WithWorkflows(starter WorkflowStarter) *Server {
	s.starter = starter
	return s
}

// WithPartitions enables the partition listing endpoint.
func (s *Server) WithPartitions(lister transfers.Lister) *Server {
	s.lister = lister
	return s
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("POST /api/v1/analyze", "/api/v1/analyze", handleAnalyze(s.analyzer, s.publisher, s.logger))
	route("GET /api/v1/analyze/{address}/beneficiaries.csv", "/api/v1/analyze/beneficiaries.csv", handleExportCSV(s.analyzer, "beneficiaries", s.logger))
	route("GET /api/v1/analyze/{address}/intermediaries.csv", "/api/v1/analyze/intermediaries.csv", handleExportCSV(s.analyzer, "intermediaries", s.logger))

	if s.starter != nil {
		route("POST /api/v1/workflows/analyze", "/api/v1/workflows/analyze", handleStartAnalysis(s.starter, s.logger))
	}
	if s.lister != nil {
		route("GET /api/v1/partitions", "/api/v1/partitions", handleListPartitions(s.lister, s.logger))
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Analyses may run up to the configured deadline.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
