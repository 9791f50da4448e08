package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/somatechlat/voyant/pkg/tenant"
)

// ServerConfig holds the parameters NewServer needs, decoupled from the
// service configuration struct.
type ServerConfig struct {
	CORSAllowedOrigins []string
	TenantHeader       string
	MetricsPath        string
}

// Server holds the HTTP server dependencies. Domain handlers are
// mounted on APIRouter after construction.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // tenant-scoped /api/v1 sub-router
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. db and rdb may be nil in single-node test builds; the
// readiness probe skips absent backends.
func NewServer(cfg ServerConfig, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", cfg.TenantHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.HandleStatus)

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s.Router.Handle(metricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Tenant-scoped API routes. Authentication happens upstream; the
	// gateway forwards the authenticated tenant in the configured header.
	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(tenant.HeaderMiddleware(cfg.TenantHeader))
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	var checks []checkResult
	allOK := true

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			s.Logger.Error("readiness check: database ping failed", "error", err)
			checks = append(checks, checkResult{Name: "database", Status: "fail", Error: err.Error()})
			allOK = false
		} else {
			checks = append(checks, checkResult{Name: "database", Status: "ok"})
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			checks = append(checks, checkResult{Name: "redis", Status: "fail", Error: err.Error()})
			allOK = false
		} else {
			checks = append(checks, checkResult{Name: "redis", Status: "ok"})
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}

	Respond(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// HandleStatus returns system health information.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := map[string]any{
		"status":         "ok",
		"uptime":         uptime.Truncate(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
	}

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			resp["database"] = "error"
			resp["status"] = "degraded"
		} else {
			resp["database"] = "ok"
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			resp["redis"] = "error"
			resp["status"] = "degraded"
		} else {
			resp["redis"] = "ok"
		}
	}

	Respond(w, http.StatusOK, resp)
}
