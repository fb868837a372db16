package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/testdrivenio/flask-spa-auth/config"
	"github.com/testdrivenio/flask-spa-auth/internal/cookie"
	database "github.com/testdrivenio/flask-spa-auth/internal/core"
	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
	"github.com/testdrivenio/flask-spa-auth/internal/core/repository"
	"github.com/testdrivenio/flask-spa-auth/internal/csrf"
	"github.com/testdrivenio/flask-spa-auth/internal/logger"
	logicv1 "github.com/testdrivenio/flask-spa-auth/internal/logic/v1"
	v1 "github.com/testdrivenio/flask-spa-auth/internal/web/v1"
	"github.com/testdrivenio/flask-spa-auth/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic("Configuration validation failed: " + err.Error())
	}

	// Initialize Zerolog with LOG_LEVEL from config
	logger.Setup(cfg.Logging.Level)

	displayAppname(cfg.Service.Name)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("env", cfg.Service.Env).
		Str("port", cfg.Service.Port).
		Msg("Service starting")

	// Initialize OpenTelemetry tracing
	var tp interface{ Shutdown(context.Context) error }
	var err error
	if cfg.Tracing.Enabled {
		tp, err = middleware.InitTracing(cfg)
		if err != nil {
			tp = nil
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			log.Info().
				Str("endpoint", cfg.Tracing.Endpoint).
				Float64("sample_rate", cfg.Tracing.SampleRate).
				Msg("Tracing initialized")
		}
	} else {
		log.Info().Msg("Tracing disabled (TRACING_ENABLED=false)")
	}

	// Initialize Pyroscope profiling
	if cfg.Profiling.Enabled {
		if err := middleware.InitProfiling(); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize profiling")
		} else {
			log.Info().
				Str("endpoint", cfg.Profiling.Endpoint).
				Msg("Profiling initialized")
			defer middleware.StopProfiling()
		}
	} else {
		log.Info().Msg("Profiling disabled (PROFILING_ENABLED=false)")
	}

	// CSRF secret: explicit startup step, not an import-time side effect.
	// Rotating the secret invalidates every outstanding token.
	secret, err := cfg.CSRF.DecodeSecret()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid CSRF secret")
	}
	if secret == nil {
		if secret, err = csrf.GenerateSecret(); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate CSRF secret")
		}
		log.Warn().Msg("CSRF_SECRET not set; generated an ephemeral secret, tokens will not survive a restart")
	}
	csrfService, err := csrf.NewService(secret, cfg.CSRF.TTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize CSRF service")
	}

	ctx := context.Background()

	// Backing stores, selected per backend
	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if pool != nil {
		defer pool.Close()
		log.Info().Msg("Database connection pool established")
	}

	users, err := buildUserRepository(cfg, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize user repository")
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()

	sessions, closeSessions, err := buildSessionStore(ctx, janitorCtx, cfg, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session store")
	}
	defer closeSessions()

	authService := logicv1.NewAuthService(users, sessions, cfg.Session.TTL)

	topology := cfg.ResolveTopology()
	policy := cookie.Resolve(topology, cfg.Cookie.Secure, cfg.Cookie.Domain)
	log.Info().
		Str("topology", string(topology)).
		Bool("secure", policy.Secure).
		Msg("Cookie policy resolved")

	r := gin.Default()

	var isShuttingDown atomic.Bool

	// Tracing middleware
	r.Use(middleware.TracingMiddleware())

	// Request ID middleware
	r.Use(middleware.RequestIDMiddleware())

	// Logging middleware
	r.Use(middleware.LoggingMiddleware())

	// Prometheus middleware
	r.Use(middleware.PrometheusMiddleware())

	// Credentialed CORS for the SPA origins
	r.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins, cfg.CSRF.HeaderName))

	// Session resolution: computes anonymous vs authenticated for every request
	r.Use(middleware.SessionMiddleware(authService, cfg.Session.CookieName))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Readiness check
	// Returns 503 once shutdown has started, to drain traffic before HTTP shutdown.
	r.GET("/ready", func(c *gin.Context) {
		if isShuttingDown.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	opts := v1.Options{
		SessionCookie: cfg.Session.CookieName,
		CSRFCookie:    cfg.CSRF.CookieName,
		CSRFHeader:    cfg.CSRF.HeaderName,
		CSRFTTL:       cfg.CSRF.TTL,
		SSOEnabled:    cfg.SSO.Enabled,
	}
	guards := v1.Guards{
		RequireSession: middleware.RequireSession(),
		RequireCSRF:    middleware.CSRFMiddleware(csrfService, cfg.CSRF.CookieName, cfg.CSRF.HeaderName),
		ProtectReads:   cfg.CSRF.ProtectReads,
	}

	// Session API (path shape matches the SPA's fetch calls)
	api := r.Group("/api")
	handler := v1.NewHandler(authService, csrfService, policy, opts)
	handler.RegisterRoutes(api, guards)

	if cfg.SSO.Enabled {
		ssoHandler, err := v1.NewSSOHandler(ctx, cfg.SSO, authService, policy, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize SSO")
		}
		ssoHandler.RegisterRoutes(api)
		log.Info().Str("issuer", cfg.SSO.IssuerURL).Msg("SSO enabled")
	}

	// Static SPA assets for single-origin deployments; unknown paths fall
	// back to index.html so client-side routing works on hard refresh.
	if cfg.Web.Dir != "" {
		r.NoRoute(spaFallback(cfg.Web.Dir))
		log.Info().Str("dir", cfg.Web.Dir).Msg("Serving SPA assets")
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Service.Port,
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Service.Port).Msg("Starting session auth service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Wait for shutdown signal
	<-signalCtx.Done()
	log.Info().Msg("Shutdown signal received")

	// Fail readiness first and wait for propagation (best practice for K8s rollout).
	isShuttingDown.Store(true)
	drainDelay := cfg.GetReadinessDrainDelayDuration()
	if drainDelay > 0 {
		log.Info().Dur("delay", drainDelay).Msg("Readiness drain delay started")
		time.Sleep(drainDelay)
		log.Info().Dur("delay", drainDelay).Msg("Readiness drain delay completed")
	}

	// Shutdown context with configurable timeout
	shutdownTimeout := cfg.GetShutdownTimeoutDuration()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down server...")

	// 1. Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		log.Info().Msg("HTTP server shutdown complete")
	}

	// 2. Stop the expiry janitor and close the session store
	stopJanitor()
	closeSessions()

	// 3. Close database connections
	if pool != nil {
		pool.Close()
		log.Info().Msg("Database pool closed")
	}

	// 4. Shutdown tracer
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Tracer shutdown error")
		} else {
			log.Info().Msg("Tracer shutdown complete")
		}
	}

	log.Info().Msg("Graceful shutdown complete")
}

func connectPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Store.UserBackend != "postgres" && cfg.Session.Backend != "postgres" {
		return nil, nil
	}
	return database.Connect(ctx, cfg.Store.PostgresDSN)
}

func buildUserRepository(cfg *config.Config, pool *pgxpool.Pool) (domain.UserRepository, error) {
	if cfg.Store.UserBackend == "postgres" {
		return repository.NewPgxUserRepository(pool), nil
	}

	users := repository.NewMemoryUserRepository()
	if _, err := users.Seed(cfg.Seed.Username, cfg.Seed.Password, cfg.Seed.DisplayName); err != nil {
		return nil, fmt.Errorf("seed user %q: %w", cfg.Seed.Username, err)
	}
	log.Info().Str("username", cfg.Seed.Username).Msg("Seeded in-memory user store")
	return users, nil
}

func buildSessionStore(ctx, janitorCtx context.Context, cfg *config.Config, pool *pgxpool.Pool) (domain.SessionStore, func(), error) {
	switch cfg.Session.Backend {
	case "redis":
		rdb, err := database.ConnectRedis(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.Store.RedisAddr).Msg("Redis session store connected")
		return repository.NewRedisSessionStore(rdb), func() { _ = rdb.Close() }, nil
	case "postgres":
		return repository.NewPgxSessionStore(pool), func() {}, nil
	default:
		sessions := repository.NewMemorySessionStore()
		sessions.StartJanitor(janitorCtx, cfg.Session.JanitorInterval)
		return sessions, func() {}, nil
	}
}

// spaFallback serves files from dir, falling back to index.html for paths the
// router does not know. API paths stay JSON 404s.
func spaFallback(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		path := filepath.Join(dir, filepath.Clean("/"+c.Request.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			c.File(path)
			return
		}
		c.File(filepath.Join(dir, "index.html"))
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
