package api

import (
	"database/sql"
	"net/http"

	"github.com/kolscope/kolscope/internal/analysis"
	"github.com/kolscope/kolscope/internal/auth"
	"github.com/kolscope/kolscope/internal/cache"
	"github.com/kolscope/kolscope/internal/config"
	"github.com/kolscope/kolscope/internal/database"
	"github.com/kolscope/kolscope/internal/metrics"
	"github.com/kolscope/kolscope/internal/quota"
	"log/slog"
)

// Dependencies bundles what the router needs.
type Dependencies struct {
	DB       *sql.DB
	Cache    *cache.Cache
	Pool     *quota.Pool
	Queue    *analysis.Queue
	Executor *RunExecutor

	Runs        *database.RunRepository
	Analyses    *database.AnalysisRepository
	Credentials *database.CredentialRepository
	Products    *database.ProductRepository

	AuthConfig config.AuthConfig
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// SetupRoutes configures all API routes. Everything except health, metrics,
// and login requires a valid admin token.
func SetupRoutes(mux *http.ServeMux, deps Dependencies) {
	handler := NewHandler(deps.DB, deps.Cache, deps.Logger)
	authHandler := NewAuthHandler(deps.AuthConfig, deps.Logger)
	runHandler := NewRunHandler(deps.Runs, deps.Analyses, deps.Executor, deps.Queue, deps.Logger)
	credentialHandler := NewCredentialHandler(deps.Credentials, deps.Pool, deps.Logger)
	productHandler := NewProductHandler(deps.Products, deps.Logger)
	cacheHandler := NewCacheHandler(deps.Cache, deps.Logger)

	authMiddleware := auth.Middleware(deps.AuthConfig)
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}
	instrument := func(h http.Handler) http.Handler {
		if deps.Metrics != nil {
			return deps.Metrics.InstrumentHandler(h)
		}
		return h
	}

	// Public routes
	mux.Handle("/api/health", instrument(http.HandlerFunc(handler.HealthHandler)))
	mux.Handle("/api/auth/login", instrument(http.HandlerFunc(authHandler.Login)))
	mux.Handle("/api/auth/validate", instrument(protected(authHandler.ValidateToken)))
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}

	// Run routes
	mux.Handle("/api/runs", instrument(protected(runHandler.RunsHandler)))
	mux.Handle("/api/runs/", instrument(protected(runHandler.RunByIDHandler)))

	// Credential routes
	mux.Handle("/api/credentials", instrument(protected(credentialHandler.CredentialsHandler)))
	mux.Handle("/api/credentials/", instrument(protected(credentialHandler.CredentialByIDHandler)))

	// Product context
	mux.Handle("/api/product", instrument(protected(productHandler.ProductHandlerFunc)))

	// Cache administration
	mux.Handle("/api/cache/channels/", instrument(protected(cacheHandler.InvalidateHandler)))
}
