// Command coordinator runs the tenant coordinator HTTP/WS server:
// one process serving any number of tenants, each lazily instantiated
// on first reference and reaped after an idle interval.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/audit"
	"github.com/latticeauth/edgegraph/internal/authmw"
	"github.com/latticeauth/edgegraph/internal/cache"
	"github.com/latticeauth/edgegraph/internal/config"
	"github.com/latticeauth/edgegraph/internal/tenant"
	"github.com/latticeauth/edgegraph/internal/transport"

	"os/signal"
)

func main() {
	configPath := flag.String("config", "", "path to a deployment YAML config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dep, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if err := os.MkdirAll(dep.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	var workflow *tenant.WorkflowService
	registry := newRegistry(dep, logger, func() *tenant.WorkflowService { return workflow })
	workflow, err = tenant.NewWorkflowService(dep.InngestAppID, registry.RefreshFuncFor, logger)
	if err != nil {
		logger.Warn("inngest workflow service unavailable, snapshot refresh will run inline", zap.Error(err))
		workflow = nil
	}

	var authz *authmw.Middleware
	if dep.RequireAuth {
		authz = authmw.New(logger)
	}

	server := transport.NewServer(registry.Resolve, authz, logger)
	router := mux.NewRouter()
	server.SetupRoutes(router)

	if workflow != nil {
		router.PathPrefix("/api/inngest").Handler(workflow.Handler())
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(dep.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	httpServer := &http.Server{
		Addr:         dep.HTTPAddr,
		Handler:      handlers.LoggingHandler(os.Stdout, cors(router)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening", zap.String("addr", dep.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	registry.Stop()
	registry.CloseAll()
	logger.Info("shutdown complete")
}

// tenantRegistry wraps tenant.Registry with the per-tenant Config
// factory built from the deployment settings.
type tenantRegistry struct {
	*tenant.Registry
}

func newRegistry(dep config.Deployment, logger *zap.Logger, workflow func() *tenant.WorkflowService) *tenantRegistry {
	configFor := func(tenantID string) tenant.Config {
		base := filepath.Join(dep.DataDir, tenantID)
		cfg := tenant.DefaultConfig(tenantID, filepath.Join(base, "mutations.db"), filepath.Join(base, "snapshots"))
		cfg.IdleTimeout = dep.IdleTimeout
		cfg.SnapshotEveryN = dep.SnapshotEveryN
		cfg.SnapshotInterval = dep.SnapshotInterval
		cfg.AuditConfig = audit.DefaultConfig()
		cfg.CacheConfig = cache.DefaultConfig()
		cfg.Workflow = workflow()
		return cfg
	}
	return &tenantRegistry{Registry: tenant.NewRegistry(configFor, logger)}
}

// RefreshFuncFor resolves tenantID to its current refresh function, or
// nil if the tenant is not (or no longer) resident and READY — used by
// the Inngest-registered snapshot-refresh function, which may run after
// the triggering coordinator has already been evicted. Resolve creates a
// fresh COLD coordinator for a non-resident ID; its edge store is empty,
// so it is treated as not resident.
func (r *tenantRegistry) RefreshFuncFor(tenantID string) tenant.SnapshotRefreshFunc {
	t, ok := r.Resolve(tenantID)
	if !ok {
		return nil
	}
	c, ok := t.(*tenant.Coordinator)
	if !ok || c.State() != tenant.StateReady {
		return nil
	}
	return c.RefreshFunc()
}
