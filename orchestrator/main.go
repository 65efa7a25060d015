package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/custsat/internal/pipeline"
	"github.com/animus-labs/custsat/internal/platform/auditlog"
	"github.com/animus-labs/custsat/internal/platform/auth"
	"github.com/animus-labs/custsat/internal/platform/env"
	"github.com/animus-labs/custsat/internal/platform/httpserver"
	"github.com/animus-labs/custsat/internal/platform/objectstore"
	"github.com/animus-labs/custsat/internal/platform/postgres"
	repopg "github.com/animus-labs/custsat/internal/repo/postgres"
	"github.com/animus-labs/custsat/internal/service/runs"
	storageobjectstore "github.com/animus-labs/custsat/internal/storage/objectstore"
	"github.com/animus-labs/custsat/internal/tracker"
)

const serviceName = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := env.LoadDotEnv(); err != nil {
		logger.Error("invalid .env file", "error", err)
		os.Exit(2)
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ORCHESTRATOR_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ORCHESTRATOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	def, err := pipeline.LoadDefinition(env.String("CUSTSAT_PIPELINE_DEFINITION", ""))
	if err != nil {
		logger.Error("invalid pipeline definition", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureArtifactBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("artifact object store init failed", "error", err)
		os.Exit(2)
	}

	runStore := repopg.NewPipelineRunStore(db)
	stepStore := repopg.NewStepExecutionStore(db)
	auditAppender := repopg.NewAuditAppender(db)

	trk, err := tracker.New(repopg.NewTrackerStore(db), store, storeCfg.ArtifactBucket)
	if err != nil {
		logger.Error("tracker init failed", "error", err)
		os.Exit(2)
	}
	steps, err := pipeline.BuildSteps(def, pipeline.Dependencies{
		Store:   store,
		Bucket:  storeCfg.ArtifactBucket,
		Tracker: trk,
	})
	if err != nil {
		logger.Error("pipeline init failed", "error", err)
		os.Exit(2)
	}
	executor, err := pipeline.NewExecutor(def, steps, runStore, stepStore, logger)
	if err != nil {
		logger.Error("pipeline init failed", "error", err)
		os.Exit(2)
	}
	svc := runs.New(runStore, stepStore, auditAppender, executor, logger)
	resumed, err := svc.Resume(ctx)
	if err != nil {
		logger.Error("resume pipeline runs failed", "error", err)
		os.Exit(1)
	}
	if resumed > 0 {
		logger.Info("resumed pipeline runs", "count", resumed)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			serviceName,
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: httpserver.CheckWithTimeout(750*time.Millisecond, postgres.Ping(db)),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: httpserver.CheckWithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return objectstore.CheckArtifactBucket(ctx, storeClient, storeCfg)
				}),
			},
		),
	)
	newOrchestratorAPI(logger, svc).register(mux)

	var handler http.Handler = mux
	authenticator, err := newAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(1)
	}
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.InsertAuthDeny(auditCtx, db, serviceName, event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	} else {
		logger.Warn("authentication disabled", "auth_mode", string(authCfg.Mode))
	}

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	runErr := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, serviceName, handler))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("pipeline runs still in flight at shutdown", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", runErr)
		os.Exit(1)
	}
}

// newAuthenticator returns nil when authentication is disabled.
func newAuthenticator(ctx context.Context, cfg auth.Config) (auth.Authenticator, error) {
	switch cfg.Mode {
	case auth.ModeOIDC:
		return auth.NewOIDCAuthenticator(ctx, cfg)
	case auth.ModeDev:
		return auth.NewDevAuthenticator(cfg), nil
	default:
		return nil, nil
	}
}
