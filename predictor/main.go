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

	"github.com/animus-labs/custsat/internal/platform/env"
	"github.com/animus-labs/custsat/internal/platform/httpserver"
	"github.com/animus-labs/custsat/internal/platform/objectstore"
	"github.com/animus-labs/custsat/internal/serving"
	storageobjectstore "github.com/animus-labs/custsat/internal/storage/objectstore"
)

const serviceName = "predictor"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := env.LoadDotEnv(); err != nil {
		logger.Error("invalid .env file", "error", err)
		os.Exit(2)
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("PREDICTOR_HTTP_ADDR", ":8081")
	productionKey := env.String("CUSTSAT_PRODUCTION_KEY", "prod/model.json")
	shutdownTimeout, err := env.Duration("PREDICTOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	loadTimeout, err := env.Duration("PREDICTOR_MODEL_LOAD_TIMEOUT", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	store, err := storageobjectstore.NewMinioStore(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	deployment := serving.Load(loadCtx, store, storeCfg.ArtifactBucket, productionKey)
	cancel()
	if deployment.Available() {
		logger.Info("production model loaded", "source", deployment.Source(), "loaded_at", deployment.LoadedAt().Format(time.RFC3339))
	} else {
		logger.Warn("production model unavailable", "reason", deployment.Reason())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			serviceName,
			httpserver.ReadinessCheck{Name: "model", Check: modelCheck(deployment)},
		),
	)
	newPredictorAPI(logger, deployment).register(mux)

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, serviceName, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func modelCheck(deployment serving.Deployment) func(context.Context) error {
	return func(context.Context) error {
		if !deployment.Available() {
			return errors.New(deployment.Reason())
		}
		return nil
	}
}
