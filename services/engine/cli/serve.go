package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tbwo/internal/version"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
	"github.com/ramiqadoumi/tbwo/services/engine"
	"github.com/ramiqadoumi/tbwo/services/engine/config"
	"github.com/ramiqadoumi/tbwo/services/engine/handler"
	"github.com/ramiqadoumi/tbwo/services/engine/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and its REST API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address; empty disables it")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables event streaming")
	serveCmd.Flags().String("jwt-secret", "", "HS256 secret for API tokens; empty disables authentication")
	serveCmd.Flags().String("workspace", "./workspace", "directory agents may read and write")
	serveCmd.Flags().Int("max-concurrent", 0, "tasks run in parallel per work order (0 = default)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("jwt_secret", serveCmd.Flags(), "jwt-secret")
	bindFlag("workspace", serveCmd.Flags(), "workspace")
	bindFlag("max_concurrent", serveCmd.Flags(), "max-concurrent")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "engine")
	instanceID := "engine-" + uuid.New().String()[:8]
	logger = logger.With(slog.String("instance", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:     "tbwo-engine",
		Version:     version.Version,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSample,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	eng, err := engine.New(initCtx, cfg, instanceID, logger)
	cancel()
	if err != nil {
		return err
	}

	opts := []handler.Option{handler.WithReadiness(eng.Ready)}
	if eng.Status != nil {
		opts = append(opts, handler.WithStatusReader(eng.Status))
	}
	rest := handler.NewREST(eng.Scheduler, logger, opts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWT(cfg.JWTSecret, logger))
		rest.Mount(r)
	})
	if cfg.JWTSecret == "" {
		logger.Warn("jwt_secret is empty; the API accepts unauthenticated requests")
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, eng.Ready, logger)

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(runCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("engine HTTP starting", slog.String("addr", httpSrv.Addr), slog.String("version", version.Version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-quit:
	case runErr = <-serveErr:
		logger.Error("HTTP server error", slog.String("error", runErr.Error()))
	case runErr = <-engineDone:
		if runErr != nil {
			logger.Error("engine stopped", slog.String("error", runErr.Error()))
		}
	}
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	runCancel()
	if err := eng.Close(shutCtx); err != nil {
		logger.Error("engine shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return runErr
}
