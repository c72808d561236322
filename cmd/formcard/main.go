// Package main is the entry point for the formcard server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/action"
	"github.com/pitabwire/formcard/internal/card"
	"github.com/pitabwire/formcard/internal/config"
	"github.com/pitabwire/formcard/internal/definition"
	"github.com/pitabwire/formcard/internal/hass"
	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/internal/template"
	"github.com/pitabwire/formcard/internal/transport"
	"github.com/pitabwire/formcard/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "formcard", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load and validate definitions.
	files, err := definition.LoadDirectories(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(files)
	recordDefinitions(metrics, registry)

	// Step 5: Connect to Home Assistant.
	token := os.Getenv(cfg.HomeAssistant.TokenEnv)
	if token == "" {
		logger.Error("home assistant token not set", zap.String("env", cfg.HomeAssistant.TokenEnv))
		return 1
	}
	client, err := hass.Dial(ctx, cfg.HomeAssistant, token,
		hass.WithLogger(logger),
		hass.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("home assistant connection failed", zap.Error(err))
		return 1
	}
	defer client.Close()

	states := hass.NewStateStore(logger)
	if err := states.Sync(ctx, client); err != nil {
		logger.Error("entity state sync failed", zap.Error(err))
		return 1
	}

	user, err := client.CurrentUser(ctx)
	if err != nil {
		logger.Warn("current user lookup failed", zap.Error(err))
	}

	// Step 6: Build the action dispatcher and card host.
	predicate := template.PredicateByName(cfg.Templates.Predicate)
	hub := card.NewHub(logger, metrics)

	breaker := cfg.Actions.Breaker
	caller := action.NewBreakerCaller(client, breaker.FailureThreshold, breaker.SuccessThreshold, breaker.OpenTimeout)
	dispatcher := action.NewDispatcher(client, caller,
		action.WithLogger(logger),
		action.WithEventSink(hub),
		action.WithObserver(card.MetricsObserver{Metrics: metrics}),
		action.WithSpreadPolicy(action.SpreadPolicy(cfg.Actions.SpreadPolicy)),
		action.WithPreview(cfg.Actions.Preview),
		action.WithPredicate(predicate),
		action.WithStrict(cfg.Templates.Strict),
	)

	host := card.NewHost(client, dispatcher,
		card.WithLogger(logger),
		card.WithMetrics(metrics),
		card.WithEventSink(hub),
		card.WithStates(states),
		card.WithUser(user.Name),
		card.WithPredicate(predicate),
		card.WithStrict(cfg.Templates.Strict),
		card.WithReportErrors(cfg.Templates.ReportErrors),
		card.WithPreview(cfg.Actions.Preview),
	)
	if err := host.Apply(ctx, registry.AllCards(), registry.AllRows()); err != nil {
		logger.Error("building cards failed", zap.Error(err))
		return 1
	}

	// Step 7: Build HTTP router.
	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool {
			cards, rows := registry.Len()
			return cards+rows > 0
		},
		HomeAssistant: client,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Host:      host,
		Hub:       hub,
		Validator: definition.NewValidator(),
		Logger:    logger,
		Metrics:   metrics,
		Readiness: readinessChecks,
		Token:     os.Getenv(cfg.Server.TokenEnv),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go watchReload(bgCtx, cfg.Definitions.Directories, registry, host, metrics, logger)

	// Step 9: Start HTTP server.
	cards, rows := registry.Len()
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("home_assistant", client.Version()),
		zap.Int("cards", cards),
		zap.Int("rows", rows),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal, server error or a lost Home Assistant
	// connection.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	case <-client.Done():
		logger.Error("home assistant connection lost", zap.Error(client.Err()))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Tear down template subscriptions before the connection goes away.
	if err := host.Close(shutdownCtx); err != nil {
		logger.Error("card shutdown error", zap.Error(err))
	}
	if err := states.Close(shutdownCtx); err != nil {
		logger.Error("state store shutdown error", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// watchReload reloads definitions on SIGHUP. A reload that fails to load or
// validate keeps the current definitions.
func watchReload(ctx context.Context, dirs []string, registry *definition.Registry, host *card.Host, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		files, err := loadWithRetry(ctx, dirs)
		if err != nil {
			metrics.RecordDefinitionReload("failure")
			logger.Error("definition reload failed, keeping current definitions", zap.Error(err))
			continue
		}

		previous := registry.Checksum()
		registry.Replace(files)
		if registry.Checksum() == previous {
			metrics.RecordDefinitionReload("unchanged")
			logger.Info("definitions unchanged")
			continue
		}

		if err := host.Apply(ctx, registry.AllCards(), registry.AllRows()); err != nil {
			metrics.RecordDefinitionReload("failure")
			logger.Error("applying reloaded definitions failed", zap.Error(err))
			continue
		}
		recordDefinitions(metrics, registry)
		metrics.RecordDefinitionReload("success")
		cards, rows := registry.Len()
		logger.Info("definitions reloaded", zap.Int("cards", cards), zap.Int("rows", rows))
	}
}

// loadWithRetry retries transient read errors, which editors saving files
// in place can cause. Validation errors are permanent.
func loadWithRetry(ctx context.Context, dirs []string) ([]model.DefinitionFile, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.RetryWithData(func() ([]model.DefinitionFile, error) {
		files, err := definition.LoadDirectories(dirs)
		if model.CodeOf(err) == model.ErrValidationError {
			return nil, backoff.Permanent(err)
		}
		return files, err
	}, b)
}

func recordDefinitions(metrics *observability.Metrics, registry *definition.Registry) {
	cards, rows := registry.Len()
	metrics.SetDefinitionsLoaded(card.KindCard, float64(cards))
	metrics.SetDefinitionsLoaded(card.KindRow, float64(rows))
}
