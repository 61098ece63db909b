package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/PratikDhanave/factory-events-service/internal/analytics"
	"github.com/PratikDhanave/factory-events-service/internal/config"
	"github.com/PratikDhanave/factory-events-service/internal/httpserver"
	"github.com/PratikDhanave/factory-events-service/internal/logger"
	"github.com/PratikDhanave/factory-events-service/internal/mqttingest"
	"github.com/PratikDhanave/factory-events-service/internal/reconcile"
	"github.com/PratikDhanave/factory-events-service/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run boots the service: config → logger → store → engine → HTTP (+ MQTT).
func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a config file (default: ./config.yaml if present)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting factory events service",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Database.Driver),
		zap.Duration("future_horizon", cfg.Ingest.FutureHorizon),
	)
	logger.Debug("Effective configuration",
		zap.Strings("cors_origins", cfg.Server.CORSOrigins),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		zap.String("mqtt_topic", cfg.MQTT.Topic),
		zap.Int("mqtt_workers", cfg.MQTT.Workers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Schema is ensured on open so `docker compose up --build` is enough.
	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	st, err := store.Open(openCtx, cfg.Database.StoreOptions())
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	engine := reconcile.New(st, reconcile.Options{
		FutureHorizon: cfg.Ingest.FutureHorizon,
		Logger:        logger.Named("reconcile"),
	})

	if cfg.MQTT.Enabled {
		sub, err := mqttingest.New(engine, mqttingest.Options{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
			Workers:  cfg.MQTT.Workers,
			Logger:   logger.Named("mqtt"),
		})
		if err != nil {
			return err
		}
		if err := sub.Start(); err != nil {
			return err
		}
		defer sub.Stop()
	}

	router := httpserver.NewRouter(cfg.Server, httpserver.Deps{
		Batches: engine,
		Events:  st,
		Stats:   analytics.New(st),
		Store:   st,
		Logger:  logger.L(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete",
			zap.Duration("timeout", cfg.Server.ShutdownTimeout),
			zap.Error(err),
		)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
