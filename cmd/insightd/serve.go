package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/insightvmi/insightd/internal/api"
	"github.com/insightvmi/insightd/internal/audit"
	"github.com/insightvmi/insightd/internal/dumpwatch"
	"github.com/insightvmi/insightd/internal/engine"
	"github.com/insightvmi/insightd/internal/findings"
	"github.com/insightvmi/insightd/internal/metrics"
)

// cmdServe runs insightd as a long-lived daemon: it starts the engine
// (reopening every dump the registry still lists as loaded), the dump
// directory watcher, and the debug/query HTTP API, then blocks until
// SIGTERM or SIGINT, exactly the shape the TripWire agent binary used for
// its watcher/transport/health-endpoint lifecycle.
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("registry_path", cfg.RegistryPath),
		slog.String("log_level", cfg.LogLevel),
		slog.String("api_addr", cfg.API.ListenAddr),
	)

	factory, err := loadFactory(cfg)
	if err != nil {
		return err
	}
	specs, err := loadSpecs(cfg)
	if err != nil {
		return err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}

	var engineOpts []engine.Option
	engineOpts = append(engineOpts, engine.WithFactory(factory), engine.WithMemSpecs(specs), engine.WithRegistry(reg))

	m := metrics.New()
	engineOpts = append(engineOpts, engine.WithMetrics(m))

	if cfg.AuditLogPath != "" {
		auditLog, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			return fmt.Errorf("open audit log %q: %w", cfg.AuditLogPath, err)
		}
		defer auditLog.Close()
		engineOpts = append(engineOpts, engine.WithAuditLog(auditLog))
		logger.Info("provenance log opened", slog.String("path", cfg.AuditLogPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var findingsStore *findings.Store
	if cfg.Findings.DSN != "" {
		batchSize := cfg.Findings.BatchSize
		if batchSize <= 0 {
			batchSize = 100
		}
		flushInterval := time.Duration(cfg.Findings.FlushIntervalSeconds) * time.Second
		if flushInterval <= 0 {
			flushInterval = 5 * time.Second
		}
		findingsStore, err = findings.Open(ctx, cfg.Findings.DSN, batchSize, flushInterval, logger)
		if err != nil {
			return fmt.Errorf("open findings store: %w", err)
		}
		defer findingsStore.Close(context.Background())
		engineOpts = append(engineOpts, engine.WithFindings(findingsStore))
		logger.Info("findings sink connected")
	}

	e := engine.New(cfg, logger, engineOpts...)
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer e.Stop()

	var registrar *dumpwatch.Registrar
	if len(cfg.DumpDirs) > 0 {
		watcher, err := dumpwatch.NewWatcher(dumpwatch.Config{Dirs: cfg.DumpDirs})
		if err != nil {
			return fmt.Errorf("start dump watcher: %w", err)
		}
		defer watcher.Stop()

		registrar = dumpwatch.NewRegistrar(watcher, reg, logger)
		registrar.Run(ctx)
		defer registrar.Stop()
		logger.Info("watching dump directories", slog.Any("dirs", cfg.DumpDirs))
	}

	pubKey, err := loadJWTPublicKey(cfg.API.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("load JWT public key: %w", err)
	}
	if pubKey == nil {
		logger.Warn("api.jwt_public_key_path not set; debug/query API is running without authentication")
	}

	srv := api.NewServer(e, findingsStore)
	router := api.NewRouter(srv, pubKey, m.Handler())

	httpServer := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("debug/query API listening", slog.String("addr", cfg.API.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", slog.Any("error", err))
	}

	logger.Info("insightd exited cleanly")
	return nil
}

// loadJWTPublicKey reads and parses an RSA public key in PEM form. It
// returns a nil key (not an error) when path is empty, so the daemon can
// run unauthenticated in local/offline setups.
func loadJWTPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key %q: %w", path, err)
	}
	return key, nil
}
