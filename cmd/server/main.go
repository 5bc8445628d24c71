package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agjmills/cloudfiles/internal/config"
	"github.com/agjmills/cloudfiles/internal/database"
	"github.com/agjmills/cloudfiles/internal/files"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/routes"
	"github.com/agjmills/cloudfiles/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Env)

	logger.Info("configuration loaded",
		"max_upload", humanize.IBytes(uint64(cfg.MaxUploadSize)),
		"default_quota", humanize.IBytes(uint64(cfg.DefaultUserQuota)),
		"storage_backend", cfg.StorageBackend,
		"env", cfg.Env,
	)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store, err := storage.NewBackendFromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	validateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.ValidateAccess(validateCtx)
	cancel()
	if err != nil {
		log.Fatalf("Storage backend is not usable: %v", err)
	}

	sweeper := files.NewSweeper(db, store, cfg.OrphanSweepInterval, cfg.OrphanGracePeriod)
	sweeper.Start()

	r := chi.NewRouter()
	versionInfo := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	routes.Setup(r, db, cfg, store, versionInfo)

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting cloudfiles server",
			"address", addr,
			"environment", cfg.Env,
			"version", versionInfo,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String(), "timeout", cfg.ShutdownTimeout)
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	sweeper.Shutdown()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("server stopped")
}
