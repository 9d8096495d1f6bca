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

	"github.com/isdelr/q3-portal-be/internal/api"
	"github.com/isdelr/q3-portal-be/internal/backup"
	"github.com/isdelr/q3-portal-be/internal/config"
	"github.com/isdelr/q3-portal-be/internal/database"
	"github.com/isdelr/q3-portal-be/internal/logger"
	"github.com/isdelr/q3-portal-be/internal/metrics"
	"github.com/isdelr/q3-portal-be/internal/monitoring"
	"github.com/isdelr/q3-portal-be/internal/quake"
	"github.com/isdelr/q3-portal-be/internal/services"
	"github.com/isdelr/q3-portal-be/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.LogLevel, cfg.LogJSON)

	// Uploads are streamed here before the backup engine validates them
	if err := os.MkdirAll(cfg.UploadTempDir(), 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create backup upload directory")
	}

	// Set up the audit log database
	db, err := database.New(cfg.EventsDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	metrics.Register(prometheus.DefaultRegisterer)

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()

	// Set up services
	eventService := services.NewEventService(db)
	statusService := services.NewStatusService(quake.NewClient(), services.StatusServiceConfig{
		Host:         cfg.QuakeHost,
		Port:         cfg.QuakePort,
		RconPassword: cfg.RconPassword,
		Timeout:      cfg.QuakeQueryTimeout,
	}, eventService, hub)

	runner := backup.ExecRunner{}
	backupService := services.NewBackupService(
		services.BackupPaths{DataDir: cfg.DataDir(), EnvFile: cfg.EnvFile()},
		backup.NewArchiver(cfg.Archiver, runner, backup.ExtractLimits{MaxBytes: cfg.MaxExtractBytes}),
		backup.NewPostgresDumper(cfg.DatabaseURL, runner),
		eventService,
		hub,
	)

	// Background workers
	poller := monitoring.NewStatusPoller(statusService, eventService)
	go poller.Run()

	scheduler := monitoring.NewBackupScheduler(backupService)
	scheduler.Start()

	router := api.NewRouter(api.RouterConfig{
		AdminToken:  cfg.AdminToken,
		CORSOrigins: cfg.CORSOrigins,
		UploadDir:   cfg.UploadTempDir(),
	}, hub, statusService, backupService, eventService)

	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is not set, admin routes are disabled")
	}
	if cfg.RconPassword == config.DefaultRconPassword {
		log.Warn().Msg("Q3A_RCON_PASSWORD is not set, using the default password")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.ServerPort).Str("archiver", cfg.Archiver).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ListenAndServe failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	poller.Stop()
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}
