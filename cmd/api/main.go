package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"parley/api/internal/app"
	"parley/api/internal/approval"
	"parley/api/internal/blob"
	"parley/api/internal/config"
	"parley/api/internal/custody"
	"parley/api/internal/email"
	"parley/api/internal/export"
	"parley/api/internal/observ"
	"parley/api/internal/realtime"
	"parley/api/internal/search"
	"parley/api/internal/session"
	"parley/api/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		logger.Fatal("create archive dir", zap.Error(err))
	}

	st := store.NewPostgresStore(db)

	sessions, err := session.NewResolver(cfg.RedisURL, st)
	if err != nil {
		logger.Fatal("connect session cache", zap.Error(err))
	}

	presence := realtime.NewPresence()
	hub := realtime.NewHub(logger, presence)
	go hub.Run()

	pgfts := search.NewPgFTS(db)
	var meili *search.Meili
	if cfg.MeiliURL != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searcher := search.NewService(meili, pgfts, logger)

	notifier := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !notifier.IsConfigured() {
		logger.Info("smtp not configured, compliance notifications disabled")
	}

	var blobs *blob.Store
	if cfg.MinioEndpoint != "" {
		blobs, err = blob.NewStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			logger.Fatal("connect attachment storage", zap.Error(err))
		}
	} else {
		logger.Info("minio not configured, attachments disabled")
	}

	deps := app.Deps{
		Store:     st,
		Sessions:  sessions,
		Hub:       hub,
		Presence:  presence,
		Search:    searcher,
		Approvals: approval.NewService(st),
		Archive:   custody.NewArchive(cfg.ArchiveDir),
		Notifier:  notifier,
		Exporter:  export.NewService(cfg.ChromeDisabled),
	}
	// A typed nil pointer in the interface field would defeat the
	// configured-storage check, so only set it when minio is up.
	if blobs != nil {
		deps.Blobs = blobs
	}
	service := app.New(cfg, logger, deps)

	httpServer := app.NewHTTPServer(service, hub, logger, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
