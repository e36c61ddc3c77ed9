package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"worksite/api/internal/app"
	"worksite/api/internal/authpw"
	"worksite/api/internal/backup"
	"worksite/api/internal/config"
	"worksite/api/internal/email"
	"worksite/api/internal/journal"
	"worksite/api/internal/localcache"
	"worksite/api/internal/remote"
	"worksite/api/internal/search"
	"worksite/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if dir := filepath.Dir(cfg.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create cache dir: %v", err)
		}
	}
	cache, err := localcache.Open(cfg.CachePath)
	if err != nil {
		log.Fatalf("local cache failed: %v", err)
	}

	// Shared store selection: Redis wins when both are configured,
	// neither means local-only single user mode.
	var shared remote.Store
	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		log.Printf("Using Redis as the shared store")
		rs, err := remote.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		shared = rs
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		log.Printf("Using PostgreSQL as the shared store")
		ps, err := remote.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		shared = ps
	default:
		log.Printf("No shared store configured, running local-only")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient)

	var uploader *backup.Uploader
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploader, err = backup.New(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Printf("WARNING: object storage unavailable, snapshots disabled: %v", err)
		}
	}

	var users *authpw.Service
	if shared != nil {
		users = authpw.NewService(shared, cfg.TokenSecret, cfg.AdminEmail, cfg.AccessTTL)
	}

	var jnl *journal.Service
	if strings.TrimSpace(cfg.JournalDir) != "" {
		jnl = journal.New(cfg.JournalDir)
	}

	var mailer *email.Service
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	service := app.New(cfg, store.New(), cache, shared, searchService, uploader, users, jnl, mailer)
	defer service.Close()
	if err := service.Load(ctx); err != nil {
		log.Printf("WARNING: initial load failed (starting empty): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: the events endpoint holds connections open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Worksite API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
