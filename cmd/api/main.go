package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quill/api/internal/app"
	"quill/api/internal/archive"
	"quill/api/internal/cache"
	"quill/api/internal/config"
	"quill/api/internal/export"
	"quill/api/internal/genai"
	"quill/api/internal/search"
	"quill/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Dependencies{}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the workspace cache")
		redisStore, err := cache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Cache = redisStore
	} else {
		log.Printf("Using in-process workspace cache")
		deps.Cache = cache.NewMemoryStore()
	}

	pgFallback := search.NewPG(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, pgFallback)

	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		deps.Generator = genai.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel, cfg.GenMaxTokens, cfg.GenTimeout)
	} else {
		log.Printf("OPENAI_API_KEY not set, section patching disabled")
	}

	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			log.Fatalf("failed to create archive dir: %v", err)
		}
		deps.Archive = archive.New(cfg.ArchiveDir)
	}

	var objects *export.ObjectStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err = export.NewObjectStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Printf("WARNING: object storage unavailable, exports stay inline: %v", err)
			objects = nil
		}
	}
	deps.Export = export.NewService(app.NewExportStore(dataStore), objects)

	service := app.New(dataStore, deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Quill API listening on %s", cfg.Addr)
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
