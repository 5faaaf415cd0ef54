package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onetimechat/backend/internal/api/handler"
	"onetimechat/backend/internal/attachments"
	"onetimechat/backend/internal/chathub"
	"onetimechat/backend/internal/cleanup"
	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var version = "dev"

func setupDependencies(cfg *config.Config) (*gorm.DB, *redis.Client, attachments.Store) {
	log := logger.L()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Error("failed to connect PostgreSQL", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Error("failed to connect Redis", "err", err)
		os.Exit(1)
	}

	var att attachments.Store = attachments.NewMemoryStore()
	if cfg.AttachmentBackend == "nats" {
		js, err := attachments.NewJetStreamStore(cfg.NATSURL)
		if err != nil {
			log.Error("failed to connect NATS", "err", err)
			os.Exit(1)
		}
		att = js
	}

	log.Info("database, redis and attachment store ready", "attachments", cfg.AttachmentBackend)
	return db, rdb, att
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logger.Init(logger.Config{
		Service: "onetimechat-server",
		Version: version,
		Env:     logger.Env(cfg.AppEnv),
		Backend: logger.Backend(cfg.LogBackend),
		Debug:   cfg.LogDebug,
	})
	if !cfg.LogDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	db, rdb, att := setupDependencies(cfg)
	s := storage.NewStorageService(db, rdb)
	if err := s.Migrate(); err != nil {
		log.Error("failed to run migrations", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := chathub.NewManagerService(s)
	hub.PresenceWindow = cfg.PresenceWindow
	go hub.Run(ctx)

	janitor := cleanup.NewJanitor(s, att)
	janitor.Interval = cfg.CleanupInterval
	go func() { _ = janitor.Run(ctx) }()

	h := handler.NewHandler(hub, s, att, cfg.JWTSecret)
	h.RoomLifetime = cfg.RoomLifetime

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        handler.NewRouter(h),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
	<-hub.Done()
	log.Info("shutdown complete")
}
