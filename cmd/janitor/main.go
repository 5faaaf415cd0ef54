package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"onetimechat/backend/internal/attachments"
	"onetimechat/backend/internal/cleanup"
	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: janitor <once|run>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(logger.Config{
		Service: "onetimechat-janitor",
		Env:     logger.Env(cfg.AppEnv),
		Backend: logger.Backend(cfg.LogBackend),
		Debug:   cfg.LogDebug,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Error("failed to connect database", "err", err)
		os.Exit(1)
	}
	// Redis only holds presence keys to drop with the room.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	var att attachments.Store = attachments.NewMemoryStore()
	if cfg.AttachmentBackend == "nats" {
		js, err := attachments.NewJetStreamStore(cfg.NATSURL)
		if err != nil {
			log.Error("failed to connect NATS", "err", err)
			os.Exit(1)
		}
		defer js.Close()
		att = js
	}

	janitor := cleanup.NewJanitor(storage.NewStorageService(db, rdb), att)
	janitor.Interval = cfg.CleanupInterval

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "once":
		n, err := janitor.RunOnce(ctx)
		if err != nil {
			log.Error("cleanup incomplete", "deleted", n, "err", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted %d expired rooms.\n", n)
	case "run":
		log.Info("janitor started", "interval", janitor.Interval)
		_ = janitor.Run(ctx)
	default:
		fmt.Println("Unknown command")
		os.Exit(1)
	}
}
