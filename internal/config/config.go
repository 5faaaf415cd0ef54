package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server settings read from the environment.
type Config struct {
	HTTPAddr string

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL           string
	AttachmentBackend string // nats|memory

	JWTSecret string

	RoomLifetime    time.Duration
	CleanupInterval time.Duration
	PresenceWindow  time.Duration

	AppEnv     string
	LogBackend string
	LogDebug   bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded", "err", err)
	}

	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		AttachmentBackend: strings.ToLower(getEnv("ATTACHMENT_BACKEND", "nats")),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AppEnv:            os.Getenv("APP_ENV"),
		LogBackend:        os.Getenv("LOG_BACKEND"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RoomLifetime, err = getDuration("ROOM_LIFETIME", DefaultRoomLifetime); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", DefaultCleanupInterval); err != nil {
		return nil, err
	}
	if cfg.PresenceWindow, err = getDuration("PRESENCE_WINDOW", DefaultPresenceWindow); err != nil {
		return nil, err
	}
	cfg.LogDebug, _ = strconv.ParseBool(os.Getenv("LOG_DEBUG"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.AttachmentBackend != "nats" && c.AttachmentBackend != "memory" {
		return fmt.Errorf("ATTACHMENT_BACKEND must be nats or memory, got %q", c.AttachmentBackend)
	}
	if c.RoomLifetime <= 0 {
		return errors.New("ROOM_LIFETIME must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
