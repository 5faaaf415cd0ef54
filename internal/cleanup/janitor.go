// Package cleanup hard-deletes rooms whose lifetime is over.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"onetimechat/backend/internal/attachments"
	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"
	"onetimechat/backend/internal/storage"

	"github.com/jonboulle/clockwork"
)

type Janitor struct {
	Storage     storage.Storage
	Attachments attachments.Store
	Clock       clockwork.Clock
	Interval    time.Duration
	Log         *slog.Logger
}

func NewJanitor(s storage.Storage, att attachments.Store) *Janitor {
	return &Janitor{
		Storage:     s,
		Attachments: att,
		Clock:       clockwork.NewRealClock(),
		Interval:    config.DefaultCleanupInterval,
		Log:         logger.L(),
	}
}

// RunOnce deletes every expired room with its rows and attachment folders.
// A failing room does not stop the others; their errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	rooms, err := j.Storage.ListExpiredRooms(ctx, j.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired rooms: %w", err)
	}

	var (
		deleted int
		errs    []error
	)
	for _, room := range rooms {
		if err := j.purge(ctx, room); err != nil {
			j.Log.Error("room cleanup failed", "room", room.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		j.Log.Info("expired rooms deleted", "count", deleted)
	}
	return deleted, errors.Join(errs...)
}

func (j *Janitor) purge(ctx context.Context, room models.Room) error {
	if err := j.Storage.DeleteRoom(ctx, room.ID); err != nil {
		return fmt.Errorf("delete room %s: %w", room.ID, err)
	}
	if j.Attachments == nil {
		return nil
	}
	for _, bucket := range models.Buckets {
		paths, err := j.Attachments.List(ctx, bucket, room.ID)
		if err != nil {
			return fmt.Errorf("list %s/%s: %w", bucket, room.ID, err)
		}
		if len(paths) == 0 {
			continue
		}
		if err := j.Attachments.Delete(ctx, bucket, paths...); err != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, room.ID, err)
		}
	}
	return nil
}

// Run calls RunOnce every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := j.Clock.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if _, err := j.RunOnce(ctx); err != nil {
				j.Log.Warn("cleanup pass incomplete", "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
