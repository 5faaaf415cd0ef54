// Package storagetest builds a storage.Service over in-memory SQLite and
// miniredis for tests in other packages.
package storagetest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"onetimechat/backend/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type Env struct {
	Storage *storage.Service
	Clock   clockwork.FakeClock
	Redis   *miniredis.Miniredis
	DB      *gorm.DB
}

// New returns a migrated storage service with a fake clock at Epoch.
func New(t *testing.T) *Env {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	// One connection serialises transactions, which SQLite needs anyway.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClockAt(Epoch)
	s := storage.NewStorageService(db, rdb)
	s.Clock = clock
	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return &Env{Storage: s, Clock: clock, Redis: mr, DB: db}
}
