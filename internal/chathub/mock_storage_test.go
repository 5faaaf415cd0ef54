package chathub_test

import (
	"context"
	"time"

	"onetimechat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
)

type MockRealtime struct {
	mock.Mock
}

func (m *MockRealtime) PublishEvent(ctx context.Context, ev models.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockRealtime) SubscribeToAllRooms(ctx context.Context) *redis.PubSub {
	args := m.Called(ctx)
	return args.Get(0).(*redis.PubSub)
}

func (m *MockRealtime) TrackPresence(ctx context.Context, roomID, key string, meta models.PresenceMeta) error {
	args := m.Called(ctx, roomID, key, meta)
	return args.Error(0)
}

func (m *MockRealtime) TouchPresence(ctx context.Context, roomID, key string) error {
	args := m.Called(ctx, roomID, key)
	return args.Error(0)
}

func (m *MockRealtime) UntrackPresence(ctx context.Context, roomID, key string) error {
	args := m.Called(ctx, roomID, key)
	return args.Error(0)
}

func (m *MockRealtime) PresenceState(ctx context.Context, roomID string) (map[string]models.PresenceMeta, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]models.PresenceMeta), args.Error(1)
}

func (m *MockRealtime) SweepPresence(ctx context.Context, roomID string, window time.Duration) ([]string, error) {
	args := m.Called(ctx, roomID, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
