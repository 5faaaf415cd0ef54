package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Storage is the relational side: rooms, participants and messages.
type Storage interface {
	CreateRoom(ctx context.Context, lifetime time.Duration) (*models.Room, error)
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	GetRoomByID(ctx context.Context, roomID string) (*models.Room, error)
	JoinRoom(ctx context.Context, code, sessionID string) (*models.Participant, error)
	MarkExited(ctx context.Context, roomID, sessionID string) error
	GetParticipant(ctx context.Context, roomID, sessionID string) (*models.Participant, error)
	ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error)

	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	SaveMessage(ctx context.Context, msg *models.Message) error

	ListExpiredRooms(ctx context.Context, now time.Time) ([]models.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Realtime is the Redis side: room event channels and presence state.
type Realtime interface {
	PublishEvent(ctx context.Context, ev models.Event) error
	SubscribeToAllRooms(ctx context.Context) *redis.PubSub

	TrackPresence(ctx context.Context, roomID, key string, meta models.PresenceMeta) error
	TouchPresence(ctx context.Context, roomID, key string) error
	UntrackPresence(ctx context.Context, roomID, key string) error
	PresenceState(ctx context.Context, roomID string) (map[string]models.PresenceMeta, error)
	SweepPresence(ctx context.Context, roomID string, window time.Duration) ([]string, error)
}

type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	Clock clockwork.Clock
	Log   *slog.Logger

	newCode func() string
}

// NewStorageService Constructor. Either backend may be nil for tools that
// only need the other one.
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	gen, err := nanoid.CustomASCII(config.CodeAlphabet, config.CodeLength)
	if err != nil {
		panic(fmt.Sprintf("storage: invalid code alphabet: %v", err))
	}
	return &Service{
		DB:      db,
		Redis:   rdb,
		Clock:   clockwork.NewRealClock(),
		Log:     logger.L(),
		newCode: gen,
	}
}

// Migrate creates or updates the tables.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(&models.Room{}, &models.Participant{}, &models.Message{})
}

func (s *Service) now() time.Time {
	return s.Clock.Now().UTC()
}

const maxCodeAttempts = 5

// CreateRoom stores a new room with a fresh join code.
func (s *Service) CreateRoom(ctx context.Context, lifetime time.Duration) (*models.Room, error) {
	now := s.now()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := s.newCode()

		var taken int64
		if err := s.DB.WithContext(ctx).Model(&models.Room{}).Where("code = ?", code).Count(&taken).Error; err != nil {
			return nil, err
		}
		if taken > 0 {
			continue
		}

		room := &models.Room{Code: code, CreatedAt: now, ExpiresAt: now.Add(lifetime)}
		if err := s.DB.WithContext(ctx).Create(room).Error; err != nil {
			s.Log.Error("create room failed", "code", code, "err", err)
			return nil, err
		}
		return room, nil
	}
	return nil, errors.New("could not allocate a unique room code")
}

func (s *Service) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).Where("code = ?", models.NormalizeCode(code)).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Service) GetRoomByID(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// JoinRoom records sessionID as a participant of the room with the given code.
//
// Everything happens in one transaction holding a lock on the room row, so
// concurrent joins cannot push the room past capacity. Joining again with the
// same session returns the existing participant unchanged.
func (s *Service) JoinRoom(ctx context.Context, code, sessionID string) (*models.Participant, error) {
	var joined models.Participant

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.Room
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ?", models.NormalizeCode(code)).
			First(&room).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrRoomNotFound
		}
		if err != nil {
			return err
		}

		now := s.now()
		if room.Expired(now) {
			return models.ErrRoomExpired
		}

		var existing []models.Participant
		if err := tx.Where("room_id = ?", room.ID).Find(&existing).Error; err != nil {
			return err
		}

		active := 0
		used := make(map[string]bool, len(existing))
		for _, p := range existing {
			if p.SessionID == sessionID {
				joined = p
				return nil
			}
			if p.Active() {
				active++
			}
			used[p.Color] = true
		}

		if !room.Joinable(now, active, config.RoomCapacity) {
			return models.ErrRoomFull
		}

		joined = models.Participant{
			RoomID:    room.ID,
			SessionID: sessionID,
			Color:     pickColor(used, len(existing)),
			JoinedAt:  now,
		}
		return tx.Create(&joined).Error
	})
	if err != nil {
		return nil, err
	}
	return &joined, nil
}

func pickColor(used map[string]bool, n int) string {
	for _, c := range config.ParticipantColors {
		if !used[c] {
			return c
		}
	}
	return config.ParticipantColors[n%len(config.ParticipantColors)]
}

// MarkExited stamps the participant's exit time.
func (s *Service) MarkExited(ctx context.Context, roomID, sessionID string) error {
	res := s.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("room_id = ? AND session_id = ?", roomID, sessionID).
		Update("exited_at", s.now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotParticipant
	}
	return nil
}

func (s *Service) GetParticipant(ctx context.Context, roomID, sessionID string) (*models.Participant, error) {
	var p models.Participant
	err := s.DB.WithContext(ctx).Where("room_id = ? AND session_id = ?", roomID, sessionID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	var list []models.Participant
	if err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at asc").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ListExpiredRooms returns rooms whose expiry is at or before now.
func (s *Service) ListExpiredRooms(ctx context.Context, now time.Time) ([]models.Room, error) {
	var rooms []models.Room
	if err := s.DB.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// DeleteRoom removes the room with its messages and participants, and drops
// any presence state left in Redis.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Participant{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", roomID).Delete(&models.Room{}).Error
	})
	if err != nil {
		return err
	}

	if s.Redis != nil {
		if err := s.Redis.Del(ctx, presenceKey(roomID), seenKey(roomID)).Err(); err != nil {
			s.Log.Warn("drop presence state failed", "room", roomID, "err", err)
		}
	}
	return nil
}
