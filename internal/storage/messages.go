package storage

import (
	"context"
	"errors"

	"onetimechat/backend/internal/models"

	"gorm.io/gorm"
)

// ListMessages returns the room's messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var list []models.Message
	err := s.DB.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at asc").Order("id asc").
		Find(&list).Error
	if err != nil {
		s.Log.Error("list messages failed", "room", roomID, "err", err)
		return nil, err
	}
	return list, nil
}

// GetMessage returns one message including its reply preview.
func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SaveMessage inserts msg and announces it on the room channel.
//
// A client-supplied ID is kept, so the sender can match the confirmed row to
// its optimistic entry by identifier. The reply preview is resolved here,
// once, from the target row in the same room.
func (s *Service) SaveMessage(ctx context.Context, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	msg.ReplyKind, msg.ReplyContent = nil, nil
	if msg.ReplyTo != nil && *msg.ReplyTo != "" {
		var target models.Message
		err := s.DB.WithContext(ctx).Where("id = ? AND room_id = ?", *msg.ReplyTo, msg.RoomID).First(&target).Error
		switch {
		case err == nil:
			kind, content := target.Kind, target.Content
			msg.ReplyKind, msg.ReplyContent = &kind, &content
		case errors.Is(err, gorm.ErrRecordNotFound):
			msg.ReplyTo = nil
		default:
			return err
		}
	} else {
		msg.ReplyTo = nil
	}

	msg.CreatedAt = s.now()
	if err := s.DB.WithContext(ctx).Create(msg).Error; err != nil {
		s.Log.Error("save message failed", "room", msg.RoomID, "err", err)
		return err
	}

	if s.Redis == nil {
		return nil
	}
	ev := models.Event{
		Type:   models.EventInsert,
		RoomID: msg.RoomID,
		Record: &models.InsertRecord{
			ID:        msg.ID,
			RoomID:    msg.RoomID,
			SessionID: msg.SessionID,
			Kind:      msg.Kind,
		},
	}
	// The row is durable at this point; a lost notification is patched by
	// the client's history re-fetch.
	if err := s.PublishEvent(ctx, ev); err != nil {
		s.Log.Warn("publish insert failed", "room", msg.RoomID, "msg", msg.ID, "err", err)
	}
	return nil
}
