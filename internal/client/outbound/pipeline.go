// Package outbound sends messages from the local session. Text and image
// messages appear immediately as optimistic entries and are rolled back if
// any step fails. Voice messages are shown only once stored.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"onetimechat/backend/internal/attachments"
	"onetimechat/backend/internal/client/msgsync"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store is the durable side of a send.
type Store interface {
	InsertMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	UploadAttachment(ctx context.Context, bucket, path string, data []byte, contentType string) error
	DeleteAttachment(ctx context.Context, bucket, path string) error
}

// Timeline is the displayed message list.
type Timeline interface {
	AddOptimistic(e msgsync.Entry)
	Remove(id string) bool
	Merge(row models.Message)
}

// Reply is the message currently selected as the reply target.
type Reply struct {
	ID      string
	Kind    models.MessageKind
	Content string
}

// Image is a picked image file.
type Image struct {
	Data        []byte
	ContentType string
	// Ext is the file extension without the dot, e.g. "png".
	Ext string
}

type Pipeline struct {
	store     Store
	timeline  Timeline
	previews  *PreviewRegistry
	clock     clockwork.Clock
	log       *slog.Logger
	roomID    string
	sessionID string

	mu      sync.Mutex
	reply   *Reply
	onError func(error)
}

func NewPipeline(store Store, timeline Timeline, previews *PreviewRegistry, clock clockwork.Clock, roomID, sessionID string) *Pipeline {
	return &Pipeline{
		store:     store,
		timeline:  timeline,
		previews:  previews,
		clock:     clock,
		log:       logger.L().With("room", roomID),
		roomID:    roomID,
		sessionID: sessionID,
	}
}

// OnError registers fn to receive every send failure.
func (p *Pipeline) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

func (p *Pipeline) SetReply(r Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = &r
}

func (p *Pipeline) Reply() (Reply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reply == nil {
		return Reply{}, false
	}
	return *p.reply, true
}

func (p *Pipeline) ClearReply() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = nil
}

// draft builds a message carrying the current reply selection.
func (p *Pipeline) draft(kind models.MessageKind, content string) models.Message {
	msg := models.Message{
		ID:        uuid.NewString(),
		RoomID:    p.roomID,
		SessionID: p.sessionID,
		Kind:      kind,
		Content:   content,
		CreatedAt: p.clock.Now().UTC(),
	}
	if r, ok := p.Reply(); ok {
		id, rk, rc := r.ID, r.Kind, r.Content
		msg.ReplyTo, msg.ReplyKind, msg.ReplyContent = &id, &rk, &rc
	}
	return msg
}

// SendText shows the message optimistically and stores it.
func (p *Pipeline) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ErrInvalidMessage
	}

	msg := p.draft(models.KindText, text)
	p.timeline.AddOptimistic(msgsync.Entry{Message: msg})

	row, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		p.timeline.Remove(msg.ID)
		return p.fail(fmt.Errorf("%w: %w", models.ErrInsertFailed, err))
	}
	p.confirm(row)
	return nil
}

// SendImage shows the image from a local preview while it uploads, then
// stores the message. Any failure removes the entry and the preview.
func (p *Pipeline) SendImage(ctx context.Context, img Image, caption string) error {
	if len(img.Data) == 0 {
		return models.ErrInvalidMessage
	}

	msg := p.draft(models.KindImage, "")
	msg.Content = attachments.ObjectPath(p.roomID, msg.ID, img.Ext)
	if c := strings.TrimSpace(caption); c != "" {
		msg.Caption = &c
	}

	preview := p.previews.Create(img.Data, img.ContentType)
	p.timeline.AddOptimistic(msgsync.Entry{Message: msg, LocalPreview: preview})

	rollback := func() {
		p.timeline.Remove(msg.ID)
		p.previews.Revoke(preview)
	}

	if err := p.store.UploadAttachment(ctx, models.BucketImages, msg.Content, img.Data, img.ContentType); err != nil {
		rollback()
		return p.fail(fmt.Errorf("%w: %w", models.ErrUploadFailed, err))
	}

	row, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		p.discard(ctx, models.BucketImages, msg.Content)
		rollback()
		return p.fail(fmt.Errorf("%w: %w", models.ErrInsertFailed, err))
	}

	p.previews.Revoke(preview)
	p.confirm(row)
	return nil
}

// SendVoice uploads a finished recording and stores the message. Nothing is
// shown until the row is stored.
func (p *Pipeline) SendVoice(ctx context.Context, rec Recording) error {
	if len(rec.Data) == 0 {
		return models.ErrInvalidMessage
	}

	msg := p.draft(models.KindVoice, "")
	msg.Content = attachments.ObjectPath(p.roomID, msg.ID, VoiceExt)

	if err := p.store.UploadAttachment(ctx, models.BucketVoices, msg.Content, rec.Data, rec.ContentType); err != nil {
		return p.fail(fmt.Errorf("%w: %w", models.ErrUploadFailed, err))
	}

	row, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		p.discard(ctx, models.BucketVoices, msg.Content)
		return p.fail(fmt.Errorf("%w: %w", models.ErrInsertFailed, err))
	}
	p.confirm(row)
	return nil
}

func (p *Pipeline) confirm(row *models.Message) {
	p.timeline.Merge(*row)
	p.ClearReply()
}

// discard deletes an uploaded object whose message could not be stored.
func (p *Pipeline) discard(ctx context.Context, bucket, path string) {
	if err := p.store.DeleteAttachment(ctx, bucket, path); err != nil {
		p.log.Warn("delete orphaned attachment failed", "bucket", bucket, "path", path, "err", err)
	}
}

func (p *Pipeline) fail(err error) error {
	p.log.Error("send failed", "err", err)
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return err
}
