package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"onetimechat/backend/internal/attachments"
	"onetimechat/backend/internal/chathub"
	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"
	"onetimechat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

// Handler holds the collaborators behind the HTTP API.
type Handler struct {
	Hub         *chathub.ManagerService
	Storage     storage.Storage
	Attachments attachments.Store
	Clock       clockwork.Clock
	Log         *slog.Logger

	JWTSecret    []byte
	RoomLifetime time.Duration
}

func NewHandler(hub *chathub.ManagerService, s storage.Storage, att attachments.Store, jwtSecret string) *Handler {
	return &Handler{
		Hub:          hub,
		Storage:      s,
		Attachments:  att,
		Clock:        clockwork.NewRealClock(),
		Log:          logger.L(),
		JWTSecret:    []byte(jwtSecret),
		RoomLifetime: config.DefaultRoomLifetime,
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.loggingMiddleware())

	r.POST("/session", h.IssueSession)

	api := r.Group("/", h.AuthMiddleware())
	api.POST("/rooms", h.CreateRoom)
	api.GET("/codes/:code", h.ResolveCode)
	api.POST("/codes/:code/join", h.JoinByCode)

	api.GET("/rooms/:room_id", h.GetRoom)
	api.GET("/rooms/:room_id/participants", h.ListParticipants)
	api.POST("/rooms/:room_id/exit", h.ExitRoom)
	api.GET("/rooms/:room_id/messages", h.ListMessages)
	api.POST("/rooms/:room_id/messages", h.PostMessage)
	api.GET("/messages/:id", h.GetMessage)

	api.GET("/attachments/:bucket", h.ListAttachments)
	api.PUT("/attachments/:bucket/*path", h.PutAttachment)
	api.GET("/attachments/:bucket/*path", h.GetAttachment)
	api.DELETE("/attachments/:bucket/*path", h.DeleteAttachment)

	api.GET("/ws", h.ServeWebSocket)
	return r
}

func (h *Handler) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		h.Log.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// Wire codes for attachment failures.
const (
	codeAttachmentNotFound = "attachment_not_found"
	codeBadAttachment      = "invalid_attachment"
)

// writeError maps err onto a status and wire code and aborts the request.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, models.CodeForError(err)
	switch {
	case errors.Is(err, models.ErrRoomNotFound), errors.Is(err, models.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrRoomExpired):
		status = http.StatusGone
	case errors.Is(err, models.ErrRoomFull):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrInvalidMessage):
		status = http.StatusBadRequest
	case errors.Is(err, attachments.ErrNotFound):
		status, code = http.StatusNotFound, codeAttachmentNotFound
	case errors.Is(err, attachments.ErrUnknownBucket), errors.Is(err, attachments.ErrInvalidPath):
		status, code = http.StatusBadRequest, codeBadAttachment
	}

	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", "path", c.Request.URL.Path, "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
