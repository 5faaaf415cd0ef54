package handler

import (
	"net/http"

	"onetimechat/backend/internal/models"

	"github.com/gin-gonic/gin"
)

type postMessageRequest struct {
	ID      string             `json:"id"`
	Kind    models.MessageKind `json:"kind"`
	Content string             `json:"content"`
	Caption *string            `json:"caption"`
	ReplyTo *string            `json:"reply_to"`
}

func (h *Handler) ListMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	if _, err := h.requireMember(c, roomID); err != nil {
		h.writeError(c, err)
		return
	}
	list, err := h.Storage.ListMessages(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []models.Message{}
	}
	c.JSON(http.StatusOK, list)
}

// PostMessage stores a message from the caller. A client-chosen id is kept.
func (h *Handler) PostMessage(c *gin.Context) {
	roomID := c.Param("room_id")
	if _, err := h.requireActiveMember(c, roomID); err != nil {
		h.writeError(c, err)
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, models.ErrInvalidMessage)
		return
	}
	if req.ID != "" {
		if _, err := h.Storage.GetMessage(c.Request.Context(), req.ID); err == nil {
			h.writeError(c, models.ErrInvalidMessage)
			return
		}
	}

	msg := &models.Message{
		ID:        req.ID,
		RoomID:    roomID,
		SessionID: sessionOf(c),
		Kind:      req.Kind,
		Content:   req.Content,
		Caption:   req.Caption,
		ReplyTo:   req.ReplyTo,
	}
	if err := h.Storage.SaveMessage(c.Request.Context(), msg); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) GetMessage(c *gin.Context) {
	msg, err := h.Storage.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.Storage.GetParticipant(c.Request.Context(), msg.RoomID, sessionOf(c)); err != nil {
		// Outsiders cannot tell a foreign message from a missing one.
		h.writeError(c, models.ErrMessageNotFound)
		return
	}
	c.JSON(http.StatusOK, msg)
}
