package handler

import (
	"net/http"

	"onetimechat/backend/internal/models"

	"github.com/gin-gonic/gin"
)

// CreateRoom opens a new room and joins the caller to it.
func (h *Handler) CreateRoom(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := h.Storage.CreateRoom(ctx, h.RoomLifetime)
	if err != nil {
		h.writeError(c, err)
		return
	}
	p, err := h.Storage.JoinRoom(ctx, room.Code, sessionOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Log.Info("room created", "room", room.ID, "code", room.Code)
	c.JSON(http.StatusCreated, gin.H{
		"room_id":    room.ID,
		"code":       room.Code,
		"expires_at": room.ExpiresAt,
		"color":      p.Color,
	})
}

// ResolveCode looks a room up by join code. Expired rooms still resolve; the
// caller decides what to do with the expiry.
func (h *Handler) ResolveCode(c *gin.Context) {
	room, err := h.Storage.GetRoomByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID, "code": room.Code, "expires_at": room.ExpiresAt})
}

func (h *Handler) JoinByCode(c *gin.Context) {
	p, err := h.Storage.JoinRoom(c.Request.Context(), c.Param("code"), sessionOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": p.RoomID, "color": p.Color})
}

func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.Storage.GetRoomByID(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) ListParticipants(c *gin.Context) {
	roomID := c.Param("room_id")
	if _, err := h.requireMember(c, roomID); err != nil {
		h.writeError(c, err)
		return
	}
	list, err := h.Storage.ListParticipants(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) ExitRoom(c *gin.Context) {
	if err := h.Storage.MarkExited(c.Request.Context(), c.Param("room_id"), sessionOf(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requireMember loads the room and checks the caller has joined it.
func (h *Handler) requireMember(c *gin.Context, roomID string) (*models.Room, error) {
	ctx := c.Request.Context()
	room, err := h.Storage.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := h.Storage.GetParticipant(ctx, roomID, sessionOf(c)); err != nil {
		return nil, err
	}
	return room, nil
}

// requireActiveMember additionally rejects exited participants and expired
// rooms. Writes go through it.
func (h *Handler) requireActiveMember(c *gin.Context, roomID string) (*models.Room, error) {
	ctx := c.Request.Context()
	room, err := h.Storage.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Expired(h.Clock.Now()) {
		return nil, models.ErrRoomExpired
	}
	p, err := h.Storage.GetParticipant(ctx, roomID, sessionOf(c))
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, models.ErrNotParticipant
	}
	return room, nil
}
