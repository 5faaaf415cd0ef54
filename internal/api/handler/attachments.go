package handler

import (
	"io"
	"net/http"

	"onetimechat/backend/internal/attachments"

	"github.com/gin-gonic/gin"
)

const maxAttachmentSize = 10 << 20

// attachmentTarget validates the bucket and path from the URL and checks the
// caller belongs to the room named by the path's first segment.
func (h *Handler) attachmentTarget(c *gin.Context, write bool) (string, string, error) {
	bucket := c.Param("bucket")
	if err := attachments.CheckBucket(bucket); err != nil {
		return "", "", err
	}
	p, err := attachments.CleanPath(c.Param("path"))
	if err != nil {
		return "", "", err
	}
	roomID := attachments.RoomFolder(p)
	if roomID == "" {
		return "", "", attachments.ErrInvalidPath
	}
	if write {
		_, err = h.requireActiveMember(c, roomID)
	} else {
		_, err = h.requireMember(c, roomID)
	}
	if err != nil {
		return "", "", err
	}
	return bucket, p, nil
}

func (h *Handler) PutAttachment(c *gin.Context) {
	bucket, p, err := h.attachmentTarget(c, true)
	if err != nil {
		h.writeError(c, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxAttachmentSize))
	if err != nil || len(data) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": codeBadAttachment})
		return
	}
	contentType := c.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.Attachments.Upload(c.Request.Context(), bucket, p, data, contentType); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bucket": bucket, "path": p})
}

func (h *Handler) GetAttachment(c *gin.Context) {
	bucket, p, err := h.attachmentTarget(c, false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	data, contentType, err := h.Attachments.Download(c.Request.Context(), bucket, p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *Handler) DeleteAttachment(c *gin.Context) {
	bucket, p, err := h.attachmentTarget(c, false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.Attachments.Delete(c.Request.Context(), bucket, p); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAttachments lists one room's folder; folder is the room id.
func (h *Handler) ListAttachments(c *gin.Context) {
	bucket := c.Param("bucket")
	if err := attachments.CheckBucket(bucket); err != nil {
		h.writeError(c, err)
		return
	}
	folder := c.Query("folder")
	if _, err := h.requireMember(c, folder); err != nil {
		h.writeError(c, err)
		return
	}
	paths, err := h.Attachments.List(c.Request.Context(), bucket, folder)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	c.JSON(http.StatusOK, paths)
}
