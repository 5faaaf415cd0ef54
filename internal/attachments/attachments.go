// Package attachments stores voice and image payloads referenced by messages.
package attachments

import (
	"context"
	"errors"
	"path"
	"strings"

	"onetimechat/backend/internal/models"
)

var (
	ErrNotFound      = errors.New("attachment not found")
	ErrUnknownBucket = errors.New("unknown attachment bucket")
	ErrInvalidPath   = errors.New("invalid attachment path")
)

// Store is a set of named buckets holding opaque objects addressed by path.
type Store interface {
	Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, objectPath string) ([]byte, string, error)
	// List returns the paths of every object below folder.
	List(ctx context.Context, bucket, folder string) ([]string, error)
	// Delete removes the given paths. Missing objects are skipped.
	Delete(ctx context.Context, bucket string, paths ...string) error
}

// ObjectPath is where a message's payload lives: <room>/<message>.<ext>.
func ObjectPath(roomID, messageID, ext string) string {
	return roomID + "/" + messageID + "." + strings.TrimPrefix(ext, ".")
}

// RoomFolder returns the room component of an object path.
func RoomFolder(objectPath string) string {
	dir, _ := path.Split(objectPath)
	return strings.TrimSuffix(dir, "/")
}

// CheckBucket rejects buckets other than the attachment buckets.
func CheckBucket(bucket string) error {
	for _, b := range models.Buckets {
		if b == bucket {
			return nil
		}
	}
	return ErrUnknownBucket
}

// CleanPath normalises an object path and rejects traversal or empty names.
func CleanPath(objectPath string) (string, error) {
	p := strings.TrimPrefix(path.Clean("/"+objectPath), "/")
	if p == "" || p == "." || strings.Contains(objectPath, "..") {
		return "", ErrInvalidPath
	}
	return p, nil
}

func inFolder(objectPath, folder string) bool {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return true
	}
	return strings.HasPrefix(objectPath, folder+"/")
}
