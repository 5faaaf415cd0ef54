package outbound

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewRegistry holds local copies of images that are still uploading.
// Every reference it creates must eventually be revoked.
type PreviewRegistry struct {
	mu    sync.Mutex
	items map[string]preview
}

type preview struct {
	data        []byte
	contentType string
}

func NewPreviewRegistry() *PreviewRegistry {
	return &PreviewRegistry{items: make(map[string]preview)}
}

// Create stores data and returns a reference to it.
func (r *PreviewRegistry) Create(data []byte, contentType string) string {
	ref := "preview:" + uuid.NewString()
	r.mu.Lock()
	r.items[ref] = preview{data: data, contentType: contentType}
	r.mu.Unlock()
	return ref
}

func (r *PreviewRegistry) Get(ref string) ([]byte, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[ref]
	return p.data, p.contentType, ok
}

// Revoke releases ref. Revoking twice is harmless.
func (r *PreviewRegistry) Revoke(ref string) {
	r.mu.Lock()
	delete(r.items, ref)
	r.mu.Unlock()
}

// Len is the number of live references.
func (r *PreviewRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
