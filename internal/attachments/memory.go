package attachments

import (
	"context"
	"sort"
	"sync"
)

type object struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory. It backs local development
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]object)}
}

func (s *MemoryStore) Upload(_ context.Context, bucket, objectPath string, data []byte, contentType string) error {
	if err := CheckBucket(bucket); err != nil {
		return err
	}
	p, err := CleanPath(objectPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]object)
		s.buckets[bucket] = b
	}
	b[p] = object{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (s *MemoryStore) Download(_ context.Context, bucket, objectPath string) ([]byte, string, error) {
	if err := CheckBucket(bucket); err != nil {
		return nil, "", err
	}
	p, err := CleanPath(objectPath)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][p]
	if !ok {
		return nil, "", ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

func (s *MemoryStore) List(_ context.Context, bucket, folder string) ([]string, error) {
	if err := CheckBucket(bucket); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.buckets[bucket] {
		if inFolder(p, folder) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, bucket string, paths ...string) error {
	if err := CheckBucket(bucket); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range paths {
		if p, err := CleanPath(raw); err == nil {
			delete(s.buckets[bucket], p)
		}
	}
	return nil
}
