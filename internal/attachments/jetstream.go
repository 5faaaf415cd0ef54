package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamStore keeps each attachment bucket in a NATS JetStream object
// store of the same name.
type JetStreamStore struct {
	conn *nats.Conn
	js   jetstream.JetStream

	mu     sync.Mutex
	stores map[string]jetstream.ObjectStore
}

func NewJetStreamStore(natsURL string) (*JetStreamStore, error) {
	conn, err := nats.Connect(natsURL, nats.Name("onetimechat-attachments"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamStore{
		conn:   conn,
		js:     js,
		stores: make(map[string]jetstream.ObjectStore),
	}, nil
}

// Close drains the NATS connection.
func (s *JetStreamStore) Close() error {
	return s.conn.Drain()
}

// bucket opens the object store for name, creating it on first use.
func (s *JetStreamStore) bucket(ctx context.Context, name string) (jetstream.ObjectStore, error) {
	if err := CheckBucket(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store, nil
	}

	store, err := s.js.ObjectStore(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		store, err = s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      name,
			Description: "chat attachments",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open object store %s: %w", name, err)
	}
	s.stores[name] = store
	return store, nil
}

func (s *JetStreamStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) error {
	p, err := CleanPath(objectPath)
	if err != nil {
		return err
	}
	store, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}

	meta := jetstream.ObjectMeta{
		Name:    p,
		Headers: nats.Header{"Content-Type": []string{contentType}},
	}
	if _, err := store.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to store object: %w", err)
	}
	return nil
}

func (s *JetStreamStore) Download(ctx context.Context, bucket, objectPath string) ([]byte, string, error) {
	p, err := CleanPath(objectPath)
	if err != nil {
		return nil, "", err
	}
	store, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, "", err
	}

	result, err := store.Get(ctx, p)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get object: %w", err)
	}
	defer result.Close()

	data, err := io.ReadAll(result)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object data: %w", err)
	}
	info, err := result.Info()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get object info: %w", err)
	}
	return data, contentTypeOf(info.Headers), nil
}

func (s *JetStreamStore) List(ctx context.Context, bucket, folder string) ([]string, error) {
	store, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	infos, err := store.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	var out []string
	for _, info := range infos {
		if !info.Deleted && inFolder(info.Name, folder) {
			out = append(out, info.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *JetStreamStore) Delete(ctx context.Context, bucket string, paths ...string) error {
	store, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	for _, raw := range paths {
		p, err := CleanPath(raw)
		if err != nil {
			continue
		}
		if err := store.Delete(ctx, p); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
			return fmt.Errorf("failed to delete object %s: %w", p, err)
		}
	}
	return nil
}

func contentTypeOf(headers nats.Header) string {
	if headers != nil {
		if ct := headers.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}
