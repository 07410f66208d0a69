// Package landing writes raw ingested records to durable object storage,
// keyed by source/entity/date/content-hash so any record can be replayed.
package landing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chronicle/ingest-core/internal/core"
)

// ObjectStore abstracts the minimal object operations the landing zone
// needs. Backed by MinIO/S3 in production and the local filesystem in
// dev/tests.
type ObjectStore interface {
	Ping(ctx context.Context) error
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Store is the raw landing zone.
type Store struct {
	store  ObjectStore
	bucket string
	prefix string
}

// NewStore creates a landing store over an object store.
func NewStore(store ObjectStore, bucket, prefix string) *Store {
	if bucket == "" {
		bucket = "landing"
	}
	return &Store{store: store, bucket: bucket, prefix: prefix}
}

// NewStoreFromEnv builds a landing store using MINIO_* settings, falling
// back to a local filesystem store for dev.
func NewStoreFromEnv(bucket, prefix string) (*Store, error) {
	endpoint := getenv("MINIO_ENDPOINT", "")
	access := getenv("MINIO_ACCESS_KEY", "")
	secret := getenv("MINIO_SECRET_KEY", "")
	useSSL := getenv("MINIO_USE_SSL", "false") == "true"

	var store ObjectStore
	if endpoint != "" && access != "" && secret != "" {
		client, err := NewS3Store(S3Config{
			Endpoint:  endpoint,
			AccessKey: access,
			SecretKey: secret,
			UseSSL:    useSSL,
		})
		if err != nil {
			return nil, err
		}
		store = client
	} else {
		store = NewLocalStore(filepath.Join(os.TempDir(), "landing"))
	}
	return NewStore(store, bucket, prefix), nil
}

// Put lands one raw record. The key is deterministic over content, so
// replaying a page overwrites identical objects instead of duplicating.
func (s *Store) Put(ctx context.Context, rec *core.RawRecord) (string, error) {
	if err := s.store.EnsureBucket(ctx, s.bucket); err != nil {
		return "", core.Transient(err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", core.Permanent(fmt.Errorf("marshal record: %w", err))
	}
	key := s.Key(rec)
	if err := s.store.PutObject(ctx, s.bucket, key, data); err != nil {
		return "", core.Transient(err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get reads a landed record back by key.
func (s *Store) Get(ctx context.Context, key string) (*core.RawRecord, error) {
	data, err := s.store.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, core.Transient(err)
	}
	var rec core.RawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.Permanent(fmt.Errorf("decode landed record: %w", err))
	}
	return &rec, nil
}

// Key returns the landing key for a record:
// <prefix>/<source>/<entity>/<yyyy-mm-dd>/<content_hash>.json
func (s *Store) Key(rec *core.RawRecord) string {
	date := rec.EffectiveTime().UTC().Format("2006-01-02")
	parts := []string{s.prefix, rec.SourceID, rec.EntityID, date, rec.ContentHash + ".json"}
	return strings.Trim(strings.Join(parts, "/"), "/")
}

// List returns landed keys under source/entity (and optional date).
func (s *Store) List(ctx context.Context, sourceID, entityID, date string) ([]string, error) {
	parts := []string{s.prefix, sourceID, entityID}
	if date != "" {
		parts = append(parts, date)
	}
	prefix := strings.Trim(strings.Join(parts, "/"), "/")
	keys, err := s.store.ListPrefix(ctx, s.bucket, prefix)
	if err != nil {
		return nil, core.Transient(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
