package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/liamcoop/rulesets/internal/logger"
)

// DefaultContentBucket is the JetStream KV bucket holding rule content
const DefaultContentBucket = "ruleset_content"

// NATSContentStore implements ContentStore on a JetStream key-value bucket.
// JetStream applies TTL per bucket, so every entry expires after the bucket
// TTL regardless of the ttl passed to Put.
type NATSContentStore struct {
	bucket jetstream.KeyValue
	ttl    time.Duration
}

var (
	_ ContentStore = (*NATSContentStore)(nil)
	_ ExpiryReader = (*NATSContentStore)(nil)
)

// NewNATSContentStore creates (or updates) the bucket with the given TTL
func NewNATSContentStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSContentStore, error) {
	if bucket == "" {
		bucket = DefaultContentBucket
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "rule set content",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create content bucket %s: %w", bucket, err)
	}

	return &NATSContentStore{bucket: kv, ttl: ttl}, nil
}

func (s *NATSContentStore) Put(ctx context.Context, id, content string, ttl time.Duration) error {
	if ttl != s.ttl {
		logger.Debug("content ttl differs from bucket ttl, using bucket ttl",
			"ruleset_id", id, "requested", ttl, "bucket", s.ttl)
	}

	if _, err := s.bucket.Put(ctx, id, []byte(content)); err != nil {
		return fmt.Errorf("failed to store content for %s: %w", id, err)
	}
	return nil
}

func (s *NATSContentStore) Get(ctx context.Context, id string) (string, error) {
	entry, err := s.bucket.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return "", fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get content for %s: %w", id, err)
	}
	return string(entry.Value()), nil
}

// ExpiresAt is the entry's write time plus the bucket TTL
func (s *NATSContentStore) ExpiresAt(ctx context.Context, id string) (time.Time, error) {
	entry, err := s.bucket.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return time.Time{}, fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get content for %s: %w", id, err)
	}
	if s.ttl <= 0 {
		return time.Time{}, nil
	}
	return entry.Created().Add(s.ttl), nil
}

func (s *NATSContentStore) Delete(ctx context.Context, id string) error {
	err := s.bucket.Purge(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete content for %s: %w", id, err)
	}
	return nil
}
