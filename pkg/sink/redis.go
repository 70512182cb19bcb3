package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces harvested documents in Redis.
const DefaultKeyPrefix = "harvester"

// Key identifies a stored document in Redis.
type Key struct {
	// Prefix namespaces the key (default "harvester")
	Prefix string

	// Collection is the harvested collection name
	Collection string
}

// String generates the document key.
// Format: prefix:collection
//
// Example:
//
//	harvester:character
func (k Key) String() string {
	prefix := strings.Trim(k.Prefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + ":" + k.Collection
}

// Meta returns the key of the metadata hash stored next to the document.
func (k Key) Meta() string {
	return k.String() + ":meta"
}

// RedisSink publishes documents to Redis, next to a metadata hash with the
// record count, page count, run id and write time.
type RedisSink struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a Redis sink. A ttl of zero keeps documents forever.
func NewRedisSink(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisSink{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Write stores the document and its metadata atomically.
func (s *RedisSink) Write(ctx context.Context, doc Document) (string, error) {
	key := Key{Prefix: s.prefix, Collection: doc.Collection}
	err := s.write(ctx, key, doc)
	if err := observe("redis", doc, err); err != nil {
		return "", err
	}
	return "redis://" + key.String(), nil
}

func (s *RedisSink) write(ctx context.Context, key Key, doc Document) error {
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, key.String(), doc.Data, s.ttl)
	pipe.Del(ctx, key.Meta())
	pipe.HSet(ctx, key.Meta(),
		"run_id", doc.RunID,
		"records", doc.Records,
		"pages", doc.Pages,
		"bytes", len(doc.Data),
		"written_at", time.Now().UTC().Format(time.RFC3339),
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, key.Meta(), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

// Get reads a stored document back. It returns redis.Nil if none exists.
func (s *RedisSink) Get(ctx context.Context, collection string) ([]byte, error) {
	key := Key{Prefix: s.prefix, Collection: collection}
	data, err := s.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		return nil, err
	}
	return data, nil
}
