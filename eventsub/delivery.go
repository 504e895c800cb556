package eventsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long a delivery id is remembered.
const DefaultDedupTTL = 5 * time.Minute

// DeliverySet remembers recently processed delivery ids.
type DeliverySet interface {
	// MarkSeen records id and reports whether this is its first sighting
	// within the TTL.
	MarkSeen(ctx context.Context, id string) (bool, error)
}

// MemoryDeliverySet is a process-local DeliverySet. Entries older than the
// TTL are pruned once the set grows past its size threshold.
type MemoryDeliverySet struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	seen    map[string]time.Time
	now     func() time.Time
}

// NewMemoryDeliverySet returns a set with the given TTL and prune threshold
// (defaults 5m and 1000).
func NewMemoryDeliverySet(ttl time.Duration, maxSize int) *MemoryDeliverySet {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryDeliverySet{ttl: ttl, maxSize: maxSize, seen: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces time.Now (tests).
func (s *MemoryDeliverySet) WithClock(now func() time.Time) *MemoryDeliverySet {
	s.now = now
	return s
}

func (s *MemoryDeliverySet) MarkSeen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if at, ok := s.seen[id]; ok && now.Sub(at) < s.ttl {
		return false, nil
	}
	s.seen[id] = now
	if len(s.seen) > s.maxSize {
		for k, at := range s.seen {
			if now.Sub(at) >= s.ttl {
				delete(s.seen, k)
			}
		}
	}
	return true, nil
}

// Len reports the number of remembered ids.
func (s *MemoryDeliverySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RedisDeliverySet shares delivery ids between replicas with SET NX + TTL.
type RedisDeliverySet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeliverySet connects to redisURL and verifies the connection.
func NewRedisDeliverySet(ctx context.Context, redisURL string, ttl time.Duration) (*RedisDeliverySet, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisDeliverySetWithClient(client, ttl), nil
}

// NewRedisDeliverySetWithClient wraps an existing client.
func NewRedisDeliverySetWithClient(client *redis.Client, ttl time.Duration) *RedisDeliverySet {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeliverySet{client: client, prefix: "eventsub:delivery:", ttl: ttl}
}

func (s *RedisDeliverySet) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+id, time.Now().UnixMilli(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx delivery: %w", err)
	}
	return ok, nil
}

// Ping checks the Redis connection (readiness).
func (s *RedisDeliverySet) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisDeliverySet) Close() error {
	return s.client.Close()
}
