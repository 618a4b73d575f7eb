// Package memory provides a Redis-backed cache of per-device
// conversation summaries, consumed by TurnEngine as its MemoryQuery
// and refreshed by ConnectionHandler's fire-and-forget save on close.
// Summarization itself (spec.md's Memory module) is out of scope;
// this package only caches whatever short text a caller already
// produced, mirroring the teacher's general use of redis as a
// cross-cutting cache layer.
package memory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultTTL = 7 * 24 * time.Hour

func summaryKey(deviceID string) string { return "voicebridge:memory:" + deviceID }

// Store caches device conversation summaries in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore wraps an existing redis.Client. A nil client makes every
// operation a no-op, so callers can construct a Store unconditionally
// and let config.Redis.Enabled gate the real connection upstream.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, ttl: defaultTTL, logger: logger}
}

// Query implements turn.MemoryQuery: it ignores the query text and
// returns the device's cached summary, ''since spec.md's memory model
// is "recall whatever's relevant to this device", approximated here by
// a single rolling summary per device rather than per-query retrieval.
func (s *Store) Query(deviceID string) func(ctx context.Context, q string) (string, error) {
	return func(ctx context.Context, _ string) (string, error) {
		if s.client == nil {
			return "", nil
		}
		val, err := s.client.Get(ctx, summaryKey(deviceID)).Result()
		if err == redis.Nil {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return val, nil
	}
}

// Save persists a freshly computed summary, fire-and-forget from the
// caller's perspective: errors are logged, never returned upward,
// since a missed cache write must not block connection teardown.
func (s *Store) Save(ctx context.Context, deviceID, summary string) {
	if s.client == nil || summary == "" {
		return
	}
	if err := s.client.Set(ctx, summaryKey(deviceID), summary, s.ttl).Err(); err != nil {
		s.logger.Warn("memory: save summary failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}
