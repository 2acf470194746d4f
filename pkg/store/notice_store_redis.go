package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"threadchat/pkg/domain"
)

const defaultNoticePrefix = "threadchat:notices"

// RedisNoticeStore keeps notices in one Redis hash per user. The hash expires
// ttl after the latest push and stale fields are skipped on read.
type RedisNoticeStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisNoticeStore builds a Redis-backed notice store.
func NewRedisNoticeStore(addr, password string, ttl time.Duration) *RedisNoticeStore {
	if ttl <= 0 {
		ttl = defaultNoticeTTL
	}
	return &RedisNoticeStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: defaultNoticePrefix,
		ttl:    ttl,
	}
}

// Ping checks connectivity.
func (s *RedisNoticeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisNoticeStore) Close() error {
	return s.client.Close()
}

// Push records a notice for its user.
func (s *RedisNoticeStore) Push(ctx context.Context, notice domain.Notice) error {
	raw, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	key := s.key(notice.UserID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, notice.ID, raw)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push notice: %w", err)
	}
	return nil
}

// List returns live notices for userID, oldest first.
func (s *RedisNoticeStore) List(ctx context.Context, userID string) ([]domain.Notice, error) {
	key := s.key(userID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}
	cutoff := time.Now().UTC().Add(-s.ttl)
	out := make([]domain.Notice, 0, len(fields))
	var stale []string
	for id, raw := range fields {
		var n domain.Notice
		if err := json.Unmarshal([]byte(raw), &n); err != nil || !n.CreatedAt.After(cutoff) {
			stale = append(stale, id)
			continue
		}
		n.UserID = userID
		out = append(out, n)
	}
	if len(stale) > 0 {
		_ = s.client.HDel(ctx, key, stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Dismiss removes one notice. Unknown ids are ignored.
func (s *RedisNoticeStore) Dismiss(ctx context.Context, userID, id string) error {
	if err := s.client.HDel(ctx, s.key(userID), id).Err(); err != nil {
		return fmt.Errorf("dismiss notice: %w", err)
	}
	return nil
}

func (s *RedisNoticeStore) key(userID string) string {
	return s.prefix + ":" + strings.TrimSpace(userID)
}
