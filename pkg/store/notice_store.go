package store

import (
	"context"
	"sync"
	"time"

	"threadchat/pkg/domain"
)

const (
	defaultNoticeTTL     = 10 * time.Minute
	defaultNoticeBacklog = 50
)

// MemoryNoticeStore keeps per-user notices in memory. Notices older than the
// TTL are dropped on read; only the newest backlog entries per user are kept.
type MemoryNoticeStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	backlog int
	notices map[string][]domain.Notice // user ID -> oldest first
}

// NewMemoryNoticeStore constructs an in-memory notice store.
func NewMemoryNoticeStore(ttl time.Duration) *MemoryNoticeStore {
	if ttl <= 0 {
		ttl = defaultNoticeTTL
	}
	return &MemoryNoticeStore{
		ttl:     ttl,
		backlog: defaultNoticeBacklog,
		notices: make(map[string][]domain.Notice),
	}
}

// Push records a notice for its user.
func (s *MemoryNoticeStore) Push(_ context.Context, notice domain.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := append(s.notices[notice.UserID], notice)
	if len(items) > s.backlog {
		items = items[len(items)-s.backlog:]
	}
	s.notices[notice.UserID] = items
	return nil
}

// List returns live notices for userID, oldest first.
func (s *MemoryNoticeStore) List(_ context.Context, userID string) ([]domain.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-s.ttl)
	live := make([]domain.Notice, 0, len(s.notices[userID]))
	for _, n := range s.notices[userID] {
		if n.CreatedAt.After(cutoff) {
			live = append(live, n)
		}
	}
	s.notices[userID] = live
	return append([]domain.Notice(nil), live...), nil
}

// Dismiss removes one notice. Unknown ids are ignored.
func (s *MemoryNoticeStore) Dismiss(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.notices[userID]
	kept := make([]domain.Notice, 0, len(items))
	for _, n := range items {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	s.notices[userID] = kept
	return nil
}
