package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"threadchat/pkg/domain"
)

// MemoryStore keeps threads and messages in-process. It mirrors the relational
// schema: unique ids, message rows referencing a thread, cascade on delete.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]domain.Thread    // thread ID -> row (Messages unset)
	messages map[string][]domain.Message // thread ID -> rows in insertion order
	msgIDs   map[string]struct{}
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]domain.Thread),
		messages: make(map[string][]domain.Message),
		msgIDs:   make(map[string]struct{}),
	}
}

// ListThreads returns threads owned by userID ordered by updated_at desc.
func (m *MemoryStore) ListThreads(_ context.Context, userID string) ([]domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Thread, 0)
	for _, t := range m.threads {
		if t.UserID == userID {
			res = append(res, t)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res, nil
}

// InsertThread stores a new thread row.
func (m *MemoryStore) InsertThread(_ context.Context, thread domain.Thread) (domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[thread.ID]; exists {
		return domain.Thread{}, fmt.Errorf("duplicate thread id %q", thread.ID)
	}
	thread.Messages = nil
	m.threads[thread.ID] = thread
	return thread, nil
}

// UpdateThreadTitle renames a thread owned by userID.
func (m *MemoryStore) UpdateThreadTitle(_ context.Context, userID, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	t.Title = title
	t.UpdatedAt = time.Now().UTC()
	m.threads[id] = t
	return nil
}

// UpdateThreadTimestamp sets updated_at on a thread owned by userID.
func (m *MemoryStore) UpdateThreadTimestamp(_ context.Context, userID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	t.UpdatedAt = at.UTC()
	m.threads[id] = t
	return nil
}

// DeleteThread removes a thread and cascades to its messages.
func (m *MemoryStore) DeleteThread(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	for _, msg := range m.messages[id] {
		delete(m.msgIDs, msg.ID)
	}
	delete(m.messages, id)
	delete(m.threads, id)
	return nil
}

// ListMessages returns messages for the given threads ordered by created_at.
func (m *MemoryStore) ListMessages(_ context.Context, threadIDs []string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0)
	for _, id := range threadIDs {
		res = append(res, m.messages[id]...)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// InsertMessage records a message; the parent thread must exist.
func (m *MemoryStore) InsertMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[msg.ThreadID]; !ok {
		return fmt.Errorf("message thread %q: %w", msg.ThreadID, ErrNotFound)
	}
	if _, dup := m.msgIDs[msg.ID]; dup {
		return fmt.Errorf("duplicate message id %q", msg.ID)
	}
	m.msgIDs[msg.ID] = struct{}{}
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], msg)
	return nil
}
