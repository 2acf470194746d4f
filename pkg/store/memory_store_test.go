package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"threadchat/pkg/domain"
)

func seedThread(t *testing.T, s *MemoryStore, id, userID string, updated time.Time) {
	t.Helper()
	if _, err := s.InsertThread(context.Background(), domain.Thread{
		ID:        id,
		UserID:    userID,
		Title:     id,
		CreatedAt: updated,
		UpdatedAt: updated,
	}); err != nil {
		t.Fatalf("insert thread %s: %v", id, err)
	}
}

func TestMemoryStoreListThreadsScopedAndOrdered(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	seedThread(t, s, "old", "user-1", now.Add(-time.Hour))
	seedThread(t, s, "new", "user-1", now)
	seedThread(t, s, "other", "user-2", now.Add(time.Hour))

	got, err := s.ListThreads(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Fatalf("unexpected threads: %+v", got)
	}
}

func TestMemoryStoreDeleteCascadesMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedThread(t, s, "t1", "user-1", time.Now().UTC())
	if err := s.InsertMessage(ctx, domain.Message{ID: "m1", ThreadID: "t1", Role: domain.RoleAssistant, Content: "hi"}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if err := s.DeleteThread(ctx, "user-2", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cross-user delete to be not found, got %v", err)
	}
	if err := s.DeleteThread(ctx, "user-1", "t1"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	msgs, err := s.ListMessages(ctx, []string{"t1"})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages to cascade, got %d", len(msgs))
	}
	// The message id is free again once its row is gone.
	seedThread(t, s, "t2", "user-1", time.Now().UTC())
	if err := s.InsertMessage(ctx, domain.Message{ID: "m1", ThreadID: "t2", Role: domain.RoleAssistant}); err != nil {
		t.Fatalf("reinsert message id: %v", err)
	}
}

func TestMemoryStoreInsertMessageRequiresThread(t *testing.T) {
	s := NewMemoryStore()
	err := s.InsertMessage(context.Background(), domain.Message{ID: "m1", ThreadID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for orphan message, got %v", err)
	}
}

func TestMemoryStoreUpdatesAreOwnerScoped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedThread(t, s, "t1", "user-1", time.Now().UTC().Add(-time.Hour))

	if err := s.UpdateThreadTitle(ctx, "user-2", "t1", "stolen"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.UpdateThreadTitle(ctx, "user-1", "t1", "renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.UpdateThreadTimestamp(ctx, "user-1", "t1", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := s.ListThreads(ctx, "user-1")
	if got[0].Title != "renamed" || !got[0].UpdatedAt.Equal(at) {
		t.Fatalf("unexpected row after updates: %+v", got[0])
	}
}

func TestMemoryStoreListMessagesChronological(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	seedThread(t, s, "a", "user-1", now)
	seedThread(t, s, "b", "user-1", now)
	_ = s.InsertMessage(ctx, domain.Message{ID: "b1", ThreadID: "b", CreatedAt: now.Add(2 * time.Second)})
	_ = s.InsertMessage(ctx, domain.Message{ID: "a1", ThreadID: "a", CreatedAt: now})
	_ = s.InsertMessage(ctx, domain.Message{ID: "a2", ThreadID: "a", CreatedAt: now.Add(time.Second)})

	msgs, err := s.ListMessages(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	want := []string{"a1", "a2", "b1"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("message %d = %s, want %s", i, msgs[i].ID, id)
		}
	}
}
