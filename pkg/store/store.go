package store

import (
	"context"
	"errors"
	"time"

	"threadchat/pkg/domain"
)

// ErrNotFound is returned when a row does not exist or is owned by another user.
var ErrNotFound = errors.New("record not found")

// Store is the remote store contract for threads and messages. Calls are
// independent and non-transactional; mutations are scoped by owning user.
type Store interface {
	// threads
	ListThreads(ctx context.Context, userID string) ([]domain.Thread, error)
	InsertThread(ctx context.Context, thread domain.Thread) (domain.Thread, error)
	UpdateThreadTitle(ctx context.Context, userID, id, title string) error
	UpdateThreadTimestamp(ctx context.Context, userID, id string, at time.Time) error
	DeleteThread(ctx context.Context, userID, id string) error

	// messages
	ListMessages(ctx context.Context, threadIDs []string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg domain.Message) error
}

// NoticeStore keeps transient user notifications.
type NoticeStore interface {
	Push(ctx context.Context, notice domain.Notice) error
	List(ctx context.Context, userID string) ([]domain.Notice, error)
	Dismiss(ctx context.Context, userID, id string) error
}
