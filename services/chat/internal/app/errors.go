package app

import (
	"errors"
	"fmt"
)

var (
	ErrUserRequired   = errors.New("user id required")
	ErrThreadNotFound = errors.New("thread not found")
	ErrReplyPending   = errors.New("assistant reply pending")
	ErrEmptyMessage   = errors.New("message content required")
	ErrInvalidRole    = errors.New("invalid message role")
)

// ErrAssistantUnavailable wraps responder failures.
var ErrAssistantUnavailable = errors.New("assistant unavailable")

// PersistenceError reports a failed remote store call. In-memory state is
// never advanced when one is returned.
type PersistenceError struct {
	Op       string
	ThreadID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.ThreadID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (thread %s): %v", e.Op, e.ThreadID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
