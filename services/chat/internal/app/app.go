package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"threadchat/pkg/ai"
	"threadchat/pkg/domain"
	"threadchat/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Notices   store.NoticeStore
	Responder ai.Responder
	Logger    *slog.Logger
}

// App owns one Session per user and the collaborators they share.
type App struct {
	store     store.Store
	notices   store.NoticeStore
	responder ai.Responder
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	loads    singleflight.Group
	replies  sync.WaitGroup
}

// New constructs the application. Store is required; notices default to an
// in-memory store and replies to the mock responder.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	notices := cfg.Notices
	if notices == nil {
		notices = store.NewMemoryNoticeStore(0)
	}
	responder := cfg.Responder
	if responder == nil {
		responder = ai.NewMockResponder(ai.DefaultMockDelay)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:     cfg.Store,
		notices:   notices,
		responder: responder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*Session),
	}, nil
}

// Session returns the state container for userID, loading it from the store
// the first time the user is seen. Callers arriving during that first load
// wait for it.
func (a *App) Session(ctx context.Context, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserRequired
	}
	a.mu.Lock()
	sess, ok := a.sessions[userID]
	if !ok {
		sess = &Session{app: a, userID: userID, ready: make(chan struct{})}
		a.sessions[userID] = sess
	}
	sess.lastSeen = a.now()
	a.mu.Unlock()
	if !ok {
		// Other callers block on this load, so it must not die with ctx.
		sess.Load(context.WithoutCancel(ctx))
		close(sess.ready)
		return sess, nil
	}
	select {
	case <-sess.ready:
		return sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EvictIdle drops sessions unused for longer than maxIdle. Sessions still
// loading or waiting on a reply are kept. The next request for an evicted
// user reloads from the store. It returns the number evicted.
func (a *App) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := a.now().Add(-maxIdle)
	a.mu.Lock()
	defer a.mu.Unlock()
	evicted := 0
	for userID, sess := range a.sessions {
		if !sess.lastSeen.Before(cutoff) {
			continue
		}
		select {
		case <-sess.ready:
		default:
			continue
		}
		if len(sess.current().pending) > 0 {
			continue
		}
		delete(a.sessions, userID)
		evicted++
	}
	if evicted > 0 {
		a.logger.Debug("evicted idle sessions", "count", evicted, "remaining", len(a.sessions))
	}
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (a *App) RunEviction(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.EvictIdle(maxIdle)
		}
	}
}

// Notices lists the user's undismissed notifications.
func (a *App) Notices(ctx context.Context, userID string) ([]domain.Notice, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	items, err := a.notices.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}
	return items, nil
}

// DismissNotice removes one notification.
func (a *App) DismissNotice(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserRequired
	}
	if err := a.notices.Dismiss(ctx, userID, id); err != nil {
		return fmt.Errorf("dismiss notice: %w", err)
	}
	return nil
}

// Wait blocks until every background assistant reply has been applied.
func (a *App) Wait() {
	a.replies.Wait()
}

// WaitContext is Wait bounded by ctx. It returns ctx.Err() if replies are
// still in flight when ctx ends.
func (a *App) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.replies.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) notify(ctx context.Context, userID string, level domain.NoticeLevel, message string) {
	notice := domain.Notice{
		ID:        uuid.NewString(),
		UserID:    userID,
		Level:     level,
		Message:   message,
		CreatedAt: a.now(),
	}
	if err := a.notices.Push(context.WithoutCancel(ctx), notice); err != nil {
		a.logger.Warn("push notice failed", "user_id", userID, "err", err)
	}
}
