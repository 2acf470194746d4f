package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"threadchat/internal/util"
	"threadchat/pkg/domain"
	"threadchat/pkg/store"
)

const opLoadThreads = "load threads"

const (
	resetPrompt  = "Reset this conversation? All of its messages will be removed."
	deletePrompt = "Delete this conversation?"
)

// Confirmer is the yes/no gate in front of destructive operations.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// Confirmed returns a Confirmer that always answers ok.
func Confirmed(ok bool) Confirmer {
	return ConfirmFunc(func(context.Context, string) bool { return ok })
}

// Snapshot is a copy of a session's state; callers may keep and modify it.
type Snapshot struct {
	Threads  []domain.Thread `json:"threads"`
	ActiveID string          `json:"activeId,omitempty"`
	Pending  []string        `json:"pending"`
}

// Thread looks up a thread by id.
func (s Snapshot) Thread(id string) (domain.Thread, bool) {
	for _, t := range s.Threads {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Thread{}, false
}

// ReplyResult is delivered once the background assistant reply of Send has
// been applied, or has failed.
type ReplyResult struct {
	Thread domain.Thread
	Reply  domain.Message
	Err    error
}

// state is never modified in place; every update installs a new value.
// gen counts updates so a load that raced one can tell its result is stale.
type state struct {
	threads  []domain.Thread
	activeID string
	pending  map[string]struct{}
	gen      uint64
}

func (st state) find(id string) (int, bool) {
	for i, t := range st.threads {
		if t.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Session is one user's thread collection kept in sync with the remote store.
// Store calls happen outside the lock; results are applied by thread id.
type Session struct {
	app    *App
	userID string
	// ready is closed once the initial load has been applied.
	ready chan struct{}
	// lastSeen is guarded by app.mu.
	lastSeen time.Time

	mu sync.Mutex
	st state
}

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.userID }

func (s *Session) current() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *Session) update(fn func(state) state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.st)
	next.gen = s.st.gen + 1
	s.st = next
}

const maxLoadAttempts = 3

type loadResult struct {
	threads []domain.Thread
	gen     uint64
}

// Load replaces the collection with the user's threads from the store. A read
// failure leaves the session empty and raises an error notice. A result read
// before a concurrent confirmed change is discarded and the read retried; if
// every attempt races, the current state is kept.
func (s *Session) Load(ctx context.Context) Snapshot {
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		v, err, _ := s.app.loads.Do(s.userID, func() (any, error) {
			gen := s.current().gen
			threads, err := s.fetch(ctx)
			return loadResult{threads: threads, gen: gen}, err
		})
		res, _ := v.(loadResult)
		if !s.install(res, err) {
			continue
		}
		if err != nil {
			s.fail(ctx, opLoadThreads, "", err)
		}
		return s.Snapshot()
	}
	s.app.logger.Debug("load kept newer state", "user_id", s.userID)
	return s.Snapshot()
}

// install applies a load result unless the state changed since it was read.
// Installing does not advance gen, so callers sharing one read all apply it.
func (s *Session) install(res loadResult, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.gen != res.gen {
		return false
	}
	next := state{pending: s.st.pending, gen: s.st.gen}
	if err == nil {
		next.threads = res.threads
		if _, ok := next.find(s.st.activeID); ok {
			next.activeID = s.st.activeID
		} else if len(res.threads) > 0 {
			next.activeID = res.threads[0].ID
		}
	}
	s.st = next
	return true
}

func (s *Session) fetch(ctx context.Context) ([]domain.Thread, error) {
	threads, err := s.app.store.ListThreads(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return []domain.Thread{}, nil
	}
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	messages, err := s.app.store.ListMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	byThread := make(map[string][]domain.Message, len(threads))
	for _, msg := range messages {
		byThread[msg.ThreadID] = append(byThread[msg.ThreadID], msg)
	}
	for i := range threads {
		msgs := byThread[threads[i].ID]
		sort.SliceStable(msgs, func(a, b int) bool {
			return msgs[a].CreatedAt.Before(msgs[b].CreatedAt)
		})
		threads[i].Messages = msgs
	}
	sortThreads(threads)
	return threads, nil
}

// CreateThread persists a new thread and its seed greeting, then makes it the
// active thread. Nothing is added to the collection unless both writes succeed.
func (s *Session) CreateThread(ctx context.Context, title string) (domain.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultThreadTitle
	}
	now := s.app.now()
	created, err := s.app.store.InsertThread(ctx, domain.Thread{
		ID:        uuid.NewString(),
		UserID:    s.userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Thread{}, s.fail(ctx, "insert thread", "", err)
	}
	seed := seedMessage(created.ID, now)
	if err := s.app.store.InsertMessage(ctx, seed); err != nil {
		return domain.Thread{}, s.fail(ctx, "insert seed message", created.ID, err)
	}
	created.Messages = []domain.Message{seed}

	s.update(func(st state) state {
		threads := make([]domain.Thread, 0, len(st.threads)+1)
		threads = append(threads, created)
		threads = append(threads, st.threads...)
		return state{threads: threads, activeID: created.ID, pending: st.pending}
	})
	return created.Clone(), nil
}

// RenameThread sets a new title. A blank title is skipped without touching
// the store and reports false.
func (s *Session) RenameThread(ctx context.Context, id, title string) (bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return false, nil
	}
	if _, ok := s.current().find(id); !ok {
		return false, ErrThreadNotFound
	}
	if err := s.app.store.UpdateThreadTitle(ctx, s.userID, id, title); err != nil {
		return false, s.fail(ctx, "update thread title", id, err)
	}
	now := s.app.now()
	if _, ok := s.updateThread(id, func(t domain.Thread) domain.Thread {
		t.Title = title
		t.UpdatedAt = now
		return t
	}); !ok {
		return false, ErrThreadNotFound
	}
	return true, nil
}

// AppendMessage persists msg on the thread and appends it once the insert is
// confirmed. The first user message after the seed greeting also names the
// thread.
func (s *Session) AppendMessage(ctx context.Context, threadID string, msg domain.Message) (domain.Thread, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return domain.Thread{}, ErrEmptyMessage
	}
	if !msg.Role.Valid() {
		return domain.Thread{}, ErrInvalidRole
	}
	st := s.current()
	idx, ok := st.find(threadID)
	if !ok {
		return domain.Thread{}, ErrThreadNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	// stamped here so timestamps follow append order
	msg.CreatedAt = s.app.now()
	msg.ThreadID = threadID
	msg.UserID = s.author(msg.Role)

	if err := s.app.store.InsertMessage(ctx, msg); err != nil {
		return domain.Thread{}, s.fail(ctx, "insert message", threadID, err)
	}

	title := ""
	if msg.Role == domain.RoleUser && awaitsTitle(st.threads[idx]) {
		derived := deriveTitle(msg.Content)
		if err := s.app.store.UpdateThreadTitle(ctx, s.userID, threadID, derived); err != nil {
			s.fail(ctx, "update thread title", threadID, err)
		} else {
			title = derived
		}
	}

	now := s.app.now()
	if err := s.app.store.UpdateThreadTimestamp(ctx, s.userID, threadID, now); err != nil {
		s.fail(ctx, "update thread timestamp", threadID, err)
	}

	updated, ok := s.updateThread(threadID, func(t domain.Thread) domain.Thread {
		messages := make([]domain.Message, 0, len(t.Messages)+1)
		messages = append(messages, t.Messages...)
		t.Messages = append(messages, msg)
		t.UpdatedAt = now
		if title != "" {
			t.Title = title
		}
		return t
	})
	if !ok {
		// deleted or reset while the insert was in flight
		return domain.Thread{}, ErrThreadNotFound
	}
	return updated, nil
}

// RequestAssistantReply asks the responder for an answer to userText.
func (s *Session) RequestAssistantReply(ctx context.Context, userText string) (domain.Message, error) {
	reply, err := s.app.responder.Reply(ctx, userText)
	if err != nil {
		s.app.logger.Warn("assistant reply failed", "user_id", s.userID, "request_id", util.RequestIDFromContext(ctx), "err", err)
		s.app.notify(ctx, s.userID, domain.NoticeError, "The assistant could not reply. Please try again.")
		return domain.Message{}, fmt.Errorf("%w: %v", ErrAssistantUnavailable, err)
	}
	reply.Role = domain.RoleAssistant
	return reply, nil
}

// Send appends the user's message and requests the assistant reply in the
// background. The returned channel yields exactly one result. The reply is
// applied to threadID even after ctx is done; only one reply may be pending
// per thread.
func (s *Session) Send(ctx context.Context, threadID, content string) (domain.Thread, <-chan ReplyResult, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Thread{}, nil, ErrEmptyMessage
	}
	if err := s.markPending(threadID); err != nil {
		return domain.Thread{}, nil, err
	}
	thread, err := s.AppendMessage(ctx, threadID, domain.Message{Role: domain.RoleUser, Content: content})
	if err != nil {
		s.clearPending(threadID)
		return domain.Thread{}, nil, err
	}

	done := make(chan ReplyResult, 1)
	bg := context.WithoutCancel(ctx)
	s.app.replies.Add(1)
	go func() {
		defer s.app.replies.Done()
		var res ReplyResult
		reply, err := s.RequestAssistantReply(bg, content)
		if err == nil {
			res.Thread, err = s.AppendMessage(bg, threadID, reply)
		}
		if err == nil {
			res.Reply = res.Thread.Messages[len(res.Thread.Messages)-1]
		}
		res.Err = err
		s.clearPending(threadID)
		done <- res
		close(done)
	}()
	return thread, done, nil
}

// ResetThread replaces the thread with a fresh record holding only the seed
// greeting. The replacement has a new id; the title is kept.
// The thread counts as pending until the reset finishes, so no send can
// target the id being deleted.
func (s *Session) ResetThread(ctx context.Context, id string, confirm Confirmer) (domain.Thread, bool, error) {
	if err := s.markPending(id); err != nil {
		return domain.Thread{}, false, err
	}
	defer s.clearPending(id)
	st := s.current()
	idx, ok := st.find(id)
	if !ok {
		return domain.Thread{}, false, ErrThreadNotFound
	}
	old := st.threads[idx]
	if confirm == nil || !confirm.Confirm(ctx, resetPrompt) {
		return domain.Thread{}, false, nil
	}

	if err := s.app.store.DeleteThread(ctx, s.userID, id); err != nil {
		return domain.Thread{}, false, s.fail(ctx, "delete thread", id, err)
	}
	now := s.app.now()
	created, err := s.app.store.InsertThread(ctx, domain.Thread{
		ID:        uuid.NewString(),
		UserID:    s.userID,
		Title:     old.Title,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Thread{}, false, s.fail(ctx, "insert thread", id, err)
	}
	seed := seedMessage(created.ID, now)
	if err := s.app.store.InsertMessage(ctx, seed); err != nil {
		return domain.Thread{}, false, s.fail(ctx, "insert seed message", created.ID, err)
	}
	created.Messages = []domain.Message{seed}

	s.update(func(st state) state {
		threads := make([]domain.Thread, 0, len(st.threads)+1)
		for _, t := range st.threads {
			if t.ID != id {
				threads = append(threads, t)
			}
		}
		threads = append(threads, created)
		sortThreads(threads)
		next := state{threads: threads, activeID: st.activeID, pending: st.pending}
		if st.activeID == id {
			next.activeID = created.ID
		}
		return next
	})
	return created.Clone(), true, nil
}

// DeleteThread removes the thread remotely and then locally. If it was active,
// the first remaining thread becomes active.
func (s *Session) DeleteThread(ctx context.Context, id string, confirm Confirmer) (bool, error) {
	if _, ok := s.current().find(id); !ok {
		return false, ErrThreadNotFound
	}
	if confirm == nil || !confirm.Confirm(ctx, deletePrompt) {
		return false, nil
	}
	if err := s.app.store.DeleteThread(ctx, s.userID, id); err != nil {
		return false, s.fail(ctx, "delete thread", id, err)
	}
	s.update(func(st state) state {
		threads := make([]domain.Thread, 0, len(st.threads))
		for _, t := range st.threads {
			if t.ID != id {
				threads = append(threads, t)
			}
		}
		next := state{threads: threads, activeID: st.activeID, pending: st.pending}
		if st.activeID == id {
			next.activeID = ""
			if len(threads) > 0 {
				next.activeID = threads[0].ID
			}
		}
		return next
	})
	return true, nil
}

// SelectThread makes id the active thread. Unknown ids are ignored.
func (s *Session) SelectThread(id string) bool {
	selected := false
	s.update(func(st state) state {
		if _, ok := st.find(id); !ok {
			return st
		}
		selected = true
		st.activeID = id
		return st
	})
	return selected
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() Snapshot {
	st := s.current()
	snap := Snapshot{
		Threads:  make([]domain.Thread, 0, len(st.threads)),
		ActiveID: st.activeID,
		Pending:  make([]string, 0, len(st.pending)),
	}
	for _, t := range st.threads {
		snap.Threads = append(snap.Threads, t.Clone())
	}
	for id := range st.pending {
		snap.Pending = append(snap.Pending, id)
	}
	sort.Strings(snap.Pending)
	return snap
}

// updateThread installs fn's result for thread id and re-sorts the collection.
func (s *Session) updateThread(id string, fn func(domain.Thread) domain.Thread) (domain.Thread, bool) {
	var out domain.Thread
	found := false
	s.update(func(st state) state {
		idx, ok := st.find(id)
		if !ok {
			return st
		}
		found = true
		threads := append([]domain.Thread(nil), st.threads...)
		threads[idx] = fn(threads[idx])
		out = threads[idx].Clone()
		sortThreads(threads)
		return state{threads: threads, activeID: st.activeID, pending: st.pending}
	})
	return out, found
}

func (s *Session) markPending(threadID string) error {
	var err error
	s.update(func(st state) state {
		if _, ok := st.find(threadID); !ok {
			err = ErrThreadNotFound
			return st
		}
		if _, busy := st.pending[threadID]; busy {
			err = ErrReplyPending
			return st
		}
		pending := make(map[string]struct{}, len(st.pending)+1)
		for id := range st.pending {
			pending[id] = struct{}{}
		}
		pending[threadID] = struct{}{}
		st.pending = pending
		return st
	})
	return err
}

func (s *Session) clearPending(threadID string) {
	s.update(func(st state) state {
		if _, ok := st.pending[threadID]; !ok {
			return st
		}
		pending := make(map[string]struct{}, len(st.pending))
		for id := range st.pending {
			if id != threadID {
				pending[id] = struct{}{}
			}
		}
		st.pending = pending
		return st
	})
}

// author tags user messages with the session owner; assistant messages have none.
func (s *Session) author(role domain.Role) *string {
	if role != domain.RoleUser {
		return nil
	}
	id := s.userID
	return &id
}

// fail logs a store failure, raises an error notice and returns the error the
// caller should see.
func (s *Session) fail(ctx context.Context, op, threadID string, err error) error {
	perr := &PersistenceError{Op: op, ThreadID: threadID, Err: err}
	s.app.logger.Warn("persistence failure",
		"user_id", s.userID,
		"op", op,
		"thread_id", threadID,
		"request_id", util.RequestIDFromContext(ctx),
		"err", err,
	)
	msg := "Could not save your change. Please try again."
	if errors.Is(err, store.ErrNotFound) {
		msg = "That conversation no longer exists."
	} else if op == opLoadThreads {
		msg = "Could not load your conversations."
	}
	s.app.notify(ctx, s.userID, domain.NoticeError, msg)
	return perr
}

func seedMessage(threadID string, at time.Time) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Content:   domain.SeedGreeting,
		Role:      domain.RoleAssistant,
		CreatedAt: at,
	}
}

func sortThreads(threads []domain.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
}
