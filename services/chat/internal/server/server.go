package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"threadchat/internal/util"
	"threadchat/pkg/domain"
	"threadchat/pkg/store"
	"threadchat/services/chat/internal/app"
)

const (
	maxBodyBytes        = 1 << 20
	defaultReplyTimeout = 30 * time.Second
	userIDHeader        = "X-User-Id"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TokenVerifier enables bearer authentication. Without it the caller is
	// identified by the X-User-Id header (local development only).
	TokenVerifier  TokenVerifier
	Metrics        http.Handler
	AllowedOrigins []string
	// ReplyTimeout bounds how long a synchronous send waits for the reply.
	ReplyTimeout time.Duration
}

// Server exposes the thread API consumed by the browser UI.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	metrics        http.Handler
	allowedOrigins []string
	replyTimeout   time.Duration
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	replyTimeout := cfg.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = defaultReplyTimeout
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		metrics:        cfg.Metrics,
		allowedOrigins: cfg.AllowedOrigins,
		replyTimeout:   replyTimeout,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
	s.mux.Handle("/api/threads", s.withSession(s.handleThreads))
	s.mux.Handle("/api/threads/", s.withSession(s.handleThreadByID))
	s.mux.Handle("/api/notices", s.withSession(s.handleNotices))
	s.mux.Handle("/api/notices/", s.withSession(s.handleNoticeByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *app.Session)

func (s *Server) withSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.resolveUser(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sess, err := s.app.Session(r.Context(), userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), sess)
	})
}

func (s *Server) resolveUser(r *http.Request) (string, bool) {
	if s.tokenVerifier != nil {
		token, ok := bearerToken(r)
		if !ok {
			return "", false
		}
		userID, err := s.tokenVerifier.VerifySubject(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			return "", false
		}
		return userID, true
	}
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if _, err := uuid.Parse(userID); err != nil {
		return "", false
	}
	return userID, true
}

// /api/threads
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, sess.Load(r.Context()))
	case http.MethodPost:
		var req titleRequest
		if !decodeOptionalJSON(w, r, &req) {
			return
		}
		thread, err := sess.CreateThread(r.Context(), req.Title)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, thread)
	default:
		methodNotAllowed(w)
	}
}

// /api/threads/{id}, /api/threads/{id}/reset, /api/threads/{id}/select,
// /api/threads/{id}/messages
func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "reset":
			s.handleReset(w, r, sess, id)
		case "select":
			s.handleSelect(w, r, sess, id)
		case "messages":
			s.handleSend(w, r, sess, id)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		thread, ok := sess.Snapshot().Thread(id)
		if !ok {
			writeError(w, http.StatusNotFound, app.ErrThreadNotFound.Error())
			return
		}
		writeJSON(w, http.StatusOK, thread)
	case http.MethodPatch:
		var req titleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		renamed, err := sess.RenameThread(r.Context(), id, req.Title)
		if err != nil {
			writeAppError(w, err)
			return
		}
		thread, ok := sess.Snapshot().Thread(id)
		if !ok {
			writeError(w, http.StatusNotFound, app.ErrThreadNotFound.Error())
			return
		}
		writeJSON(w, http.StatusOK, renameResponse{Renamed: renamed, Thread: thread})
	case http.MethodDelete:
		deleted, err := sess.DeleteThread(r.Context(), id, confirmation(r))
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !deleted {
			writeJSON(w, http.StatusConflict, confirmResponse{Confirmed: false})
			return
		}
		writeJSON(w, http.StatusOK, confirmResponse{Confirmed: true, ActiveID: sess.Snapshot().ActiveID})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess *app.Session, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	thread, ok, err := sess.ResetThread(r.Context(), id, confirmation(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, confirmResponse{Confirmed: false})
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{Confirmed: true, ActiveID: sess.Snapshot().ActiveID, Thread: &thread})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, sess *app.Session, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !sess.SelectThread(id) {
		writeError(w, http.StatusNotFound, app.ErrThreadNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleSend appends the user message and, unless async=true, waits for the
// assistant reply. A reply still running when the wait ends is applied later.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, sess *app.Session, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	thread, replies, err := sess.Send(r.Context(), id, req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if r.URL.Query().Get("async") == "true" {
		writeJSON(w, http.StatusAccepted, sendResponse{Thread: thread, Pending: true})
		return
	}

	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()
	select {
	case res := <-replies:
		if res.Err != nil {
			writeAppError(w, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, sendResponse{Thread: res.Thread, Reply: &res.Reply})
	case <-timer.C:
		writeJSON(w, http.StatusAccepted, sendResponse{Thread: thread, Pending: true})
	case <-r.Context().Done():
	}
}

// /api/notices
func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.Notices(r.Context(), sess.UserID())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// /api/notices/{id}
func (s *Server) handleNoticeByID(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/notices/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.app.DismissNotice(r.Context(), sess.UserID(), id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func confirmation(r *http.Request) app.Confirmer {
	return app.Confirmed(r.URL.Query().Get("confirm") == "true")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type titleRequest struct {
	Title string `json:"title"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type renameResponse struct {
	Renamed bool          `json:"renamed"`
	Thread  domain.Thread `json:"thread"`
}

type confirmResponse struct {
	Confirmed bool           `json:"confirmed"`
	ActiveID  string         `json:"activeId,omitempty"`
	Thread    *domain.Thread `json:"thread,omitempty"`
}

type sendResponse struct {
	Thread  domain.Thread   `json:"thread"`
	Reply   *domain.Message `json:"reply,omitempty"`
	Pending bool            `json:"pending"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	var perr *app.PersistenceError
	switch {
	case errors.Is(err, app.ErrThreadNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, app.ErrThreadNotFound.Error())
	case errors.Is(err, app.ErrReplyPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrEmptyMessage), errors.Is(err, app.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUserRequired):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, "store unavailable: "+perr.Op)
	case errors.Is(err, app.ErrAssistantUnavailable):
		writeError(w, http.StatusBadGateway, app.ErrAssistantUnavailable.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
