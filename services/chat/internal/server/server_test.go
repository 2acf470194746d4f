package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"threadchat/pkg/ai"
	"threadchat/pkg/domain"
	"threadchat/pkg/store"
	"threadchat/services/chat/internal/app"
)

const testUser = "6f1d7c52-3b8e-4d4a-9a61-2f0c3e9b7a10"

type failingStore struct {
	*store.MemoryStore
	insertThreadErr error
}

func (s *failingStore) InsertThread(ctx context.Context, thread domain.Thread) (domain.Thread, error) {
	if s.insertThreadErr != nil {
		return domain.Thread{}, s.insertThreadErr
	}
	return s.MemoryStore.InsertThread(ctx, thread)
}

type blockingResponder struct {
	release chan struct{}
}

func (r blockingResponder) Reply(ctx context.Context, userText string) (domain.Message, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
	return domain.Message{Role: domain.RoleAssistant, Content: "done: " + userText}, nil
}

type fakeVerifier struct {
	tokens map[string]string
}

func (f fakeVerifier) VerifySubject(_ context.Context, token string) (string, error) {
	if userID, ok := f.tokens[token]; ok {
		return userID, nil
	}
	return "", errors.New("invalid token")
}

func newTestServer(t *testing.T, st store.Store, responder ai.Responder) (*httptest.Server, *app.App) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	if responder == nil {
		responder = ai.NewMockResponder(0)
	}
	core, err := app.New(app.Config{Store: st, Responder: responder})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv := New(Config{
		App:     core,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		core.Wait()
	})
	return ts, core
}

func doJSON(t *testing.T, method, url, userID string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, strings.TrimSpace(body.String()))
	}
}

func createThread(t *testing.T, base string) domain.Thread {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api/threads", testUser, map[string]string{"title": "Trip plans"})
	expectStatus(t, resp, http.StatusCreated)
	var thread domain.Thread
	decodeBody(t, resp, &thread)
	return thread
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestRequiresUser(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	for _, userID := range []string{"", "not-a-uuid"} {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/threads", userID, nil)
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}
}

func TestThreadLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	created := createThread(t, ts.URL)
	if created.Title != "Trip plans" || len(created.Messages) != 1 {
		t.Fatalf("unexpected created thread: %+v", created)
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/threads", testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	var snap app.Snapshot
	decodeBody(t, resp, &snap)
	if len(snap.Threads) != 1 || snap.ActiveID != created.ID {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	resp = doJSON(t, http.MethodPatch, ts.URL+"/api/threads/"+created.ID, testUser, map[string]string{"title": "   "})
	expectStatus(t, resp, http.StatusOK)
	var renamed renameResponse
	decodeBody(t, resp, &renamed)
	if renamed.Renamed || renamed.Thread.Title != "Trip plans" {
		t.Fatalf("blank rename should be ignored: %+v", renamed)
	}

	resp = doJSON(t, http.MethodPatch, ts.URL+"/api/threads/"+created.ID, testUser, map[string]string{"title": "Kyoto"})
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &renamed)
	if !renamed.Renamed || renamed.Thread.Title != "Kyoto" {
		t.Fatalf("rename not applied: %+v", renamed)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/threads/"+created.ID, testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/threads/"+"missing", testUser, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/missing/select", testUser, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSendWaitsForReply(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	thread := createThread(t, ts.URL)

	text := "What is the capital of France, and why?"
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+thread.ID+"/messages", testUser, map[string]string{"content": text})
	expectStatus(t, resp, http.StatusOK)
	var out sendResponse
	decodeBody(t, resp, &out)
	if out.Pending || out.Reply == nil {
		t.Fatalf("expected completed reply: %+v", out)
	}
	if out.Reply.Content != ai.CannedReply(text) || out.Reply.Role != domain.RoleAssistant {
		t.Fatalf("unexpected reply: %+v", out.Reply)
	}
	if len(out.Thread.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(out.Thread.Messages))
	}
	if out.Thread.Title != "What is the capital of France,..." {
		t.Fatalf("title = %q, want derived from first message", out.Thread.Title)
	}
}

func TestSendValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	thread := createThread(t, ts.URL)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+thread.ID+"/messages", testUser, map[string]string{"content": "  "})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/missing/messages", testUser, map[string]string{"content": "hi"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/threads/"+thread.ID+"/messages", strings.NewReader("{"))
	req.Header.Set(userIDHeader, testUser)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAsyncSendRejectsSecondPendingReply(t *testing.T) {
	responder := blockingResponder{release: make(chan struct{})}
	ts, core := newTestServer(t, nil, responder)
	thread := createThread(t, ts.URL)

	url := ts.URL + "/api/threads/" + thread.ID + "/messages?async=true"
	resp := doJSON(t, http.MethodPost, url, testUser, map[string]string{"content": "first"})
	expectStatus(t, resp, http.StatusAccepted)
	var out sendResponse
	decodeBody(t, resp, &out)
	if !out.Pending || len(out.Thread.Messages) != 2 {
		t.Fatalf("unexpected async response: %+v", out)
	}

	resp = doJSON(t, http.MethodPost, url, testUser, map[string]string{"content": "second"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+thread.ID+"/reset?confirm=true", testUser, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/threads", testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	var snap app.Snapshot
	decodeBody(t, resp, &snap)
	if len(snap.Pending) != 1 || snap.Pending[0] != thread.ID {
		t.Fatalf("pending = %v, want [%s]", snap.Pending, thread.ID)
	}

	close(responder.release)
	core.Wait()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/threads/"+thread.ID, testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	var got domain.Thread
	decodeBody(t, resp, &got)
	if len(got.Messages) != 3 || got.Messages[2].Content != "done: first" {
		t.Fatalf("reply not applied: %+v", got.Messages)
	}
}

func TestDeleteAndResetRequireConfirmation(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	thread := createThread(t, ts.URL)

	resp := doJSON(t, http.MethodDelete, ts.URL+"/api/threads/"+thread.ID, testUser, nil)
	expectStatus(t, resp, http.StatusConflict)
	var declined confirmResponse
	decodeBody(t, resp, &declined)
	if declined.Confirmed {
		t.Fatalf("expected unconfirmed response")
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+thread.ID+"/reset", testUser, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/threads/"+thread.ID+"/reset?confirm=true", testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	var reset confirmResponse
	decodeBody(t, resp, &reset)
	if !reset.Confirmed || reset.Thread == nil {
		t.Fatalf("unexpected reset response: %+v", reset)
	}
	if reset.Thread.ID == thread.ID || reset.ActiveID != reset.Thread.ID || len(reset.Thread.Messages) != 1 {
		t.Fatalf("reset should replace the thread: %+v", reset)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/threads/"+reset.Thread.ID+"?confirm=true", testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	var deleted confirmResponse
	decodeBody(t, resp, &deleted)
	if !deleted.Confirmed || deleted.ActiveID != "" {
		t.Fatalf("unexpected delete response: %+v", deleted)
	}
}

func TestStoreFailureSurfacesNotice(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), insertThreadErr: errors.New("connection refused")}
	ts, _ := newTestServer(t, st, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/threads", testUser, nil)
	expectStatus(t, resp, http.StatusBadGateway)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/notices", testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	var notices struct {
		Items []domain.Notice `json:"items"`
		Count int             `json:"count"`
	}
	decodeBody(t, resp, &notices)
	if notices.Count != 1 || notices.Items[0].Level != domain.NoticeError {
		t.Fatalf("unexpected notices: %+v", notices)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/notices/"+notices.Items[0].ID, testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/notices", testUser, nil)
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &notices)
	if notices.Count != 0 {
		t.Fatalf("notice not dismissed: %+v", notices)
	}
}

func TestBearerAuthentication(t *testing.T) {
	core, err := app.New(app.Config{Store: store.NewMemoryStore(), Responder: ai.NewMockResponder(0)})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv := New(Config{
		App:           core,
		TokenVerifier: fakeVerifier{tokens: map[string]string{"good": testUser}},
		ReplyTimeout:  time.Second,
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"rejected", "Bearer bad", http.StatusUnauthorized},
		{"accepted", "Bearer good", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/threads", nil)
			// The header fallback is disabled once a verifier is configured.
			req.Header.Set(userIDHeader, testUser)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			expectStatus(t, resp, tc.want)
			resp.Body.Close()
		})
	}
}

func TestSessionsAreIsolatedPerUser(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	thread := createThread(t, ts.URL)

	other := "0b6f3a94-8c1e-4f55-b2d7-91e0c4a3d862"
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/threads", other, nil)
	expectStatus(t, resp, http.StatusOK)
	var snap app.Snapshot
	decodeBody(t, resp, &snap)
	if len(snap.Threads) != 0 {
		t.Fatalf("other user sees %d threads", len(snap.Threads))
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/threads/"+thread.ID, other, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
