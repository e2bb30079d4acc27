package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/pastexam/internal/apiclient"
	"github.com/ent0n29/pastexam/internal/channel"
	"github.com/ent0n29/pastexam/internal/config"
	"github.com/ent0n29/pastexam/internal/credentials"
	"github.com/ent0n29/pastexam/internal/discussion"
	"github.com/ent0n29/pastexam/internal/lifecycle"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/observability"
	"github.com/ent0n29/pastexam/internal/protocol"
	"github.com/ent0n29/pastexam/internal/reliability"
	"github.com/ent0n29/pastexam/internal/storage"
	"github.com/ent0n29/pastexam/internal/taskrecord"
	"github.com/ent0n29/pastexam/internal/unauthorized"
)

type submitFunc func(protocol.SubmitRequest) (protocol.SubmitResponse, error)

func (f submitFunc) SubmitGeneration(_ context.Context, req protocol.SubmitRequest) (protocol.SubmitResponse, error) {
	return f(req)
}

type fakeUpstream struct {
	mu       sync.Mutex
	loginErr error
	deleted  []string
	apiKey   string
	logouts  int
}

func (f *fakeUpstream) Login(_ context.Context, username, password string) (apiclient.LoginResponse, error) {
	if f.loginErr != nil {
		return apiclient.LoginResponse{}, f.loginErr
	}
	return apiclient.LoginResponse{AccessToken: "tok-" + username, TokenType: "bearer"}, nil
}

func (f *fakeUpstream) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeUpstream) logoutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

func (f *fakeUpstream) DeleteTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, taskID)
	return nil
}

func (f *fakeUpstream) APIKeyStatus(context.Context) (protocol.APIKeyStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.APIKeyStatus{HasAPIKey: f.apiKey != ""}, nil
}

func (f *fakeUpstream) UpdateAPIKey(_ context.Context, key string) (protocol.APIKeyStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKey = key
	return protocol.APIKeyStatus{HasAPIKey: key != ""}, nil
}

type testServer struct {
	ts       *httptest.Server
	dialer   *channel.MockDialer
	upstream *fakeUpstream
	creds    *credentials.Store
	notices  *notice.Hub
}

func newTestServer(t *testing.T, submit submitFunc) *testServer {
	t.Helper()
	cfg := config.Config{
		APIBaseURL:               "http://exam.test/api",
		AIExamMaxArchives:        3,
		AIExamDefaultTemperature: 0.7,
		AuthNoticeCooldown:       time.Second,
		AuthLandingRoute:         "/",
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano()))

	creds := credentials.NewStore(storage.NewMemoryStore(), storage.NewMemoryStore())
	hub := notice.NewHub(nil)
	dialer := channel.NewMockDialer()
	upstream := &fakeUpstream{apiKey: "AIza-test"}
	machine := lifecycle.New(lifecycle.Options{
		Records:   taskrecord.NewStore(storage.NewMemoryStore()),
		Submitter: submit,
		Keys:      upstream,
		Dialer:    dialer,
		Notifier:  hub,
		Metrics:   metrics,
	})
	t.Cleanup(machine.Close)
	registry := discussion.NewRegistry(discussion.Deps{Dialer: dialer, Notifier: hub, Metrics: metrics})
	t.Cleanup(func() { registry.CloseAll() })

	srv := New(cfg, Deps{
		Lifecycle:   machine,
		Discussions: registry,
		Upstream:    upstream,
		Credentials: creds,
		Notices:     hub,
		Signal:      unauthorized.New(creds, hub, unauthorized.NewRoutes("/"), unauthorized.Options{}),
		Metrics:     metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, dialer: dialer, upstream: upstream, creds: creds, notices: hub}
}

func acceptAs(taskID string) submitFunc {
	return func(protocol.SubmitRequest) (protocol.SubmitResponse, error) {
		return protocol.SubmitResponse{TaskID: taskID, Status: "pending"}, nil
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res.StatusCode, payload
}

var validForm = map[string]any{
	"course_name": "Analisi 1",
	"professor":   "Rossi",
	"archive_ids": []int64{4, 9},
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	status, payload := s.do(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", status, http.StatusOK)
	}
	if payload["phase"] != string(lifecycle.PhaseSelectingSource) {
		t.Fatalf("phase = %v, want %v", payload["phase"], lifecycle.PhaseSelectingSource)
	}

	status, payload = s.do(t, http.MethodGet, "/readyz", nil)
	if status != http.StatusOK {
		t.Fatalf("GET /readyz status = %d, want %d", status, http.StatusOK)
	}
	if payload["signed_in"] != false {
		t.Fatalf("signed_in = %v, want false", payload["signed_in"])
	}
}

func TestGenerateOpensTaskChannel(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	status, payload := s.do(t, http.MethodPost, "/v1/ai-exam/generate", validForm)
	if status != http.StatusAccepted {
		t.Fatalf("generate status = %d, want %d (%v)", status, http.StatusAccepted, payload)
	}
	if payload["phase"] != string(lifecycle.PhasePending) {
		t.Fatalf("phase = %v, want %v", payload["phase"], lifecycle.PhasePending)
	}
	if payload["task_id"] != "t-1" {
		t.Fatalf("task_id = %v, want t-1", payload["task_id"])
	}
	chs := s.dialer.Channels()
	if len(chs) != 1 || chs[0].Path != channel.TaskPath("t-1") {
		t.Fatalf("dialed channels = %v, want one for t-1", chs)
	}
}

func TestGenerateRejectsInvalidForm(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	status, payload := s.do(t, http.MethodPost, "/v1/ai-exam/generate", map[string]any{
		"course_name": "Analisi 1",
		"professor":   "Rossi",
		"archive_ids": []int64{1, 2, 3, 4},
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if payload["code"] != "invalid_request" {
		t.Fatalf("code = %v, want invalid_request", payload["code"])
	}
}

func TestGenerateMapsUpstreamFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantPhase  lifecycle.Phase
	}{
		{
			name:       "unauthorized",
			err:        fmt.Errorf("submit: %w", reliability.ErrUnauthorized),
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
			wantPhase:  lifecycle.PhaseSelectingSource,
		},
		{
			name:       "already running",
			err:        fmt.Errorf("submit: %w: task already running", reliability.ErrConflict),
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
			wantPhase:  lifecycle.PhaseError,
		},
		{
			name:       "server error",
			err:        &reliability.StatusError{Method: "POST", Path: "/ai-exam/generate", Code: 503},
			wantStatus: http.StatusBadGateway,
			wantCode:   "upstream_unavailable",
			wantPhase:  lifecycle.PhaseError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, func(protocol.SubmitRequest) (protocol.SubmitResponse, error) {
				return protocol.SubmitResponse{}, tc.err
			})
			status, payload := s.do(t, http.MethodPost, "/v1/ai-exam/generate", validForm)
			if status != tc.wantStatus {
				t.Fatalf("status = %d, want %d", status, tc.wantStatus)
			}
			if payload["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %v", payload["code"], tc.wantCode)
			}
			st, _ := payload["state"].(map[string]any)
			if st["phase"] != string(tc.wantPhase) {
				t.Fatalf("state.phase = %v, want %v", st["phase"], tc.wantPhase)
			}
		})
	}
}

func TestGenerateWithoutAPIKeyIsRejected(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))
	s.upstream.apiKey = ""

	status, payload := s.do(t, http.MethodPost, "/v1/ai-exam/generate", validForm)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if payload["code"] != lifecycle.ReasonAPIKeyMissing {
		t.Fatalf("code = %v, want %v", payload["code"], lifecycle.ReasonAPIKeyMissing)
	}
	st, _ := payload["state"].(map[string]any)
	if st["phase"] != string(lifecycle.PhaseSelectingSource) {
		t.Fatalf("state.phase = %v, want %v", st["phase"], lifecycle.PhaseSelectingSource)
	}
	if n := len(s.dialer.Channels()); n != 0 {
		t.Fatalf("channels dialed = %d, want 0", n)
	}
}

func TestRegenerateRequiresConfirmation(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))
	if status, _ := s.do(t, http.MethodPost, "/v1/ai-exam/generate", validForm); status != http.StatusAccepted {
		t.Fatalf("generate status = %d", status)
	}
	ch := s.dialer.Channels()[0]
	ch.PushJSON(protocol.TaskEnvelope{
		TaskID: "t-1",
		Status: protocol.StatusComplete,
		Result: &protocol.TaskResult{Success: true, GeneratedContent: "# Exam"},
	})

	deadline := time.Now().Add(time.Second)
	for {
		_, payload := s.do(t, http.MethodGet, "/v1/ai-exam/state", nil)
		if payload["phase"] == string(lifecycle.PhaseResult) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("phase = %v, want %v", payload["phase"], lifecycle.PhaseResult)
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, payload := s.do(t, http.MethodPost, "/v1/ai-exam/regenerate", map[string]any{"confirm": false})
	if status != http.StatusConflict || payload["code"] != "not_confirmed" {
		t.Fatalf("regenerate without confirm = %d %v, want 409 not_confirmed", status, payload["code"])
	}

	status, payload = s.do(t, http.MethodPost, "/v1/ai-exam/regenerate", map[string]any{"confirm": true})
	if status != http.StatusOK {
		t.Fatalf("regenerate status = %d, want %d", status, http.StatusOK)
	}
	if payload["phase"] != string(lifecycle.PhaseSelectingSource) {
		t.Fatalf("phase = %v, want %v", payload["phase"], lifecycle.PhaseSelectingSource)
	}
}

func TestDismissOutsideErrorConflicts(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))
	status, payload := s.do(t, http.MethodPost, "/v1/ai-exam/dismiss", nil)
	if status != http.StatusConflict || payload["code"] != "invalid_transition" {
		t.Fatalf("dismiss = %d %v, want 409 invalid_transition", status, payload["code"])
	}
}

func TestLoginStoresTokenWithoutEchoingIt(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	status, payload := s.do(t, http.MethodPost, "/v1/auth/login", map[string]any{
		"username": "ada",
		"password": "secret",
		"remember": true,
	})
	if status != http.StatusOK {
		t.Fatalf("login status = %d, want %d", status, http.StatusOK)
	}
	for k, v := range payload {
		if str, ok := v.(string); ok && strings.Contains(str, "tok-") {
			t.Fatalf("login response leaks token in %q", k)
		}
	}
	token, err := s.creds.Token(context.Background())
	if err != nil || token != "tok-ada" {
		t.Fatalf("stored token = %q, %v, want tok-ada", token, err)
	}

	status, payload = s.do(t, http.MethodPost, "/v1/auth/logout", nil)
	if status != http.StatusOK || payload["signed_in"] != false {
		t.Fatalf("logout = %d %v", status, payload)
	}
	if token, _ := s.creds.Token(context.Background()); token != "" {
		t.Fatalf("token after logout = %q, want empty", token)
	}
	if n := s.upstream.logoutCalls(); n != 1 {
		t.Fatalf("upstream logouts = %d, want 1", n)
	}
}

func TestLoginRejectedIsNotSessionExpiry(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))
	s.upstream.loginErr = fmt.Errorf("login: %w", reliability.ErrInvalidCredentials)

	status, payload := s.do(t, http.MethodPost, "/v1/auth/login", map[string]any{"username": "ada", "password": "nope"})
	if status != http.StatusUnauthorized || payload["code"] != "invalid_credentials" {
		t.Fatalf("login = %d %v, want 401 invalid_credentials", status, payload["code"])
	}
}

func TestLoginTruncatedBodyIsNotEmpty(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	res, err := http.Post(s.ts.URL+"/v1/auth/login", "application/json", strings.NewReader(`{"username":"ada","pass`))
	if err != nil {
		t.Fatalf("POST /v1/auth/login error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if payload["error"] == errEmptyBody.Error() {
		t.Fatalf("truncated body reported as %q", payload["error"])
	}
}

func TestLogoutWithoutTokenSkipsUpstream(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	status, payload := s.do(t, http.MethodPost, "/v1/auth/logout", nil)
	if status != http.StatusOK || payload["signed_in"] != false {
		t.Fatalf("logout = %d %v", status, payload)
	}
	if n := s.upstream.logoutCalls(); n != 0 {
		t.Fatalf("upstream logouts = %d, want 0", n)
	}
}

func TestAPIKeyUpdateAndRemove(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	_, payload := s.do(t, http.MethodPut, "/v1/ai-exam/api-key", map[string]any{"gemini_api_key": " AIza-123 "})
	if payload["has_api_key"] != true {
		t.Fatalf("has_api_key = %v, want true", payload["has_api_key"])
	}
	if s.upstream.apiKey != "AIza-123" {
		t.Fatalf("stored key = %q, want trimmed key", s.upstream.apiKey)
	}
	_, payload = s.do(t, http.MethodPut, "/v1/ai-exam/api-key", map[string]any{"gemini_api_key": nil})
	if payload["has_api_key"] != false {
		t.Fatalf("has_api_key = %v, want false", payload["has_api_key"])
	}
}

func TestDiscussionRoutes(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	status, payload := s.do(t, http.MethodPost, "/v1/discussion/3/8/messages", map[string]any{"content": "hi"})
	if status != http.StatusNotFound || payload["code"] != "room_not_open" {
		t.Fatalf("send before open = %d %v, want 404 room_not_open", status, payload["code"])
	}

	if status, _ := s.do(t, http.MethodPost, "/v1/discussion/3/8/open", nil); status != http.StatusOK {
		t.Fatalf("open status = %d, want %d", status, http.StatusOK)
	}
	status, payload = s.do(t, http.MethodPost, "/v1/discussion/3/8/messages", map[string]any{
		"content": strings.Repeat("x", protocol.MaxDiscussionMessageRunes+1),
	})
	if status != http.StatusBadRequest || payload["code"] != "message_too_long" {
		t.Fatalf("long send = %d %v, want 400 message_too_long", status, payload["code"])
	}
	if status, _ := s.do(t, http.MethodPost, "/v1/discussion/3/8/messages", map[string]any{"content": "hi"}); status != http.StatusAccepted {
		t.Fatalf("send status = %d, want %d", status, http.StatusAccepted)
	}
	if status, _ := s.do(t, http.MethodGet, "/v1/discussion/x/8/messages", nil); status != http.StatusBadRequest {
		t.Fatalf("bad course id status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestEventsStreamPushesStateAndNotices(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first streamFrame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Type != frameState || first.State == nil || first.State.Phase != lifecycle.PhaseSelectingSource {
		t.Fatalf("first frame = %+v, want initial state", first)
	}

	s.notices.Notify(notice.Notice{Severity: notice.SeverityInfo, Summary: "hello", Life: 3 * time.Second})
	var next streamFrame
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read notice frame: %v", err)
	}
	if next.Type != frameNotice || next.Notice.Summary != "hello" || next.Notice.LifeMS != 3000 {
		t.Fatalf("notice frame = %+v", next.Notice)
	}
}

func TestEventsStreamRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t, acceptAs("t-1"))

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/events/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("dial with foreign origin succeeded, want rejection")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}
