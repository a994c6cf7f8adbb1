package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/database"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type stubActions struct {
	mu        sync.Mutex
	syncErr   error
	postErr   error
	posted    []string
	syncCalls int
	last      scheduler.SyncStatus
}

func (s *stubActions) RunSyncOnce(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls++
	s.last = scheduler.SyncStatus{At: time.Unix(1700000000, 0).UTC(), Outcome: scheduler.OutcomeSuccess}
	if s.syncErr != nil {
		s.last = scheduler.SyncStatus{At: s.last.At, Outcome: scheduler.OutcomeBusy, Err: s.syncErr, Error: s.syncErr.Error()}
	}
	return s.syncErr
}

func (s *stubActions) RunPostMessage(_ context.Context, chatroom, text string) (relay.PostMessageResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postErr != nil {
		return relay.PostMessageResponse{}, s.postErr
	}
	s.posted = append(s.posted, chatroom+":"+text)
	return relay.PostMessageResponse{LocalID: int64(len(s.posted)), Chatroom: chatroom}, nil
}

func (s *stubActions) LastSync() scheduler.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newTestStore(t *testing.T) *chat.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "status.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := chat.NewStore(chat.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func seedRegisteredStore(t *testing.T, store *chat.Store) {
	t.Helper()
	ctx := context.Background()
	err := store.CompleteRegistration(ctx, chat.Registration{
		AppID:           uuid.New(),
		ChatName:        "alice",
		ServerAddress:   "relay.example.com:443",
		DefaultChatroom: "lobby",
		Timestamp:       time.Unix(1700000000, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	identity, err := store.Identity(ctx)
	if err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if err := store.AppendMessage(ctx, &chat.Message{Chatroom: "lobby", Text: "hi", AppID: identity.AppID, Sender: "alice"}); err != nil {
		t.Fatalf("failed to append message: %v", err)
	}
}

func newTestHandler(t *testing.T, store StatusStore, actions SyncActions, registry *prometheus.Registry) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	deps := Dependencies{
		Store:    store,
		Actions:  actions,
		Realtime: NewRealtimeDispatcher(),
		Logger:   zap.NewNop(),
	}
	if registry != nil {
		collectors, err := metrics.New(registry)
		if err != nil {
			t.Fatalf("failed to register metrics: %v", err)
		}
		deps.Metrics = collectors
		deps.Gatherer = registry
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	store := newTestStore(t)
	if _, err := NewHTTPHandler(Dependencies{Actions: &stubActions{}, Realtime: NewRealtimeDispatcher()}); err != errMissingStore {
		t.Fatalf("expected missing store error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Store: store, Realtime: NewRealtimeDispatcher()}); err != errMissingActions {
		t.Fatalf("expected missing actions error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Store: store, Actions: &stubActions{}}); err != errMissingDispatcher {
		t.Fatalf("expected missing dispatcher error, got %v", err)
	}
}

func TestStatusReportsRegistrationAndQueue(t *testing.T) {
	store := newTestStore(t)
	seedRegisteredStore(t, store)
	actions := &stubActions{}
	handler := newTestHandler(t, store, actions, nil)

	recorder := serve(handler, http.MethodGet, "/status", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload statusResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !payload.Registered || payload.ChatName != "alice" || payload.ServerAddress != "relay.example.com:443" {
		t.Fatalf("unexpected identity in status: %+v", payload)
	}
	if payload.Outbound != 1 || payload.Watermark != 0 {
		t.Fatalf("expected one queued message at watermark 0, got %+v", payload)
	}
	if payload.AppID == "" {
		t.Fatal("expected an app id")
	}
}

func TestListingEndpoints(t *testing.T) {
	store := newTestStore(t)
	seedRegisteredStore(t, store)
	handler := newTestHandler(t, store, &stubActions{}, nil)

	chatrooms := serve(handler, http.MethodGet, "/chatrooms", "")
	if chatrooms.Code != http.StatusOK || !strings.Contains(chatrooms.Body.String(), `"name":"lobby"`) {
		t.Fatalf("unexpected chatrooms response %d: %s", chatrooms.Code, chatrooms.Body.String())
	}

	peers := serve(handler, http.MethodGet, "/peers", "")
	if peers.Code != http.StatusOK || !strings.Contains(peers.Body.String(), `"name":"alice"`) {
		t.Fatalf("unexpected peers response %d: %s", peers.Code, peers.Body.String())
	}

	messages := serve(handler, http.MethodGet, "/chatrooms/lobby/messages", "")
	if messages.Code != http.StatusOK {
		t.Fatalf("unexpected messages status %d", messages.Code)
	}
	var payload struct {
		Chatroom string         `json:"chatroom"`
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(messages.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode messages: %v", err)
	}
	if payload.Chatroom != "lobby" || len(payload.Messages) != 1 || payload.Messages[0].Text != "hi" || payload.Messages[0].Settled() {
		t.Fatalf("unexpected messages payload %+v", payload)
	}
}

func TestPostMessageMapsErrors(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		postErr    error
		wantStatus int
	}{
		{name: "accepted", body: `{"text":"hello"}`, wantStatus: http.StatusAccepted},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "not registered", body: `{"text":"hello"}`, postErr: relay.ErrNotRegistered, wantStatus: http.StatusConflict},
		{name: "invalid message", body: `{"text":""}`, postErr: chat.ErrInvalidMessage, wantStatus: http.StatusBadRequest},
		{name: "storage failure", body: `{"text":"hello"}`, postErr: &relay.Error{Kind: relay.KindLocalStorage, Op: "post", Err: context.Canceled}, wantStatus: http.StatusInternalServerError},
	}
	store := newTestStore(t)
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			actions := &stubActions{postErr: testCase.postErr}
			handler := newTestHandler(t, store, actions, nil)
			recorder := serve(handler, http.MethodPost, "/chatrooms/general/messages", testCase.body)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			if testCase.wantStatus == http.StatusAccepted && (len(actions.posted) != 1 || actions.posted[0] != "general:hello") {
				t.Fatalf("expected the message to be posted, got %v", actions.posted)
			}
		})
	}
}

func TestSyncTriggerReportsOutcome(t *testing.T) {
	store := newTestStore(t)
	actions := &stubActions{}
	handler := newTestHandler(t, store, actions, nil)

	recorder := serve(handler, http.MethodPost, "/sync", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"outcome":"success"`) {
		t.Fatalf("unexpected sync response %d: %s", recorder.Code, recorder.Body.String())
	}

	actions.syncErr = relay.ErrSyncInProgress
	recorder = serve(handler, http.MethodPost, "/sync", "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict for a concurrent sync, got %d", recorder.Code)
	}
	if actions.syncCalls != 2 {
		t.Fatalf("expected two sync calls, got %d", actions.syncCalls)
	}
}

func TestMessagesRejectsBlankChatroom(t *testing.T) {
	handler := newTestHandler(t, newTestStore(t), &stubActions{}, nil)
	recorder := serve(handler, http.MethodGet, "/chatrooms/%20/messages", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
}

func TestMetricsEndpointExposesHTTPCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	handler := newTestHandler(t, newTestStore(t), &stubActions{}, registry)

	if recorder := serve(handler, http.MethodGet, "/healthz", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", recorder.Code)
	}
	recorder := serve(handler, http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `chatrelay_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz request counter in metrics output:\n%s", recorder.Body.String())
	}
}

func TestTriggerRoutesAreRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	actions := &stubActions{}
	handler, err := NewHTTPHandler(Dependencies{
		Store:        newTestStore(t),
		Actions:      actions,
		Realtime:     NewRealtimeDispatcher(),
		TriggerRate:  rate.Limit(0.001),
		TriggerBurst: 1,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	if recorder := serve(handler, http.MethodPost, "/sync", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected first sync to pass, got %d", recorder.Code)
	}
	if recorder := serve(handler, http.MethodPost, "/sync", ""); recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second sync to be limited, got %d", recorder.Code)
	}
	if recorder := serve(handler, http.MethodGet, "/status", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected reads to bypass the limiter, got %d", recorder.Code)
	}
	if actions.syncCalls != 1 {
		t.Fatalf("expected one sync call, got %d", actions.syncCalls)
	}
}

func TestResponsesAreCompressedOnRequest(t *testing.T) {
	handler := newTestHandler(t, newTestStore(t), &stubActions{}, nil)
	request := httptest.NewRequest(http.MethodGet, "/chatrooms", http.NoBody)
	request.Header.Set("Accept-Encoding", "gzip")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if recorder.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", recorder.Header().Get("Content-Encoding"))
	}
}
