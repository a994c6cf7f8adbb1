package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/database"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/scheduler"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/server"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/transport/transporttest"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	integrationChatroom = "lobby"
	jsonContentType     = "application/json"
)

type device struct {
	store   *chat.Store
	adapter *scheduler.Adapter
	handler http.Handler
}

func newDevice(testContext *testing.T, relayServer *transporttest.Server, name string) *device {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), name+".db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite for %s: %v", name, err)
	}
	testContext.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store, err := chat.NewStore(chat.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		testContext.Fatalf("failed to register metrics: %v", err)
	}
	dispatcher := server.NewRealtimeDispatcher()

	processor, err := relay.NewProcessor(relay.ProcessorConfig{
		Store:           store,
		Transport:       relayServer.Client(testContext),
		Locator:         relay.StaticLocator{Position: chat.Location{Latitude: 52.52, Longitude: 13.40}},
		Metrics:         collectors,
		Events:          dispatcher,
		DefaultChatroom: integrationChatroom,
		Version:         "integration",
	})
	if err != nil {
		testContext.Fatalf("failed to build processor: %v", err)
	}
	adapter, err := scheduler.New(scheduler.Config{Processor: processor})
	if err != nil {
		testContext.Fatalf("failed to build adapter: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:    store,
		Actions:  adapter,
		Realtime: dispatcher,
		Metrics:  collectors,
		Gatherer: registry,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build status handler: %v", err)
	}
	if err := adapter.RunRegistration(context.Background(), transporttest.Address, name); err != nil {
		testContext.Fatalf("failed to register %s: %v", name, err)
	}
	return &device{store: store, adapter: adapter, handler: handler}
}

func (d *device) mustDo(testContext *testing.T, method, path string, body any, wantStatus int, target any) {
	testContext.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			testContext.Fatalf("failed to encode request: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", jsonContentType)
	recorder := httptest.NewRecorder()
	d.handler.ServeHTTP(recorder, request)
	if recorder.Code != wantStatus {
		testContext.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, recorder.Code, recorder.Body.String())
	}
	if target != nil {
		if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
			testContext.Fatalf("failed to decode %s %s: %v", method, path, err)
		}
	}
}

type statusPayload struct {
	Registered bool  `json:"registered"`
	Watermark  int64 `json:"watermark"`
	Outbound   int   `json:"outbound"`
}

type messagesPayload struct {
	Messages []chat.Message `json:"messages"`
}

func TestMessagesRelayBetweenDevices(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	relayServer := transporttest.NewServer(testContext, transporttest.NewRelay())
	alice := newDevice(testContext, relayServer, "alice")
	bob := newDevice(testContext, relayServer, "bob")

	alice.mustDo(testContext, http.MethodPost, "/chatrooms/"+integrationChatroom+"/messages", map[string]string{"text": "hi bob"}, http.StatusAccepted, nil)

	var aliceStatus statusPayload
	alice.mustDo(testContext, http.MethodGet, "/status", nil, http.StatusOK, &aliceStatus)
	if !aliceStatus.Registered || aliceStatus.Outbound != 1 {
		testContext.Fatalf("expected one queued message before sync, got %+v", aliceStatus)
	}

	alice.mustDo(testContext, http.MethodPost, "/sync", nil, http.StatusOK, nil)
	alice.mustDo(testContext, http.MethodGet, "/status", nil, http.StatusOK, &aliceStatus)
	if aliceStatus.Outbound != 0 || aliceStatus.Watermark != 1 {
		testContext.Fatalf("expected the message settled at 1, got %+v", aliceStatus)
	}

	bob.mustDo(testContext, http.MethodPost, "/sync", nil, http.StatusOK, nil)

	var bobMessages messagesPayload
	bob.mustDo(testContext, http.MethodGet, "/chatrooms/"+integrationChatroom+"/messages", nil, http.StatusOK, &bobMessages)
	if len(bobMessages.Messages) != 1 {
		testContext.Fatalf("expected one relayed message, got %d", len(bobMessages.Messages))
	}
	relayed := bobMessages.Messages[0]
	if relayed.Text != "hi bob" || relayed.Sender != "alice" || relayed.SeqNum != 1 {
		testContext.Fatalf("unexpected relayed message %+v", relayed)
	}

	peers, err := bob.store.Peers(context.Background())
	if err != nil {
		testContext.Fatalf("failed to list peers: %v", err)
	}
	if len(peers) != 2 {
		testContext.Fatalf("expected alice and bob as peers, got %+v", peers)
	}

	bob.mustDo(testContext, http.MethodPost, "/sync", nil, http.StatusOK, nil)
	bob.mustDo(testContext, http.MethodGet, "/chatrooms/"+integrationChatroom+"/messages", nil, http.StatusOK, &bobMessages)
	if len(bobMessages.Messages) != 1 {
		testContext.Fatalf("expected a repeated sync to add nothing, got %d messages", len(bobMessages.Messages))
	}

	var aliceMessages messagesPayload
	alice.mustDo(testContext, http.MethodGet, "/chatrooms/"+integrationChatroom+"/messages", nil, http.StatusOK, &aliceMessages)
	if len(aliceMessages.Messages) != 1 || !aliceMessages.Messages[0].Settled() {
		testContext.Fatalf("expected alice to hold exactly her settled message, got %+v", aliceMessages.Messages)
	}
}
