package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := NewWSHub()

	client := &WSClient{
		agents: make(map[string]bool),
		cancel: func() {},
	}

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestWSHubSubscribedAgentsUnion(t *testing.T) {
	hub := NewWSHub()
	other := "0x1111111111111111111111111111111111111111"

	a := &WSClient{agents: map[string]bool{testAgent: true, other: true}, cancel: func() {}}
	b := &WSClient{agents: map[string]bool{testAgent: true}, cancel: func() {}}
	hub.Register(a)
	hub.Register(b)

	if got := hub.SubscribedCount(); got != 2 {
		t.Fatalf("expected 2 distinct agents, got %d", got)
	}
}

func TestWSHubBroadcastNoClients(t *testing.T) {
	hub := NewWSHub()

	// Should not panic with 0 clients
	score := uint64(950)
	hub.Broadcast([]WSAssessment{{AgentID: testAgent, Score: &score, Verdict: VerdictTrusted}}, time.Now())
}

func TestWSFeedInfoWithoutUpgrade(t *testing.T) {
	hub := NewWSHub()

	req := httptest.NewRequest("GET", "/ws/reputation", nil)
	w := httptest.NewRecorder()
	hub.handleFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["endpoint"] != "/ws/reputation" {
		t.Errorf("expected endpoint doc, got %v", body["endpoint"])
	}
	if !strings.Contains(w.Body.String(), "subscribe") {
		t.Error("expected message docs in info payload")
	}
}

func setupTestWSServer(t *testing.T) (*WSHub, *httptest.Server) {
	t.Helper()
	hub := NewWSHub()
	// The watcher installs the snapshot function on the hub.
	NewWatcher(fakeReader{record: healthyRecord()}, DefaultScoringConfig(), testPollInterval, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/reputation", hub.handleFeed)
	server := httptest.NewServer(mux)
	return hub, server
}

func dialTestWS(t *testing.T, ctx context.Context, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + server.URL[4:] + "/ws/reputation"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}

	var welcome WSMessage
	if err := wsjson.Read(ctx, c, &welcome); err != nil {
		t.Fatalf("read welcome error: %v", err)
	}
	if welcome.Type != "connected" {
		t.Errorf("expected type 'connected', got '%s'", welcome.Type)
	}
	return c
}

func TestWSConnectAndSubscribe(t *testing.T) {
	hub, server := setupTestWSServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialTestWS(t, ctx, server)
	defer c.CloseNow()

	sub := WSMessage{Type: "subscribe", Agents: []string{testAgent}}
	if err := wsjson.Write(ctx, c, sub); err != nil {
		t.Fatalf("write subscribe error: %v", err)
	}

	var resp WSMessage
	if err := wsjson.Read(ctx, c, &resp); err != nil {
		t.Fatalf("read assessments error: %v", err)
	}
	if resp.Type != "assessments" {
		t.Errorf("expected type 'assessments', got '%s'", resp.Type)
	}
	if len(resp.Assessments) != 1 {
		t.Fatalf("expected 1 assessment, got %d", len(resp.Assessments))
	}
	entry := resp.Assessments[0]
	if entry.AgentID != testAgent {
		t.Errorf("expected agent %s, got %s", testAgent, entry.AgentID)
	}
	if entry.Score == nil || *entry.Score != 950 {
		t.Errorf("expected score 950, got %v", entry.Score)
	}
	if entry.Verdict != VerdictTrusted {
		t.Errorf("expected TRUSTED, got %s", entry.Verdict)
	}

	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 connected client, got %d", hub.ClientCount())
	}

	c.Close(websocket.StatusNormalClosure, "done")
}

func TestWSSubscribeRejectsInvalidAddresses(t *testing.T) {
	_, server := setupTestWSServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialTestWS(t, ctx, server)
	defer c.CloseNow()

	sub := WSMessage{Type: "subscribe", Agents: []string{"not-an-address", "0x123"}}
	if err := wsjson.Write(ctx, c, sub); err != nil {
		t.Fatalf("write error: %v", err)
	}

	var resp WSMessage
	if err := wsjson.Read(ctx, c, &resp); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if resp.Type != "error" {
		t.Errorf("expected error message, got '%s'", resp.Type)
	}

	c.Close(websocket.StatusNormalClosure, "done")
}

func TestWSUnsubscribe(t *testing.T) {
	hub, server := setupTestWSServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialTestWS(t, ctx, server)
	defer c.CloseNow()

	sub := WSMessage{Type: "subscribe", Agents: []string{testAgent}}
	_ = wsjson.Write(ctx, c, sub)
	var resp WSMessage
	_ = wsjson.Read(ctx, c, &resp)

	unsub := WSMessage{Type: "unsubscribe", Agents: []string{testAgent}}
	if err := wsjson.Write(ctx, c, unsub); err != nil {
		t.Fatalf("write unsubscribe error: %v", err)
	}

	var ack WSMessage
	if err := wsjson.Read(ctx, c, &ack); err != nil {
		t.Fatalf("read ack error: %v", err)
	}
	if ack.Type != "unsubscribed" {
		t.Errorf("expected type 'unsubscribed', got '%s'", ack.Type)
	}
	if hub.SubscribedCount() != 0 {
		t.Errorf("expected no watched agents, got %d", hub.SubscribedCount())
	}

	c.Close(websocket.StatusNormalClosure, "done")
}

func TestWSInvalidMessageType(t *testing.T) {
	_, server := setupTestWSServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := dialTestWS(t, ctx, server)
	defer c.CloseNow()

	bad := WSMessage{Type: "invalid"}
	_ = wsjson.Write(ctx, c, bad)

	var errMsg WSMessage
	if err := wsjson.Read(ctx, c, &errMsg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if errMsg.Type != "error" {
		t.Errorf("expected error message, got '%s'", errMsg.Type)
	}

	c.Close(websocket.StatusNormalClosure, "done")
}

func TestWatcherSnapshotDegradesOnReadFailure(t *testing.T) {
	hub := NewWSHub()
	w := NewWatcher(fakeReader{err: context.DeadlineExceeded}, DefaultScoringConfig(), testPollInterval, hub)

	out := w.Snapshot(context.Background(), []string{testAgent})
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	if out[0].Score != nil {
		t.Errorf("expected null score, got %v", *out[0].Score)
	}
	if out[0].Verdict != VerdictUnknown {
		t.Errorf("expected UNKNOWN, got %s", out[0].Verdict)
	}
	if out[0].RecentTrend != TrendInsufficientData {
		t.Errorf("expected insufficient_data, got %s", out[0].RecentTrend)
	}
}
