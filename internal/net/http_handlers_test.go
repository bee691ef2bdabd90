package net

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	server "mosaic/server"
	"mosaic/server/recorder"
)

func newTestServer(t *testing.T) (*httptest.Server, *server.Hub, recorder.Store) {
	t.Helper()
	store := recorder.NewMemoryStore()
	rec := recorder.New(store, recorder.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rec.Close(ctx)
	})

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)
	hub := server.NewHub(server.HubConfig{}, rec, nil, metrics)

	ts := httptest.NewServer(NewRouter(Deps{
		Hub:      hub,
		Store:    store,
		Gatherer: registry,
	}))
	t.Cleanup(ts.Close)
	return ts, hub, store
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/updates" + query
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return doc
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		doc := readFrame(t, conn)
		if doc["type"] == typ {
			return doc
		}
	}
	t.Fatalf("no %s frame within 10 reads", typ)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestUpdatesRejectsUnknownMode(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/updates?mode=admin")
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebsocketJoinPaintRoundTrip(t *testing.T) {
	ts, hub, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?mode=full&instanceId=test"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	snap := readFrameOfType(t, conn, "initial_state")
	myID, _ := snap["my_user_id"].(string)
	if myID == "" {
		t.Fatal("snapshot missing my_user_id")
	}
	if hub.ParticipantCount() != 1 {
		t.Fatalf("participants = %d, want 1", hub.ParticipantCount())
	}

	paint := map[string]any{"type": "cell_update", "sub_x": 3, "sub_y": 4, "color": "#abcdef"}
	if err := conn.WriteJSON(paint); err != nil {
		t.Fatalf("write paint: %v", err)
	}

	update := readFrameOfType(t, conn, "cell_update")
	if update["user_id"] != myID || update["color"] != "#abcdef" {
		t.Fatalf("unexpected cell_update: %v", update)
	}
}

func TestWebsocketDisconnectFreesCell(t *testing.T) {
	ts, hub, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?mode=full"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrameOfType(t, conn, "initial_state")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ParticipantCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.ParticipantCount(); got != 0 {
		t.Fatalf("participants = %d after disconnect, want 0", got)
	}
}

func TestMonitoringModeObservesWithoutJoining(t *testing.T) {
	ts, hub, _ := newTestServer(t)

	mon, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?mode=monitoring"), nil)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	defer mon.Close()
	snap := readFrameOfType(t, mon, "initial_state")
	if _, ok := snap["my_user_id"]; ok {
		t.Fatal("monitoring snapshot carries my_user_id")
	}

	full, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?mode=full"), nil)
	if err != nil {
		t.Fatalf("dial full: %v", err)
	}
	defer full.Close()

	joined := readFrameOfType(t, mon, "new_user")
	if joined["user_id"] == "" {
		t.Fatalf("new_user frame malformed: %v", joined)
	}
	if hub.ParticipantCount() != 1 {
		t.Fatalf("participants = %d, want 1", hub.ParticipantCount())
	}
}

func TestReplayAPIServesRecordedSessions(t *testing.T) {
	ts, hub, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?mode=full"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrameOfType(t, conn, "initial_state")
	conn.WriteJSON(map[string]any{"type": "cell_update", "sub_x": 0, "sub_y": 0, "color": "#123456"})
	readFrameOfType(t, conn, "cell_update")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ParticipantCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the recorder a moment to flush its batch.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/player/sessions")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	defer resp.Body.Close()
	// The player consumes bare arrays with snake_case metadata.
	var sessions []struct {
		ID         string `json:"id"`
		StartTime  int64  `json:"start_time"`
		EndTime    int64  `json:"end_time"`
		EventCount int    `json:"event_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].StartTime == 0 || sessions[0].EndTime == 0 {
		t.Fatalf("session times missing: %+v", sessions[0])
	}
	if sessions[0].EventCount == 0 {
		t.Fatalf("event_count missing: %+v", sessions[0])
	}

	eventsResp, err := http.Get(ts.URL + "/api/player/sessions/" + sessions[0].ID + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer eventsResp.Body.Close()
	var events []map[string]any
	if err := json.NewDecoder(eventsResp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	// Each element is the broadcast document itself: type and
	// timestamp at top level, so the player can bootstrap from the
	// first initial_state it finds.
	sawSnapshot, sawPaint := false, false
	for i, ev := range events {
		if _, ok := ev["timestamp"].(float64); !ok {
			t.Fatalf("event %d has no numeric timestamp: %v", i, ev)
		}
		switch ev["type"] {
		case "initial_state":
			sawSnapshot = true
		case "cell_update":
			if ev["color"] == "#123456" {
				sawPaint = true
			}
		}
	}
	if !sawSnapshot {
		t.Fatal("recorded events missing an initial_state snapshot")
	}
	if !sawPaint {
		t.Fatal("recorded events missing the painted cell_update")
	}
}

func TestReplayAPIUnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/player/sessions/nope/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
