package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"mosaic/server/recorder"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// frameConn records every frame the write pump emits.
type frameConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *frameConn) SetWriteDeadline(time.Time) error { return nil }

func (c *frameConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *frameConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *frameConn) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func waitForFrames(t *testing.T, conn *frameConn, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := conn.snapshot()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	frames := conn.snapshot()
	t.Fatalf("expected %d frames, got %d", n, len(frames))
	return frames
}

func frameTypes(t *testing.T, frames [][]byte) []string {
	t.Helper()
	out := make([]string, len(frames))
	for i, raw := range frames {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			t.Fatalf("frame %d does not decode: %v", i, err)
		}
		out[i] = head.Type
	}
	return out
}

func lastFrameOfType(t *testing.T, frames [][]byte, typ string) map[string]any {
	t.Helper()
	for i := len(frames) - 1; i >= 0; i-- {
		var doc map[string]any
		if err := json.Unmarshal(frames[i], &doc); err != nil {
			t.Fatalf("frame %d does not decode: %v", i, err)
		}
		if doc["type"] == typ {
			return doc
		}
	}
	t.Fatalf("no frame of type %s in %v", typ, frameTypes(t, frames))
	return nil
}

func newTestHub(clock *testClock, rec *recorder.Recorder) *Hub {
	cfg := HubConfig{
		InactivityTimeout:    time.Minute,
		TimeoutCheckInterval: time.Second,
	}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	return NewHub(cfg, rec, nil, nil)
}

func joinParticipant(h *Hub) (*Subscriber, *frameConn) {
	conn := &frameConn{}
	sub := h.Connect(conn, ModeFull, "test", "127.0.0.1")
	return sub, conn
}

func TestFirstJoinGetsCenterCell(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	sub, conn := joinParticipant(h)

	if sub.ParticipantID() == "" {
		t.Fatal("participant id not assigned")
	}
	if got := h.GridSize(); got != 1 {
		t.Fatalf("grid size = %d, want 1", got)
	}

	frames := waitForFrames(t, conn, 1)
	snap := lastFrameOfType(t, frames, EventInitialState)
	if snap["my_user_id"] != sub.ParticipantID() {
		t.Fatalf("my_user_id = %v, want %s", snap["my_user_id"], sub.ParticipantID())
	}

	var layout GridState
	if err := json.Unmarshal([]byte(snap["grid_state"].(string)), &layout); err != nil {
		t.Fatalf("grid_state does not parse: %v", err)
	}
	if pos := layout.UserPositions[sub.ParticipantID()]; pos != [2]int{0, 0} {
		t.Fatalf("first participant at %v, want center", pos)
	}
}

func TestSecondJoinGrowsGridAndNotifiesObserver(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	first, firstConn := joinParticipant(h)
	waitForFrames(t, firstConn, 1)

	second, _ := joinParticipant(h)

	frames := waitForFrames(t, firstConn, 3)
	types := frameTypes(t, frames)
	if types[1] != EventNewUser || types[2] != EventZoomUpdate {
		t.Fatalf("observer saw %v, want new_user then zoom_update", types)
	}

	zoom := lastFrameOfType(t, frames, EventZoomUpdate)
	if int(zoom["grid_size"].(float64)) != 3 {
		t.Fatalf("grid_size = %v, want 3", zoom["grid_size"])
	}
	var layout GridState
	if err := json.Unmarshal([]byte(zoom["grid_state"].(string)), &layout); err != nil {
		t.Fatalf("grid_state does not parse: %v", err)
	}
	if pos := layout.UserPositions[first.ParticipantID()]; pos != [2]int{0, 0} {
		t.Fatalf("first participant moved to %v, want center held", pos)
	}
	if pos := layout.UserPositions[second.ParticipantID()]; pos != [2]int{1, 0} {
		t.Fatalf("second participant at %v, want first spiral slot", pos)
	}
}

func TestJoinReusesFreedSlot(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i], _ = joinParticipant(h)
	}
	if got := h.GridSize(); got != 3 {
		t.Fatalf("grid size = %d, want 3", got)
	}

	// Dropping one of three keeps the grid at 3, so the freed slot
	// stays open for the next join.
	freed := h.Layout()[subs[1].ParticipantID()]
	h.Disconnect(subs[1], "test")
	if got := h.GridSize(); got != 3 {
		t.Fatalf("grid size after leave = %d, want 3", got)
	}

	next, _ := joinParticipant(h)
	if got := h.Layout()[next.ParticipantID()]; got != freed {
		t.Fatalf("new participant at %v, want freed slot %v", got, freed)
	}
}

func TestCollapseToSingleSurvivor(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	subs := make([]*Subscriber, 10)
	for i := range subs {
		subs[i], _ = joinParticipant(h)
	}
	if got := h.GridSize(); got != 5 {
		t.Fatalf("grid size with 10 participants = %d, want 5", got)
	}

	for _, sub := range subs[1:] {
		h.Disconnect(sub, "test")
	}

	if got := h.ParticipantCount(); got != 1 {
		t.Fatalf("participants = %d, want 1", got)
	}
	if got := h.GridSize(); got != 1 {
		t.Fatalf("grid size = %d, want 1", got)
	}
	if pos := h.Layout()[subs[0].ParticipantID()]; pos != [2]int{0, 0} {
		t.Fatalf("survivor at %v, want center", pos)
	}
}

func TestPaintCellReachesEveryoneIncludingPainter(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	painter, painterConn := joinParticipant(h)
	_, otherConn := joinParticipant(h)
	waitForFrames(t, painterConn, 3)

	if err := h.PaintCell(painter.ParticipantID(), 4, 7, "#ff0000"); err != nil {
		t.Fatalf("paint failed: %v", err)
	}

	for _, conn := range []*frameConn{painterConn, otherConn} {
		frames := conn.snapshot()
		deadline := time.Now().Add(2 * time.Second)
		for {
			if hasType(frames, EventCellUpdate) || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
			frames = conn.snapshot()
		}
		update := lastFrameOfType(t, frames, EventCellUpdate)
		if update["user_id"] != painter.ParticipantID() {
			t.Fatalf("cell_update from %v, want painter", update["user_id"])
		}
		if int(update["sub_x"].(float64)) != 4 || int(update["sub_y"].(float64)) != 7 {
			t.Fatalf("cell_update at (%v,%v), want (4,7)", update["sub_x"], update["sub_y"])
		}
		if update["color"] != "#ff0000" {
			t.Fatalf("cell_update color = %v", update["color"])
		}
	}
}

func hasType(frames [][]byte, typ string) bool {
	for _, raw := range frames {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &head) == nil && head.Type == typ {
			return true
		}
	}
	return false
}

func TestPaintValidation(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	painter, _ := joinParticipant(h)
	id := painter.ParticipantID()

	cases := []struct {
		name    string
		id      string
		x, y    int
		color   string
		wantErr error
	}{
		{"unknown participant", "nobody", 0, 0, "#112233", ErrUnknownParticipant},
		{"x below range", id, -1, 0, "#112233", ErrPaintOutOfRange},
		{"x above range", id, CellPixels, 0, "#112233", ErrPaintOutOfRange},
		{"y above range", id, 0, CellPixels, "#112233", ErrPaintOutOfRange},
		{"empty color", id, 0, 0, "", ErrEmptyColor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.PaintCell(tc.id, tc.x, tc.y, tc.color); err != tc.wantErr {
				t.Fatalf("PaintCell = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if got := h.Diagnostics().Telemetry.PaintsRejected; got != uint64(len(cases)) {
		t.Fatalf("paintsRejected = %d, want %d", got, len(cases))
	}
}

func TestPaintAcceptsOpaqueColorTokens(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	painter, conn := joinParticipant(h)
	id := painter.ParticipantID()

	// Clients pick their own encoding; the hub relays it verbatim.
	colors := []string{"rgb(255, 0, 0)", "#abc", "hsl(120, 50%, 50%)", "rebeccapurple"}
	for i, color := range colors {
		if err := h.PaintCell(id, i, 0, color); err != nil {
			t.Fatalf("PaintCell(%q) = %v", color, err)
		}
	}

	frames := waitForFrames(t, conn, 1+len(colors))
	var msg CellUpdateMessage
	if err := json.Unmarshal(frames[len(frames)-1], &msg); err != nil {
		t.Fatalf("decode cell_update: %v", err)
	}
	if msg.Color != colors[len(colors)-1] {
		t.Fatalf("relayed color = %q, want %q", msg.Color, colors[len(colors)-1])
	}
}

func TestHeartbeatKeepsParticipantAlive(t *testing.T) {
	clock := newTestClock()
	h := newTestHub(clock, nil)
	sub, _ := joinParticipant(h)

	clock.Advance(50 * time.Second)
	if err := h.Heartbeat(sub.ParticipantID()); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	clock.Advance(50 * time.Second)

	if evicted := h.CheckTimeouts(clock.Now()); len(evicted) != 0 {
		t.Fatalf("evicted %v after heartbeat", evicted)
	}
	if got := h.ParticipantCount(); got != 1 {
		t.Fatalf("participants = %d, want 1", got)
	}
}

func TestCheckTimeoutsEvictsSilentParticipants(t *testing.T) {
	clock := newTestClock()
	h := newTestHub(clock, nil)
	quiet, _ := joinParticipant(h)
	active, activeConn := joinParticipant(h)
	waitForFrames(t, activeConn, 1)

	clock.Advance(50 * time.Second)
	if err := h.Heartbeat(active.ParticipantID()); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	clock.Advance(20 * time.Second)

	evicted := h.CheckTimeouts(clock.Now())
	if len(evicted) != 1 || evicted[0] != quiet.ParticipantID() {
		t.Fatalf("evicted %v, want [%s]", evicted, quiet.ParticipantID())
	}

	frames := waitForFrames(t, activeConn, 4)
	types := frameTypes(t, frames)
	sawDisconnect := -1
	sawLeft := -1
	for i, typ := range types {
		if typ == EventUserDisconnected && sawDisconnect < 0 {
			sawDisconnect = i
		}
		if typ == EventUserLeft && sawLeft < 0 {
			sawLeft = i
		}
	}
	if sawDisconnect < 0 || sawLeft < 0 || sawDisconnect > sawLeft {
		t.Fatalf("eviction frames out of order: %v", types)
	}

	// 2 participants collapse to 1, so the survivor also sees the
	// grid shrink.
	if got := h.GridSize(); got != 1 {
		t.Fatalf("grid size = %d, want 1", got)
	}
}

func TestUnknownParticipantLeaveIsNoOp(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	joinParticipant(h)

	h.mu.Lock()
	ok := h.leaveLocked("nobody", "test")
	h.mu.Unlock()

	if ok {
		t.Fatal("leave of unknown participant reported success")
	}
	if got := h.ParticipantCount(); got != 1 {
		t.Fatalf("participants = %d, want 1", got)
	}
}

func TestLastLeaveEndsRecordedSession(t *testing.T) {
	store := recorder.NewMemoryStore()
	rec := recorder.New(store, recorder.Config{})
	h := newTestHub(newTestClock(), rec)

	sub, _ := joinParticipant(h)
	h.Disconnect(sub, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("recorder close: %v", err)
	}

	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].EndedAt.IsZero() {
		t.Fatal("session not marked ended")
	}
	if sessions[0].EventCount == 0 {
		t.Fatal("session recorded no events")
	}
}

func TestMonitoringConnectionGetsSnapshotWithoutJoining(t *testing.T) {
	h := newTestHub(newTestClock(), nil)
	joinParticipant(h)

	conn := &frameConn{}
	h.Connect(conn, ModeMonitoring, "monitor", "127.0.0.1")

	frames := waitForFrames(t, conn, 1)
	snap := lastFrameOfType(t, frames, EventInitialState)
	if _, ok := snap["my_user_id"]; ok {
		t.Fatalf("monitoring snapshot carries my_user_id: %v", snap["my_user_id"])
	}
	if got := h.ParticipantCount(); got != 1 {
		t.Fatalf("participants = %d, want 1", got)
	}
}

func TestSnapshotOrderedBeforeConcurrentBroadcast(t *testing.T) {
	clock := newTestClock()
	h := newTestHub(clock, nil)
	joinParticipant(h)

	// Hold the hub mutex so a broadcast fires while the monitoring
	// connection is still mid-Connect. The newcomer must not see it
	// ahead of its snapshot.
	h.mu.Lock()
	conn := &frameConn{}
	connected := make(chan struct{})
	go func() {
		h.Connect(conn, ModeMonitoring, "monitor", "127.0.0.1")
		close(connected)
	}()
	time.Sleep(20 * time.Millisecond)
	h.broadcastLocked(EventCellUpdate, CellUpdateMessage{
		Type:      EventCellUpdate,
		UserID:    "x",
		Color:     "#112233",
		Timestamp: clock.Now().UnixMilli(),
	}, "")
	h.mu.Unlock()
	<-connected

	frames := waitForFrames(t, conn, 1)
	if types := frameTypes(t, frames); types[0] != EventInitialState {
		t.Fatalf("first frame = %s, want %s (all: %v)", types[0], EventInitialState, types)
	}
}

func TestDiagnosticsReportsIdleAndUptime(t *testing.T) {
	clock := newTestClock()
	h := newTestHub(clock, nil)
	active, _ := joinParticipant(h)
	silent, _ := joinParticipant(h)

	clock.Advance(30 * time.Second)
	if err := h.Heartbeat(active.ParticipantID()); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	clock.Advance(10 * time.Second)

	snap := h.Diagnostics()
	if snap.UptimeMs != (40 * time.Second).Milliseconds() {
		t.Fatalf("uptimeMs = %d, want %d", snap.UptimeMs, (40 * time.Second).Milliseconds())
	}
	if got := snap.ParticipantIdle[active.ParticipantID()]; got != (10 * time.Second).Milliseconds() {
		t.Fatalf("active idle = %dms, want 10000", got)
	}
	if got := snap.ParticipantIdle[silent.ParticipantID()]; got != (40 * time.Second).Milliseconds() {
		t.Fatalf("silent idle = %dms, want 40000", got)
	}
}
