package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mosaic/server/internal/grid"
	"mosaic/server/internal/palette"
	"mosaic/server/logging"
	"mosaic/server/logging/lifecycle"
	"mosaic/server/logging/network"
	"mosaic/server/recorder"
)

// Validation failures surfaced to the websocket intake layer. They
// cover a misbehaving client, not a broken server, so intake logs
// and counts them without closing the connection.
var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrPaintOutOfRange    = errors.New("paint coordinates out of range")
	ErrEmptyColor         = errors.New("empty color")
)

// HubConfig carries the tunables the hub cannot default sensibly on
// its own.
type HubConfig struct {
	// InactivityTimeout evicts participants silent for this long.
	InactivityTimeout time.Duration
	// TimeoutCheckInterval is the sweep cadence of RunTimeoutLoop.
	TimeoutCheckInterval time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (c HubConfig) withDefaults() HubConfig {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = defaultTimeoutCheckInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Hub owns all session state: who holds which grid cell, what they
// painted, and the fan-out to every attached connection. One mutex
// guards the lot. Events are sequence-stamped, encoded once, and
// enqueued to per-connection buffers before the mutex is released,
// which fixes a single global order that every connection observes.
type Hub struct {
	mu sync.Mutex

	participants map[string]*participantState
	gridSize     int

	sessionID   string
	sessionOpen bool
	seq         uint64

	registry  *connectionRegistry
	rec       *recorder.Recorder
	publisher logging.Publisher
	metrics   *Metrics
	counters  telemetryCounters

	cfg       HubConfig
	startedAt time.Time
}

// NewHub wires the hub. rec may be nil to disable recording and
// metrics may be nil to disable Prometheus collection.
func NewHub(cfg HubConfig, rec *recorder.Recorder, publisher logging.Publisher, metrics *Metrics) *Hub {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	cfg = cfg.withDefaults()
	return &Hub{
		participants: make(map[string]*participantState),
		gridSize:     1,
		registry:     newConnectionRegistry(),
		rec:          rec,
		publisher:    publisher,
		metrics:      metrics,
		cfg:          cfg,
		startedAt:    cfg.Clock(),
	}
}

// Connect attaches a websocket, starts its write pump, and for
// participant modes admits a new grid cell owner. The returned
// Subscriber's queue already holds the private initial_state
// snapshot; every later broadcast is ordered after it.
func (h *Hub) Connect(conn wsConn, mode Mode, instanceID, remoteAddr string) *Subscriber {
	sub := newSubscriber(uuid.NewString(), mode, instanceID, remoteAddr, conn)

	// Registration and the snapshot share one critical section so a
	// concurrent broadcast can never land in the queue ahead of
	// initial_state.
	h.mu.Lock()
	h.registry.add(sub)
	if mode == ModeFull || mode == ModeBot {
		h.joinLocked(sub)
	} else {
		h.sendSnapshotLocked(sub, "")
	}
	h.mu.Unlock()

	go sub.writePump(h.cfg.Clock, func(err error) {
		h.Disconnect(sub, fmt.Sprintf("write failed: %v", err))
	})

	h.metrics.setConnections(h.registry.counts())
	network.ConnectionOpened(context.Background(), h.publisher, connRef(sub.id), network.ConnectionPayload{
		Mode:       string(mode),
		InstanceID: instanceID,
		RemoteAddr: remoteAddr,
	}, nil)
	return sub
}

func connRef(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKindConnection}
}

func participantRef(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKindParticipant}
}

// Disconnect detaches a connection. If it owned a participant the
// grid collapses exactly as if the participant had left, preceded by
// a user_disconnected notice so observers can distinguish a dropped
// socket from a deliberate exit.
func (h *Hub) Disconnect(sub *Subscriber, reason string) {
	if _, present := h.registry.remove(sub.id); !present {
		return
	}
	sub.close()

	h.mu.Lock()
	if sub.participantID != "" {
		if _, ok := h.participants[sub.participantID]; ok {
			h.broadcastLocked(EventUserDisconnected, UserDisconnectedMessage{
				Type:   EventUserDisconnected,
				UserID: sub.participantID,
			}, "")
			h.leaveLocked(sub.participantID, reason)
		}
	}
	h.mu.Unlock()

	h.metrics.setConnections(h.registry.counts())
	network.ConnectionClosed(context.Background(), h.publisher, connRef(sub.id), network.ConnectionPayload{
		Mode:       string(sub.mode),
		InstanceID: sub.instanceID,
		RemoteAddr: sub.remoteAddr,
	}, nil)
}

// PaintCell applies one pixel inside the participant's own cell and
// broadcasts it, painter included, so all canvases converge through
// the same event stream.
func (h *Hub) PaintCell(participantID string, subX, subY int, color string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.participants[participantID]
	if !ok {
		h.counters.paintsRejected.Add(1)
		h.metrics.observePaintRejected()
		return ErrUnknownParticipant
	}
	if subX < 0 || subX >= CellPixels || subY < 0 || subY >= CellPixels {
		h.counters.paintsRejected.Add(1)
		h.metrics.observePaintRejected()
		return ErrPaintOutOfRange
	}
	// Color is an opaque token chosen by the client (hex, rgb(),
	// anything its renderer understands); the server relays it
	// untouched. Only the degenerate empty string is refused.
	if color == "" {
		h.counters.paintsRejected.Add(1)
		h.metrics.observePaintRejected()
		return ErrEmptyColor
	}

	now := h.cfg.Clock()
	p.paint(subX, subY, color)
	p.lastActivity = now
	h.counters.paintsApplied.Add(1)

	h.broadcastLocked(EventCellUpdate, CellUpdateMessage{
		Type:      EventCellUpdate,
		UserID:    participantID,
		SubX:      subX,
		SubY:      subY,
		Color:     color,
		Timestamp: now.UnixMilli(),
	}, "")
	return nil
}

// Heartbeat refreshes the participant's activity clock.
func (h *Hub) Heartbeat(participantID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.participants[participantID]
	if !ok {
		return ErrUnknownParticipant
	}
	p.lastActivity = h.cfg.Clock()
	h.counters.heartbeats.Add(1)
	return nil
}

// CheckTimeouts evicts every participant whose last activity is
// older than the configured timeout and returns their ids. The
// sweep runs under one lock acquisition so observers never see a
// partially collapsed grid.
func (h *Hub) CheckTimeouts(now time.Time) []string {
	h.mu.Lock()

	var expired []string
	for id, p := range h.participants {
		if now.Sub(p.lastActivity) > h.cfg.InactivityTimeout {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		h.counters.timeoutEvictions.Add(1)
		h.broadcastLocked(EventUserDisconnected, UserDisconnectedMessage{
			Type:   EventUserDisconnected,
			UserID: id,
		}, "")
		h.leaveLocked(id, "inactivity timeout")
	}
	h.mu.Unlock()

	if len(expired) > 0 {
		h.metrics.setConnections(h.registry.counts())
	}
	return expired
}

// RunTimeoutLoop sweeps for inactive participants until ctx ends.
func (h *Hub) RunTimeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckTimeouts(h.cfg.Clock())
		}
	}
}

// joinLocked admits a participant, binds it to sub, announces it to
// everyone else, and queues the private snapshot.
func (h *Hub) joinLocked(sub *Subscriber) {
	now := h.cfg.Clock()
	if !h.sessionOpen {
		h.sessionOpen = true
		h.sessionID = uuid.NewString()
		h.seq = 0
		if h.rec != nil {
			h.rec.StartSession(h.sessionID, now)
		}
		lifecycle.SessionStarted(context.Background(), h.publisher, h.seq, lifecycle.SessionPayload{
			SessionID: h.sessionID,
		}, nil)
	}

	id := uuid.NewString()
	newCount := len(h.participants) + 1
	newSize := grid.SizeFor(newCount)
	resized := newSize != h.gridSize

	var p *participantState
	if resized {
		// Grow the grid, then lay everyone out again with the
		// newcomer in the last slot. Relative rank order holds.
		p = newParticipantState(id, len(h.participants), grid.Position{}, now)
		h.participants[id] = p
		h.gridSize = newSize
		h.repackLocked()
	} else {
		rank := h.nextFreeRankLocked()
		spiral := grid.SpiralPositions(h.gridSize)
		p = newParticipantState(id, rank, spiral[rank], now)
		h.participants[id] = p
	}
	sub.participantID = id

	h.broadcastLocked(EventNewUser, NewUserMessage{
		Type:     EventNewUser,
		UserID:   id,
		Position: p.wirePosition(),
		Color:    p.Color,
	}, sub.id)
	if resized {
		h.broadcastZoomLocked(sub.id)
	}
	h.sendSnapshotLocked(sub, id)
	h.metrics.setGrid(len(h.participants), h.gridSize)

	lifecycle.ParticipantJoined(context.Background(), h.publisher, h.seq, participantRef(id), lifecycle.ParticipantJoinedPayload{
		X:        p.Position.X,
		Y:        p.Position.Y,
		GridSize: h.gridSize,
	}, nil)
}

// leaveLocked removes a participant, frees its slot, shrinks the
// grid when the population allows, and closes the session when the
// last participant is gone.
func (h *Hub) leaveLocked(id, reason string) bool {
	p, ok := h.participants[id]
	if !ok {
		return false
	}
	freed := p.wirePosition()
	delete(h.participants, id)

	h.broadcastLocked(EventUserLeft, UserLeftMessage{
		Type:     EventUserLeft,
		UserID:   id,
		Position: freed,
	}, "")

	if len(h.participants) == 0 {
		h.gridSize = 1
		h.closeSessionLocked()
	} else {
		oldSize := h.gridSize
		newSize := grid.SizeFor(len(h.participants))
		if newSize != oldSize {
			h.gridSize = newSize
			h.repackLocked()
			h.broadcastZoomLocked("")
			lifecycle.GridResized(context.Background(), h.publisher, h.seq, lifecycle.GridResizedPayload{
				OldSize: oldSize,
				NewSize: newSize,
			}, nil)
		}
	}

	if sub, ok := h.registry.byParticipant(id); ok {
		h.registry.remove(sub.id)
		sub.close()
	}

	h.metrics.setGrid(len(h.participants), h.gridSize)
	lifecycle.ParticipantLeft(context.Background(), h.publisher, h.seq, participantRef(id), lifecycle.ParticipantLeftPayload{
		Reason: reason,
		X:      freed[0],
		Y:      freed[1],
	}, nil)
	return true
}

func (h *Hub) closeSessionLocked() {
	if !h.sessionOpen {
		return
	}
	if h.rec != nil {
		h.rec.EndSession(h.sessionID, h.cfg.Clock())
	}
	lifecycle.SessionEnded(context.Background(), h.publisher, h.seq, lifecycle.SessionPayload{
		SessionID: h.sessionID,
	}, nil)
	h.sessionOpen = false
	h.sessionID = ""
	h.seq = 0
}

// repackLocked reassigns every participant to the spiral slot that
// matches its rank order within the current grid size.
func (h *Hub) repackLocked() {
	ordered := h.participantsByRankLocked()
	ids := make([]string, len(ordered))
	for i, p := range ordered {
		ids[i] = p.ID
	}
	placed := grid.Repack(ids, h.gridSize)
	for i, p := range ordered {
		p.rank = i
		if pos, ok := placed[p.ID]; ok {
			p.Position = pos
		}
	}
}

func (h *Hub) participantsByRankLocked() []*participantState {
	out := make([]*participantState, 0, len(h.participants))
	for _, p := range h.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rank < out[j].rank })
	return out
}

// nextFreeRankLocked finds the lowest spiral slot no participant
// occupies. Callers guarantee the grid has a free slot.
func (h *Hub) nextFreeRankLocked() int {
	taken := make(map[int]bool, len(h.participants))
	for _, p := range h.participants {
		taken[p.rank] = true
	}
	for rank := 0; ; rank++ {
		if !taken[rank] {
			return rank
		}
	}
}

// broadcastLocked stamps, encodes, records, and fans out one event
// while the hub mutex is held. Fan-out only enqueues; subscribers
// whose buffers are full are torn down on a separate goroutine so
// the slow socket never blocks the session.
func (h *Hub) broadcastLocked(kind string, msg interface{}, exceptSubID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.seq++
	h.recordLocked(data)
	h.counters.broadcastEvents.Add(1)
	h.counters.broadcastBytes.Add(uint64(len(data)))
	h.metrics.observeBroadcast(kind, len(data))

	for _, slow := range h.registry.broadcast(data, exceptSubID) {
		h.counters.slowConsumerDrops.Add(1)
		h.metrics.observeSlowDrop()
		network.SlowConsumerDropped(context.Background(), h.publisher, connRef(slow.id), network.ConnectionPayload{
			Mode:       string(slow.mode),
			InstanceID: slow.instanceID,
			RemoteAddr: slow.remoteAddr,
		}, nil)
		go h.Disconnect(slow, "send queue overflow")
	}
}

func (h *Hub) broadcastZoomLocked(exceptSubID string) {
	state, err := h.encodeGridStateLocked()
	if err != nil {
		return
	}
	h.broadcastLocked(EventZoomUpdate, ZoomUpdateMessage{
		Type:          EventZoomUpdate,
		GridSize:      h.gridSize,
		GridState:     state,
		UserColors:    h.userColorsLocked(),
		SubCellStates: h.subCellStatesLocked(),
	}, exceptSubID)
}

// sendSnapshotLocked queues the private initial_state frame on sub.
// The snapshot shares the broadcast sequence so a recording replays
// it in order with the events around it.
func (h *Hub) sendSnapshotLocked(sub *Subscriber, myUserID string) {
	state, err := h.encodeGridStateLocked()
	if err != nil {
		return
	}
	initials := make(map[string][]string, len(h.participants))
	for id := range h.participants {
		initials[id] = palette.InitialColors(id)
	}
	msg := InitialStateMessage{
		Type:          EventInitialState,
		GridSize:      h.gridSize,
		GridState:     state,
		UserColors:    h.userColorsLocked(),
		InitialColors: initials,
		SubCellStates: h.subCellStatesLocked(),
		MyUserID:      myUserID,
		Timestamp:     h.cfg.Clock().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.seq++
	h.recordLocked(data)
	h.counters.snapshotsSent.Add(1)
	sub.enqueue(data)
}

func (h *Hub) recordLocked(data []byte) {
	if h.rec == nil || !h.sessionOpen {
		return
	}
	h.rec.Record(h.sessionID, h.seq, h.cfg.Clock(), data)
}

func (h *Hub) encodeGridStateLocked() (string, error) {
	positions := make(map[string][2]int, len(h.participants))
	for id, p := range h.participants {
		positions[id] = p.wirePosition()
	}
	return EncodeGridState(positions)
}

func (h *Hub) userColorsLocked() map[string]string {
	out := make(map[string]string, len(h.participants))
	for id, p := range h.participants {
		out[id] = p.Color
	}
	return out
}

func (h *Hub) subCellStatesLocked() map[string]map[string]string {
	out := make(map[string]map[string]string, len(h.participants))
	for id, p := range h.participants {
		out[id] = p.paintedCopy()
	}
	return out
}

// CountMalformed tracks inbound frames the intake layer could not
// decode.
func (h *Hub) CountMalformed() {
	h.counters.malformedInbound.Add(1)
}

// GridSize reports the current side length.
func (h *Hub) GridSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gridSize
}

// ParticipantCount reports how many cells are owned.
func (h *Hub) ParticipantCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.participants)
}

// Layout returns participant positions keyed by id.
func (h *Hub) Layout() map[string][2]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][2]int, len(h.participants))
	for id, p := range h.participants {
		out[id] = p.wirePosition()
	}
	return out
}

// DiagnosticsSnapshot is the JSON document served by /diagnostics.
// Idle ages are milliseconds since each participant's last paint or
// heartbeat, keyed by participant id.
type DiagnosticsSnapshot struct {
	SessionID       string            `json:"sessionId,omitempty"`
	UptimeMs        int64             `json:"uptimeMs"`
	Participants    int               `json:"participants"`
	ParticipantIdle map[string]int64  `json:"participantIdleMs"`
	GridSize        int               `json:"gridSize"`
	Connections     map[string]int    `json:"connections"`
	Telemetry       telemetrySnapshot `json:"telemetry"`
	RecorderDropped uint64            `json:"recorderDropped"`
	RecorderErrors  uint64            `json:"recorderErrors"`
}

// Diagnostics assembles the current operational snapshot.
func (h *Hub) Diagnostics() DiagnosticsSnapshot {
	now := h.cfg.Clock()
	h.mu.Lock()
	idle := make(map[string]int64, len(h.participants))
	for id, p := range h.participants {
		idle[id] = now.Sub(p.lastActivity).Milliseconds()
	}
	snap := DiagnosticsSnapshot{
		SessionID:       h.sessionID,
		UptimeMs:        now.Sub(h.startedAt).Milliseconds(),
		Participants:    len(h.participants),
		ParticipantIdle: idle,
		GridSize:        h.gridSize,
		Telemetry:       h.counters.snapshot(),
	}
	h.mu.Unlock()

	snap.Connections = make(map[string]int)
	for mode, n := range h.registry.counts() {
		snap.Connections[string(mode)] = n
	}
	if h.rec != nil {
		snap.RecorderDropped = h.rec.Dropped()
		snap.RecorderErrors = h.rec.StoreErrors()
	}
	return snap
}
