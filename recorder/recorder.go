// Package recorder captures the broadcast stream of a session so it
// can be replayed later. Recording is fire-and-forget from the hub's
// point of view: events are queued to a single worker goroutine that
// batches writes into a Store, and a full queue drops events rather
// than stalling the broadcast path.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionNotFound is returned by stores when a session id is
// unknown.
var ErrSessionNotFound = errors.New("recorder: session not found")

// Event is one recorded broadcast frame.
type Event struct {
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionMeta describes a recorded session. EndedAt is the zero time
// while the session is still open.
type SessionMeta struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	EventCount int       `json:"eventCount"`
}

// Store persists recorded sessions. Implementations must be safe for
// one writer plus concurrent readers.
type Store interface {
	BeginSession(ctx context.Context, meta SessionMeta) error
	AppendEvents(ctx context.Context, sessionID string, events []Event) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	ListSessions(ctx context.Context) ([]SessionMeta, error)
	SessionEvents(ctx context.Context, sessionID string) ([]Event, error)
}

type command struct {
	begin *SessionMeta
	event *Event
	end   *sessionEnd
}

type sessionEnd struct {
	id      string
	endedAt time.Time
}

// Config tunes the recording pipeline.
type Config struct {
	// QueueSize bounds the pending command queue. Zero selects 1024.
	QueueSize int
	// FlushInterval caps how long appended events may sit in the
	// worker's batch. Zero selects 250ms.
	FlushInterval time.Duration
	// BatchSize flushes early once this many events are pending.
	// Zero selects 64.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	return c
}

// Recorder is the asynchronous front of a Store.
type Recorder struct {
	store Store
	cfg   Config

	// closeMu orders in-flight offers against Close: offers hold the
	// read side while sending, Close takes the write side before it
	// closes the queue.
	closeMu sync.RWMutex
	queue   chan command
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	dropped atomic.Uint64
	errs    atomic.Uint64
}

// New starts a recorder writing into store.
func New(store Store, cfg Config) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		store: store,
		cfg:   cfg,
		queue: make(chan command, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// StartSession records the opening of a session. It never blocks.
func (r *Recorder) StartSession(id string, startedAt time.Time) {
	meta := SessionMeta{ID: id, StartedAt: startedAt}
	r.offer(command{begin: &meta})
}

// Record queues one broadcast frame. payload must not be mutated by
// the caller afterwards. It never blocks; overflow is counted and
// the event lost.
func (r *Recorder) Record(sessionID string, seq uint64, ts time.Time, payload []byte) {
	ev := Event{SessionID: sessionID, Seq: seq, Timestamp: ts, Payload: payload}
	r.offer(command{event: &ev})
}

// EndSession records the close of a session.
func (r *Recorder) EndSession(id string, endedAt time.Time) {
	r.offer(command{end: &sessionEnd{id: id, endedAt: endedAt}})
}

func (r *Recorder) offer(cmd command) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.queue <- cmd:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports events lost to queue overflow since start.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// StoreErrors reports failed store writes since start.
func (r *Recorder) StoreErrors() uint64 { return r.errs.Load() }

// Close drains pending commands and stops the worker. It respects
// ctx for the drain deadline.
func (r *Recorder) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.closeMu.Lock()
	close(r.queue)
	r.closeMu.Unlock()
	waitDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// All events in a batch share a session because batches are
		// cut on session boundaries below.
		if err := r.store.AppendEvents(context.Background(), batch[0].SessionID, batch); err != nil {
			r.errs.Add(1)
		}
		batch = batch[:0]
	}

	for {
		select {
		case cmd, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			switch {
			case cmd.begin != nil:
				flush()
				if err := r.store.BeginSession(context.Background(), *cmd.begin); err != nil {
					r.errs.Add(1)
				}
			case cmd.end != nil:
				flush()
				if err := r.store.EndSession(context.Background(), cmd.end.id, cmd.end.endedAt); err != nil {
					r.errs.Add(1)
				}
			case cmd.event != nil:
				if len(batch) > 0 && batch[0].SessionID != cmd.event.SessionID {
					flush()
				}
				batch = append(batch, *cmd.event)
				if len(batch) >= r.cfg.BatchSize {
					flush()
				}
			}
		case <-ticker.C:
			flush()
		}
	}
}

func sortSessions(metas []SessionMeta) {
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].StartedAt.Before(metas[j].StartedAt)
	})
}
