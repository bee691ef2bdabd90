package server

import (
	"sync"
	"time"
)

// Mode classifies what an attached connection may do.
type Mode string

const (
	// ModeFull is an interactive participant that owns a cell.
	ModeFull Mode = "full"
	// ModeMonitoring observes every broadcast without joining.
	ModeMonitoring Mode = "monitoring"
	// ModeBot behaves like full but is flagged for diagnostics.
	ModeBot Mode = "bot"
)

// ParseMode validates the mode query parameter. An empty string
// selects full mode.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(raw) {
	case "", ModeFull:
		return ModeFull, true
	case ModeMonitoring:
		return ModeMonitoring, true
	case ModeBot:
		return ModeBot, true
	default:
		return "", false
	}
}

// wsConn is the socket surface subscribers need. *websocket.Conn
// satisfies it; tests substitute an in-memory fake.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Subscriber is one attached websocket. Frames are queued on send by
// whoever holds the hub mutex and flushed by a dedicated write pump,
// so socket latency never blocks session state.
type Subscriber struct {
	id            string
	mode          Mode
	instanceID    string
	remoteAddr    string
	participantID string

	conn wsConn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newSubscriber(id string, mode Mode, instanceID, remoteAddr string, conn wsConn) *Subscriber {
	return &Subscriber{
		id:         id,
		mode:       mode,
		instanceID: instanceID,
		remoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

// ID is the connection id, distinct from any participant id.
func (s *Subscriber) ID() string { return s.id }

// Mode reports the connection's declared mode.
func (s *Subscriber) Mode() Mode { return s.mode }

// ParticipantID is the participant bound to this connection, empty
// for monitoring connections.
func (s *Subscriber) ParticipantID() string { return s.participantID }

// enqueue offers a frame without blocking. A false return means the
// outbound queue is full and the connection should be dropped as a
// slow consumer. The send channel is never closed, so a concurrent
// teardown can only make the offer land in a queue nobody drains.
func (s *Subscriber) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// close signals teardown exactly once, which ends the write pump and
// closes the socket.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writePump drains the send queue onto the socket. It runs in its own
// goroutine per connection and exits on teardown or a failed write.
// onError fires at most once for a failed write.
func (s *Subscriber) writePump(now func() time.Time, onError func(err error)) {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.SetWriteDeadline(now().Add(writeWait)); err != nil {
				onError(err)
				return
			}
			if err := s.conn.WriteMessage(textMessage, data); err != nil {
				onError(err)
				return
			}
		}
	}
}

// textMessage mirrors websocket.TextMessage so the write pump does
// not force the fake test conn to import gorilla.
const textMessage = 1

// connectionRegistry tracks live subscribers under its own lock so
// broadcast fan-out never contends with session mutation beyond the
// enqueue itself.
type connectionRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{subs: make(map[string]*Subscriber)}
}

func (r *connectionRegistry) add(sub *Subscriber) {
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
}

// remove detaches a subscriber and reports whether it was present.
func (r *connectionRegistry) remove(id string) (*Subscriber, bool) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	return sub, ok
}

// broadcast enqueues an encoded frame to every subscriber except the
// one identified by exceptID. Subscribers whose queues are full are
// returned for asynchronous teardown; nothing here blocks or touches
// a socket.
func (r *connectionRegistry) broadcast(data []byte, exceptID string) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var overflowed []*Subscriber
	for id, sub := range r.subs {
		if id == exceptID {
			continue
		}
		if !sub.enqueue(data) {
			overflowed = append(overflowed, sub)
		}
	}
	return overflowed
}

// byParticipant finds the connection bound to a participant, if any.
func (r *connectionRegistry) byParticipant(participantID string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.participantID == participantID {
			return sub, true
		}
	}
	return nil, false
}

// counts reports live connections per mode for diagnostics.
func (r *connectionRegistry) counts() map[Mode]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Mode]int, 3)
	for _, sub := range r.subs {
		out[sub.mode]++
	}
	return out
}
