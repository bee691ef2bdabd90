package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists each session as two files in a directory: a
// small rewritable metadata document and an append-only JSONL event
// log. It survives restarts without needing an external service.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

func (s *FileStore) eventsPath(id string) string {
	return filepath.Join(s.dir, id+".events.jsonl")
}

func (s *FileStore) writeMeta(meta SessionMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := s.metaPath(meta.ID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(meta.ID))
}

func (s *FileStore) readMeta(id string) (SessionMeta, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if os.IsNotExist(err) {
		return SessionMeta{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionMeta{}, err
	}
	var meta SessionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return SessionMeta{}, fmt.Errorf("recorder: corrupt meta for %s: %w", id, err)
	}
	return meta, nil
}

func (s *FileStore) BeginSession(_ context.Context, meta SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMeta(meta)
}

func (s *FileStore) AppendEvents(_ context.Context, sessionID string, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.eventsPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	meta.EventCount += len(events)
	return s.writeMeta(meta)
}

func (s *FileStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return err
	}
	meta.EndedAt = endedAt
	return s.writeMeta(meta)
}

func (s *FileStore) ListSessions(_ context.Context) ([]SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []SessionMeta
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		meta, err := s.readMeta(strings.TrimSuffix(name, ".meta.json"))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sortSessions(out)
	return out, nil
}

func (s *FileStore) SessionEvents(_ context.Context, sessionID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readMeta(sessionID); err != nil {
		return nil, err
	}
	f, err := os.Open(s.eventsPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("recorder: corrupt event log for %s: %w", sessionID, err)
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
