package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session metadata in hashes and event logs in
// lists, all under a shared key prefix so several deployments can
// share one Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mosaic"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStore) metaKey(id string) string {
	return fmt.Sprintf("%s:session:%s:meta", s.prefix, id)
}

func (s *RedisStore) eventsKey(id string) string {
	return fmt.Sprintf("%s:session:%s:events", s.prefix, id)
}

func (s *RedisStore) BeginSession(ctx context.Context, meta SessionMeta) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.indexKey(), meta.ID)
	pipe.HSet(ctx, s.metaKey(meta.ID),
		"startedAt", meta.StartedAt.UnixMilli(),
		"endedAt", int64(0),
	)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AppendEvents(ctx context.Context, sessionID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	payloads := make([]interface{}, 0, len(events))
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		payloads = append(payloads, raw)
	}
	return s.client.RPush(ctx, s.eventsKey(sessionID), payloads...).Err()
}

func (s *RedisStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	ok, err := s.client.SIsMember(ctx, s.indexKey(), sessionID).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	return s.client.HSet(ctx, s.metaKey(sessionID), "endedAt", endedAt.UnixMilli()).Err()
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SessionMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.readMeta(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sortSessions(out)
	return out, nil
}

func (s *RedisStore) readMeta(ctx context.Context, id string) (SessionMeta, error) {
	fields, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
	if err != nil {
		return SessionMeta{}, err
	}
	if len(fields) == 0 {
		return SessionMeta{}, ErrSessionNotFound
	}
	meta := SessionMeta{ID: id}
	meta.StartedAt = milliField(fields["startedAt"])
	if ended := milliField(fields["endedAt"]); !ended.IsZero() {
		meta.EndedAt = ended
	}
	count, err := s.client.LLen(ctx, s.eventsKey(id)).Result()
	if err == nil {
		meta.EventCount = int(count)
	}
	return meta, nil
}

func (s *RedisStore) SessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	ok, err := s.client.SIsMember(ctx, s.indexKey(), sessionID).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	rows, err := s.client.LRange(ctx, s.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		var ev Event
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			return nil, fmt.Errorf("recorder: corrupt event in %s: %w", sessionID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func milliField(raw string) time.Time {
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
