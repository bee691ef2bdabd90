package recorder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.BeginSession(ctx, SessionMeta{ID: "s1", StartedAt: start}))

	events := []Event{
		{SessionID: "s1", Seq: 1, Timestamp: start, Payload: json.RawMessage(`{"type":"new_user"}`)},
		{SessionID: "s1", Seq: 2, Timestamp: start.Add(time.Second), Payload: json.RawMessage(`{"type":"cell_update"}`)},
	}
	require.NoError(t, store.AppendEvents(ctx, "s1", events[:1]))
	require.NoError(t, store.AppendEvents(ctx, "s1", events[1:]))
	require.NoError(t, store.EndSession(ctx, "s1", start.Add(time.Minute)))

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "s1", sessions[0].ID)
	require.Equal(t, 2, sessions[0].EventCount)
	require.True(t, sessions[0].EndedAt.Equal(start.Add(time.Minute)))

	got, err := store.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Seq)
	require.JSONEq(t, `{"type":"cell_update"}`, string(got[1].Payload))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.BeginSession(ctx, SessionMeta{ID: "s1", StartedAt: time.Now().UTC()}))
	require.NoError(t, first.AppendEvents(ctx, "s1", []Event{
		{SessionID: "s1", Seq: 1, Timestamp: time.Now().UTC(), Payload: json.RawMessage(`{}`)},
	}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	sessions, err := reopened.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	events, err := reopened.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestFileStoreUnknownSession(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.SessionEvents(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, store.EndSession(ctx, "missing", time.Now()), ErrSessionNotFound)
	require.ErrorIs(t, store.AppendEvents(ctx, "missing", []Event{{}}), ErrSessionNotFound)
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.SessionEvents(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, store.EndSession(ctx, "missing", time.Now()), ErrSessionNotFound)
}
