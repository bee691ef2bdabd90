// Package net assembles the HTTP surface: the websocket endpoint,
// the replay API, health and diagnostics, Prometheus metrics, and
// optionally the static client bundle.
package net

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	server "mosaic/server"
	"mosaic/server/internal/net/ws"
	"mosaic/server/logging"
	"mosaic/server/recorder"
)

// Deps carries everything the router serves.
type Deps struct {
	Hub       *server.Hub
	Store     recorder.Store
	Publisher logging.Publisher
	Gatherer  prometheus.Gatherer
	StaticDir string
}

// NewRouter builds the chi router for the whole server.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// The websocket route stays outside the timeout middleware;
	// connections are long lived on purpose.
	r.Method(http.MethodGet, "/updates", ws.NewHandler(deps.Hub, deps.Publisher))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/diagnostics", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Hub.Diagnostics())
		})

		if deps.Gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
		}

		if deps.Store != nil {
			api := &replayAPI{store: deps.Store}
			r.Route("/api/player", func(r chi.Router) {
				r.Get("/sessions", api.listSessions)
				r.Get("/sessions/{sessionID}/events", api.sessionEvents)
			})
		}

		if deps.StaticDir != "" {
			r.Handle("/*", http.FileServer(http.Dir(deps.StaticDir)))
		}
	})

	return r
}

// replayAPI serves recorded sessions for the replay player. Both
// endpoints return bare arrays in the shape the player consumes:
// session metadata with snake_case millisecond fields, and events as
// the broadcast document itself with a top-level timestamp.
type replayAPI struct {
	store recorder.Store
}

type sessionDoc struct {
	ID         string `json:"id"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time,omitempty"`
	EventCount int    `json:"event_count"`
}

func (a *replayAPI) listSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := a.store.ListSessions(r.Context())
	if err != nil {
		http.Error(w, "list sessions failed", http.StatusInternalServerError)
		return
	}
	docs := make([]sessionDoc, 0, len(metas))
	for _, meta := range metas {
		doc := sessionDoc{
			ID:         meta.ID,
			StartTime:  meta.StartedAt.UnixMilli(),
			EventCount: meta.EventCount,
		}
		if !meta.EndedAt.IsZero() {
			doc.EndTime = meta.EndedAt.UnixMilli()
		}
		docs = append(docs, doc)
	}
	writeJSON(w, http.StatusOK, docs)
}

func (a *replayAPI) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	events, err := a.store.SessionEvents(r.Context(), id)
	if errors.Is(err, recorder.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load session failed", http.StatusInternalServerError)
		return
	}
	docs := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		var doc map[string]interface{}
		if err := json.Unmarshal(ev.Payload, &doc); err != nil {
			continue
		}
		doc["timestamp"] = ev.Timestamp.UnixMilli()
		docs = append(docs, doc)
	}
	writeJSON(w, http.StatusOK, docs)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
