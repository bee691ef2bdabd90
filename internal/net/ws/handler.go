// Package ws upgrades websocket connections and pumps inbound
// frames into the hub. Outbound traffic is entirely the hub's
// business; this package only reads.
package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	server "mosaic/server"
	"mosaic/server/logging"
	"mosaic/server/logging/network"
)

// Handler serves GET /updates.
type Handler struct {
	hub       *server.Hub
	publisher logging.Publisher
	upgrader  websocket.Upgrader
}

func NewHandler(hub *server.Hub, publisher logging.Publisher) *Handler {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Handler{
		hub:       hub,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are served from arbitrary origins in
			// deployments that front this with a static host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mode, ok := server.ParseMode(r.URL.Query().Get("mode"))
	if !ok {
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}
	instanceID := r.URL.Query().Get("instanceId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	sub := h.hub.Connect(conn, mode, instanceID, r.RemoteAddr)
	h.readLoop(conn, sub)
}

// readLoop blocks until the socket closes. Malformed frames are
// counted and skipped; only a transport error ends the connection.
func (h *Handler) readLoop(conn *websocket.Conn, sub *server.Subscriber) {
	defer h.hub.Disconnect(sub, "socket closed")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(sub, data)
	}
}

func (h *Handler) dispatch(sub *server.Subscriber, data []byte) {
	var msg server.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.malformed(sub, err.Error())
		return
	}

	switch msg.Type {
	case server.MessageHeartbeat:
		if id := sub.ParticipantID(); id != "" {
			_ = h.hub.Heartbeat(id)
		}

	case server.MessageCellUpdate:
		id := sub.ParticipantID()
		if id == "" {
			h.malformed(sub, "paint from non-participant connection")
			return
		}
		if err := h.hub.PaintCell(id, msg.SubX, msg.SubY, msg.Color); err != nil {
			h.malformed(sub, err.Error())
		}

	default:
		h.malformed(sub, "unknown message type "+msg.Type)
	}
}

func (h *Handler) malformed(sub *server.Subscriber, detail string) {
	h.hub.CountMalformed()
	actor := logging.EntityRef{ID: sub.ID(), Kind: logging.EntityKindConnection}
	network.MalformedMessage(context.Background(), h.publisher, actor, network.MalformedPayload{
		Error: detail,
	}, nil)
}
