package server

import "encoding/json"

// Wire event types pushed to websocket subscribers. Every outbound
// frame is a JSON object with a "type" discriminator.
const (
	EventInitialState     = "initial_state"
	EventNewUser          = "new_user"
	EventUserLeft         = "user_left"
	EventCellUpdate       = "cell_update"
	EventZoomUpdate       = "zoom_update"
	EventUserDisconnected = "user_disconnected"
)

// Inbound message types accepted from clients.
const (
	MessageCellUpdate = "cell_update"
	MessageHeartbeat  = "heartbeat"
)

// GridState is the participant layout embedded in snapshot events.
// It travels as a JSON string, not an inline object, so snapshot
// consumers parse it in a second step.
type GridState struct {
	UserPositions map[string][2]int `json:"user_positions"`
}

// EncodeGridState renders the layout to the string form snapshots
// carry on the wire.
func EncodeGridState(positions map[string][2]int) (string, error) {
	raw, err := json.Marshal(GridState{UserPositions: positions})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// InitialStateMessage is the private snapshot sent to a connection
// right after it attaches. MyUserID is empty for monitoring
// connections, which observe without owning a cell.
type InitialStateMessage struct {
	Type          string                       `json:"type"`
	GridSize      int                          `json:"grid_size"`
	GridState     string                       `json:"grid_state"`
	UserColors    map[string]string            `json:"user_colors"`
	InitialColors map[string][]string          `json:"initial_colors"`
	SubCellStates map[string]map[string]string `json:"sub_cell_states"`
	MyUserID      string                       `json:"my_user_id,omitempty"`
	Timestamp     int64                        `json:"timestamp"`
}

// NewUserMessage announces a participant admitted to the grid.
type NewUserMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Position [2]int `json:"position"`
	Color    string `json:"color"`
}

// UserLeftMessage announces a departed participant and the grid
// position it freed.
type UserLeftMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Position [2]int `json:"position"`
}

// CellUpdateMessage carries a single painted pixel inside the
// owner's cell.
type CellUpdateMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	SubX      int    `json:"sub_x"`
	SubY      int    `json:"sub_y"`
	Color     string `json:"color"`
	Timestamp int64  `json:"timestamp"`
}

// ZoomUpdateMessage is the full relayout broadcast after the grid
// grows or shrinks. Positions of every surviving participant are
// restated, so receivers replace their layout wholesale.
type ZoomUpdateMessage struct {
	Type          string                       `json:"type"`
	GridSize      int                          `json:"grid_size"`
	GridState     string                       `json:"grid_state"`
	UserColors    map[string]string            `json:"user_colors"`
	SubCellStates map[string]map[string]string `json:"sub_cell_states"`
}

// UserDisconnectedMessage is the soft notice that a participant's
// socket dropped. It precedes the user_left broadcast when the drop
// evicts the participant.
type UserDisconnectedMessage struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ClientMessage is the single inbound frame shape. Unknown types and
// frames that fail to decode are counted and dropped without
// tearing down the connection.
type ClientMessage struct {
	Type  string `json:"type"`
	SubX  int    `json:"sub_x"`
	SubY  int    `json:"sub_y"`
	Color string `json:"color"`
}
