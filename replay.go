package server

import (
	"encoding/json"
	"fmt"
)

// ReplayState is a session reconstructed from its recorded event
// stream. Feeding the events of a recording through Apply in order
// yields the same layout and canvases live subscribers converged on.
type ReplayState struct {
	GridSize  int
	Positions map[string][2]int
	Colors    map[string]string
	SubCells  map[string]map[string]string
}

func NewReplayState() *ReplayState {
	return &ReplayState{
		GridSize:  1,
		Positions: make(map[string][2]int),
		Colors:    make(map[string]string),
		SubCells:  make(map[string]map[string]string),
	}
}

// Apply folds one recorded frame into the state. Unknown event types
// are an error; a recording only ever contains frames the hub
// broadcast.
func (st *ReplayState) Apply(raw json.RawMessage) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("replay: decode frame: %w", err)
	}

	switch head.Type {
	case EventInitialState:
		var msg InitialStateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("replay: decode %s: %w", head.Type, err)
		}
		return st.applySnapshot(msg.GridSize, msg.GridState, msg.UserColors, msg.SubCellStates)

	case EventNewUser:
		var msg NewUserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("replay: decode %s: %w", head.Type, err)
		}
		st.Positions[msg.UserID] = msg.Position
		st.Colors[msg.UserID] = msg.Color
		if _, ok := st.SubCells[msg.UserID]; !ok {
			st.SubCells[msg.UserID] = make(map[string]string)
		}

	case EventUserLeft:
		var msg UserLeftMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("replay: decode %s: %w", head.Type, err)
		}
		delete(st.Positions, msg.UserID)
		delete(st.Colors, msg.UserID)
		delete(st.SubCells, msg.UserID)
		if len(st.Positions) == 0 {
			st.GridSize = 1
		}

	case EventCellUpdate:
		var msg CellUpdateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("replay: decode %s: %w", head.Type, err)
		}
		cells, ok := st.SubCells[msg.UserID]
		if !ok {
			cells = make(map[string]string)
			st.SubCells[msg.UserID] = cells
		}
		cells[fmt.Sprintf("%d,%d", msg.SubX, msg.SubY)] = msg.Color

	case EventZoomUpdate:
		var msg ZoomUpdateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("replay: decode %s: %w", head.Type, err)
		}
		return st.applySnapshot(msg.GridSize, msg.GridState, msg.UserColors, msg.SubCellStates)

	case EventUserDisconnected:
		// Soft notice only. The user_left frame that follows carries
		// the state change.

	default:
		return fmt.Errorf("replay: unknown event type %q", head.Type)
	}
	return nil
}

// applySnapshot replaces the layout wholesale from a snapshot-style
// frame. Participants absent from the snapshot are dropped.
func (st *ReplayState) applySnapshot(size int, gridState string, colors map[string]string, subCells map[string]map[string]string) error {
	var layout GridState
	if err := json.Unmarshal([]byte(gridState), &layout); err != nil {
		return fmt.Errorf("replay: decode grid_state: %w", err)
	}

	st.GridSize = size
	st.Positions = make(map[string][2]int, len(layout.UserPositions))
	for id, pos := range layout.UserPositions {
		st.Positions[id] = pos
	}
	for id := range st.Colors {
		if _, ok := st.Positions[id]; !ok {
			delete(st.Colors, id)
			delete(st.SubCells, id)
		}
	}
	for id, color := range colors {
		st.Colors[id] = color
	}
	for id, painted := range subCells {
		cells := make(map[string]string, len(painted))
		for k, v := range painted {
			cells[k] = v
		}
		st.SubCells[id] = cells
	}
	for id := range st.Positions {
		if _, ok := st.SubCells[id]; !ok {
			st.SubCells[id] = make(map[string]string)
		}
	}
	return nil
}

// ReplaySession folds a full recording into its final state.
func ReplaySession(events []json.RawMessage) (*ReplayState, error) {
	st := NewReplayState()
	for i, raw := range events {
		if err := st.Apply(raw); err != nil {
			return nil, fmt.Errorf("replay: frame %d: %w", i, err)
		}
	}
	return st, nil
}
