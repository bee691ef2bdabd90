package server

import (
	"fmt"
	"time"

	"mosaic/server/internal/grid"
	"mosaic/server/internal/palette"
)

// participantState is the authoritative record for one grid cell
// owner. All fields are guarded by the hub mutex.
type participantState struct {
	ID       string
	Position grid.Position
	Color    string
	JoinedAt time.Time

	// rank is the spiral slot index the participant currently
	// occupies. Relayouts preserve relative rank order.
	rank int

	// cells holds the full CellPixels x CellPixels canvas in
	// row-major order, seeded from the identity-derived palette and
	// overwritten by paints.
	cells []string

	// painted tracks only the pixels a client explicitly set, keyed
	// "x,y". Snapshots ship this map so receivers replay paints on
	// top of the deterministic initial colors.
	painted map[string]string

	lastActivity time.Time
}

func newParticipantState(id string, rank int, pos grid.Position, now time.Time) *participantState {
	return &participantState{
		ID:           id,
		Position:     pos,
		Color:        palette.UserColor(id),
		JoinedAt:     now,
		rank:         rank,
		cells:        palette.InitialColors(id),
		painted:      make(map[string]string),
		lastActivity: now,
	}
}

// paint records one pixel. Coordinates are cell-local and already
// validated by the caller.
func (p *participantState) paint(subX, subY int, color string) {
	p.cells[subY*CellPixels+subX] = color
	p.painted[fmt.Sprintf("%d,%d", subX, subY)] = color
}

func (p *participantState) paintedCopy() map[string]string {
	out := make(map[string]string, len(p.painted))
	for k, v := range p.painted {
		out[k] = v
	}
	return out
}

func (p *participantState) wirePosition() [2]int {
	return [2]int{p.Position.X, p.Position.Y}
}
