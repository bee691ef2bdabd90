package server

import "time"

// CellPixels is the side length of the pixel block owned by one
// participant. Every participant paints inside a CellPixels x
// CellPixels canvas regardless of the outer grid size.
const CellPixels = 20

const (
	// writeWait bounds a single websocket write. A peer that cannot
	// drain a frame inside this window is treated as gone.
	writeWait = 10 * time.Second

	// sendBufferSize is the per-connection outbound queue. A full
	// queue marks the connection as a slow consumer and drops it.
	sendBufferSize = 256
)

const (
	// defaultInactivityTimeout evicts participants whose last paint
	// or heartbeat is older than this.
	defaultInactivityTimeout = 3 * time.Minute

	// defaultTimeoutCheckInterval is the sweep cadence for the
	// inactivity monitor.
	defaultTimeoutCheckInterval = 5 * time.Second
)
