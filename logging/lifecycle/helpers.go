package lifecycle

import (
	"context"

	"mosaic/server/logging"
)

const (
	// EventSessionStarted is emitted when the first participant opens a session.
	EventSessionStarted logging.EventType = "lifecycle.session_started"
	// EventSessionEnded is emitted when the last participant leaves.
	EventSessionEnded logging.EventType = "lifecycle.session_ended"
	// EventParticipantJoined is emitted when a participant is placed on the grid.
	EventParticipantJoined logging.EventType = "lifecycle.participant_joined"
	// EventParticipantLeft is emitted when a participant leaves or is evicted.
	EventParticipantLeft logging.EventType = "lifecycle.participant_left"
	// EventGridResized is emitted when the grid crosses a size boundary.
	EventGridResized logging.EventType = "lifecycle.grid_resized"
)

// SessionPayload captures session boundary metadata.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// ParticipantJoinedPayload captures placement metadata for a new participant.
type ParticipantJoinedPayload struct {
	X        int `json:"x"`
	Y        int `json:"y"`
	GridSize int `json:"gridSize"`
}

// ParticipantLeftPayload captures why and where a participant left.
type ParticipantLeftPayload struct {
	Reason string `json:"reason"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// GridResizedPayload captures a grid size transition.
type GridResizedPayload struct {
	OldSize int `json:"oldSize"`
	NewSize int `json:"newSize"`
}

// SessionStarted publishes a session open event.
func SessionStarted(ctx context.Context, pub logging.Publisher, seq uint64, payload SessionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionStarted,
		Seq:      seq,
		Actor:    logging.EntityRef{ID: payload.SessionID, Kind: logging.EntityKindSession},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// SessionEnded publishes a session close event.
func SessionEnded(ctx context.Context, pub logging.Publisher, seq uint64, payload SessionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionEnded,
		Seq:      seq,
		Actor:    logging.EntityRef{ID: payload.SessionID, Kind: logging.EntityKindSession},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ParticipantJoined publishes a participant placement event.
func ParticipantJoined(ctx context.Context, pub logging.Publisher, seq uint64, actor logging.EntityRef, payload ParticipantJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantJoined,
		Seq:      seq,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ParticipantLeft publishes a participant removal event.
func ParticipantLeft(ctx context.Context, pub logging.Publisher, seq uint64, actor logging.EntityRef, payload ParticipantLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantLeft,
		Seq:      seq,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// GridResized publishes a grid size transition event.
func GridResized(ctx context.Context, pub logging.Publisher, seq uint64, payload GridResizedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventGridResized,
		Seq:      seq,
		Actor:    logging.EntityRef{Kind: logging.EntityKindServer},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}
