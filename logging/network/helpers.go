package network

import (
	"context"

	"mosaic/server/logging"
)

const (
	// EventConnectionOpened is emitted after a websocket upgrade succeeds.
	EventConnectionOpened logging.EventType = "network.connection_opened"
	// EventConnectionClosed is emitted when a connection is unregistered.
	EventConnectionClosed logging.EventType = "network.connection_closed"
	// EventSlowConsumerDropped is emitted when a send buffer overflows.
	EventSlowConsumerDropped logging.EventType = "network.slow_consumer_dropped"
	// EventMalformedMessage is emitted when an inbound frame fails to decode.
	EventMalformedMessage logging.EventType = "network.malformed_message"
)

// ConnectionPayload captures connection metadata.
type ConnectionPayload struct {
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
}

// MalformedPayload captures the decode failure for a dropped frame.
type MalformedPayload struct {
	Error string `json:"error"`
}

// ConnectionOpened publishes a connection registration event.
func ConnectionOpened(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionOpened,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// ConnectionClosed publishes a connection teardown event.
func ConnectionClosed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionClosed,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// SlowConsumerDropped publishes a warning for a connection dropped on backlog.
func SlowConsumerDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSlowConsumerDropped,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// MalformedMessage publishes a debug event for an undecodable inbound frame.
func MalformedMessage(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload MalformedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMalformedMessage,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
