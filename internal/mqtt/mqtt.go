// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/shelf-lock/internal/report"
)

// TopicPrefix is the root of every shelf topic.
const TopicPrefix = "library/shelf"

// EventsTopic is the topic for session events of one shelf.
func EventsTopic(shelfID string) string {
	return TopicPrefix + "/" + shelfID + "/events"
}

// SystemTopic is the topic for lifecycle events of one shelf.
func SystemTopic(shelfID string) string {
	return TopicPrefix + "/" + shelfID + "/system"
}

// CommandsTopic is the topic the daemon subscribes to for unlock/lock commands.
func CommandsTopic(shelfID string) string {
	return TopicPrefix + "/" + shelfID + "/commands"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a session event record to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(rec report.Record) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Event EventPayload `json:"event"`
}

// EventPayload contains the session event details.
type EventPayload struct {
	ID        string `json:"id"`
	ShelfID   string `json:"shelf_id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SubjectID string `json:"subject_id"`
	Timestamp string `json:"timestamp"`
	Mode      string `json:"mode,omitempty"`

	Kind           string   `json:"kind,omitempty"`
	CurrentWeight  *float64 `json:"current_weight,omitempty"`
	PreviousWeight *float64 `json:"previous_weight,omitempty"`
	Delta          *float64 `json:"delta,omitempty"`

	ActiveSessionID string `json:"active_session_id,omitempty"`
}

// FormatPayload creates the JSON payload for a session event record.
// Weights are only present on classified events.
func FormatPayload(rec report.Record) ([]byte, error) {
	ev := rec.Event
	inner := EventPayload{
		ID:              rec.ID,
		ShelfID:         rec.ShelfID,
		Type:            string(ev.Type),
		SessionID:       ev.SessionID,
		SubjectID:       ev.SubjectID,
		Timestamp:       ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Mode:            string(ev.Mode),
		Kind:            string(ev.Kind),
		ActiveSessionID: ev.ActiveSessionID,
	}
	if ev.Kind != "" {
		current, previous, delta := ev.CurrentWeight, ev.PreviousWeight, ev.Delta
		inner.CurrentWeight = &current
		inner.PreviousWeight = &previous
		inner.Delta = &delta
	}
	return json.Marshal(Payload{Event: inner})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
