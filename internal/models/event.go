package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is something that happened in the fleet, fanned out by the
// notifier.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	DeviceID   string    `json:"deviceId"`
	Summary    string    `json:"summary"`
	Details    Variables `json:"details,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventType represents event types
type EventType string

const (
	EventTypeDeviceConnected EventType = "device.connected"
	EventTypeSMSReceived     EventType = "sms.received"
	EventTypeSMSDeleted      EventType = "sms.deleted"
	EventTypeFormSubmitted   EventType = "form.submitted"
	EventTypeCommandQueued   EventType = "command.queued"
	EventTypeCommandsDrained EventType = "commands.drained"
)

// NewEvent stamps a new event with an id and the current time.
func NewEvent(typ EventType, deviceID, summary string, details Variables) *Event {
	return &Event{
		ID:         uuid.New(),
		Type:       typ,
		DeviceID:   deviceID,
		Summary:    summary,
		Details:    details,
		OccurredAt: time.Now().UTC(),
	}
}
