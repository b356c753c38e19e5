package models

import (
	"github.com/google/uuid"
)

// SMSEntry is one inbound message reported by a device.
type SMSEntry struct {
	ID        uuid.UUID `json:"id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	SIM       string    `json:"sim,omitempty"`
	Timestamp Millis    `json:"timestamp"`
}
