package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies what a device should do with a command.
type CommandType string

const (
	CommandSendSMS     CommandType = "send_sms"
	CommandCallForward CommandType = "call_forward"
	CommandSMSForward  CommandType = "sms_forward"
)

// ForwardAction is the operation requested on a forwarding feature.
type ForwardAction string

const (
	ForwardOn    ForwardAction = "on"
	ForwardOff   ForwardAction = "off"
	ForwardCheck ForwardAction = "check"
)

// SIMSlot selects one of the two SIM slots on a device.
type SIMSlot int

const (
	SIMSlot1 SIMSlot = 1
	SIMSlot2 SIMSlot = 2
)

// Valid reports whether the slot is 1 or 2.
func (s SIMSlot) Valid() bool {
	return s == SIMSlot1 || s == SIMSlot2
}

// String implements fmt.Stringer
func (s SIMSlot) String() string {
	return fmt.Sprintf("SIM%d", int(s))
}

// Command is a queued instruction for one device. The JSON field names
// are what the device client parses.
type Command struct {
	ID       uuid.UUID     `json:"id"`
	Type     CommandType   `json:"type"`
	SIM      SIMSlot       `json:"sim"`
	Number   string        `json:"number,omitempty"`
	Message  string        `json:"message,omitempty"`
	Action   ForwardAction `json:"action,omitempty"`
	QueuedAt time.Time     `json:"queuedAt"`
}

// NewSendSMS builds a send_sms command.
func NewSendSMS(sim SIMSlot, number, message string) *Command {
	return &Command{
		ID:       uuid.New(),
		Type:     CommandSendSMS,
		SIM:      sim,
		Number:   number,
		Message:  message,
		QueuedAt: time.Now().UTC(),
	}
}

// NewForward builds a call_forward or sms_forward command. number is
// only meaningful for ForwardOn.
func NewForward(kind CommandType, action ForwardAction, sim SIMSlot, number string) *Command {
	cmd := &Command{
		ID:       uuid.New(),
		Type:     kind,
		SIM:      sim,
		Action:   action,
		QueuedAt: time.Now().UTC(),
	}
	if action == ForwardOn {
		cmd.Number = number
	}
	return cmd
}

// Describe returns a short operator-facing summary.
func (c *Command) Describe() string {
	switch c.Type {
	case CommandSendSMS:
		return fmt.Sprintf("Send SMS via %s to %s", c.SIM, c.Number)
	case CommandCallForward, CommandSMSForward:
		label := "Call Forward"
		if c.Type == CommandSMSForward {
			label = "SMS Forward"
		}
		switch c.Action {
		case ForwardOn:
			return fmt.Sprintf("%s ON %s → %s", label, c.SIM, c.Number)
		case ForwardOff:
			return fmt.Sprintf("%s OFF %s", label, c.SIM)
		default:
			return fmt.Sprintf("Check %s %s", label, c.SIM)
		}
	}
	return string(c.Type)
}
