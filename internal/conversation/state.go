// Package conversation implements the multi-turn operator dialogue that
// collects the details of a command before it is queued.
package conversation

import (
	"fmt"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// Flow names a dialogue that ends in a queued command.
type Flow string

const (
	FlowSendSMS       Flow = "send_sms"
	FlowCallForwardOn Flow = "call_forward_on"
	FlowSMSForwardOn  Flow = "sms_forward_on"
)

// Valid reports whether f is a known flow.
func (f Flow) Valid() bool {
	switch f {
	case FlowSendSMS, FlowCallForwardOn, FlowSMSForwardOn:
		return true
	}
	return false
}

// Label is the operator-facing name of the flow.
func (f Flow) Label() string {
	switch f {
	case FlowSendSMS:
		return "Send SMS"
	case FlowCallForwardOn:
		return "Call Forward ON"
	case FlowSMSForwardOn:
		return "SMS Forward ON"
	}
	return string(f)
}

// StateKind enumerates the session states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateAwaitDestination
	StateAwaitMessageBody
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateAwaitDestination:
		return "await_destination"
	case StateAwaitMessageBody:
		return "await_message_body"
	}
	return fmt.Sprintf("state(%d)", int(k))
}

// State is one session state together with the data it carries.
type State interface {
	Kind() StateKind
}

// Idle means no dialogue is in progress.
type Idle struct{}

// AwaitDestination waits for the phone number a flow targets.
type AwaitDestination struct {
	Flow     Flow
	DeviceID string
	SIM      models.SIMSlot
}

// AwaitMessageBody waits for the text of an outgoing SMS.
type AwaitMessageBody struct {
	DeviceID    string
	SIM         models.SIMSlot
	Destination string
}

func (Idle) Kind() StateKind             { return StateIdle }
func (AwaitDestination) Kind() StateKind { return StateAwaitDestination }
func (AwaitMessageBody) Kind() StateKind { return StateAwaitMessageBody }

// InputKind enumerates what an operator can feed into a session.
type InputKind int

const (
	InputStartFlow InputKind = iota
	InputText
	InputCancel
)

func (k InputKind) String() string {
	switch k {
	case InputStartFlow:
		return "start_flow"
	case InputText:
		return "text"
	case InputCancel:
		return "cancel"
	}
	return fmt.Sprintf("input(%d)", int(k))
}

// Input is an operator event. Only the fields of its kind are set.
type Input struct {
	Kind     InputKind
	Flow     Flow
	DeviceID string
	SIM      models.SIMSlot
	Text     string
}

// StartFlow is a button press that opens a dialogue for a device and SIM.
func StartFlow(flow Flow, deviceID string, sim models.SIMSlot) Input {
	return Input{Kind: InputStartFlow, Flow: flow, DeviceID: deviceID, SIM: sim}
}

// Text is a free-text message.
func Text(text string) Input {
	return Input{Kind: InputText, Text: text}
}

// Cancel abandons whatever dialogue is pending.
func Cancel() Input {
	return Input{Kind: InputCancel}
}
