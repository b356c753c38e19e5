package conversation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fleetpanel/fleet-server/internal/models"
)

var (
	// ErrNoTransition is returned when the state has no rule for the input.
	ErrNoTransition = errors.New("no transition")
	// ErrInvalidInput is returned for a StartFlow with an unknown flow,
	// device or SIM slot.
	ErrInvalidInput = errors.New("invalid input")
)

// MaxDestinationLength bounds the destination number after trimming.
const MaxDestinationLength = 32

// Result is the outcome of one transition.
type Result struct {
	Next State
	// Command, when set, must be queued for DeviceID before Next is
	// committed.
	Command  *models.Command
	DeviceID string
	// Reply is what the operator is told. It may be empty.
	Reply string
}

type transitionKey struct {
	state StateKind
	input InputKind
}

type transitionFunc func(s State, in Input) (Result, error)

var transitions = map[transitionKey]transitionFunc{
	{StateIdle, InputStartFlow}: startFlow,
	{StateIdle, InputCancel}:    cancelIdle,

	{StateAwaitDestination, InputStartFlow}: startFlow,
	{StateAwaitDestination, InputText}:      receiveDestination,
	{StateAwaitDestination, InputCancel}:    cancelPending,

	{StateAwaitMessageBody, InputStartFlow}: startFlow,
	{StateAwaitMessageBody, InputText}:      receiveMessageBody,
	{StateAwaitMessageBody, InputCancel}:    cancelPending,
}

// Transition applies in to s. It is pure: the caller decides what to do
// with the produced command and next state.
func Transition(s State, in Input) (Result, error) {
	if s == nil {
		s = Idle{}
	}
	fn, ok := transitions[transitionKey{s.Kind(), in.Kind}]
	if !ok {
		return Result{Next: s}, fmt.Errorf("%w: %s on %s", ErrNoTransition, in.Kind, s.Kind())
	}
	return fn(s, in)
}

// startFlow begins a flow. A flow already pending is abandoned and the
// reply says so.
func startFlow(s State, in Input) (Result, error) {
	if !in.Flow.Valid() || !in.SIM.Valid() || in.DeviceID == "" {
		return Result{}, fmt.Errorf("%w: flow %q sim %d", ErrInvalidInput, in.Flow, int(in.SIM))
	}

	next := AwaitDestination{Flow: in.Flow, DeviceID: in.DeviceID, SIM: in.SIM}
	reply := destinationPrompt(next)
	if s.Kind() != StateIdle {
		reply = "🚫 Cancelled: " + pendingLabel(s) + "\n" + reply
	}
	return Result{Next: next, Reply: reply}, nil
}

func cancelIdle(State, Input) (Result, error) {
	return Result{Next: Idle{}}, nil
}

func cancelPending(s State, _ Input) (Result, error) {
	return Result{Next: Idle{}, Reply: "🚫 Cancelled: " + pendingLabel(s)}, nil
}

func receiveDestination(s State, in Input) (Result, error) {
	st := s.(AwaitDestination)

	number, ok := NormalizeDestination(in.Text)
	if !ok {
		return Result{Next: st, Reply: "⚠️ Invalid number. " + destinationPrompt(st)}, nil
	}

	switch st.Flow {
	case FlowSendSMS:
		next := AwaitMessageBody{DeviceID: st.DeviceID, SIM: st.SIM, Destination: number}
		return Result{Next: next, Reply: bodyPrompt(next)}, nil
	case FlowCallForwardOn:
		return complete(st.DeviceID, models.NewForward(models.CommandCallForward, models.ForwardOn, st.SIM, number)), nil
	case FlowSMSForwardOn:
		return complete(st.DeviceID, models.NewForward(models.CommandSMSForward, models.ForwardOn, st.SIM, number)), nil
	}
	return Result{Next: st}, fmt.Errorf("%w: flow %q", ErrInvalidInput, st.Flow)
}

func receiveMessageBody(s State, in Input) (Result, error) {
	st := s.(AwaitMessageBody)

	body := strings.TrimSpace(in.Text)
	if body == "" {
		return Result{Next: st, Reply: "⚠️ Message cannot be empty. " + bodyPrompt(st)}, nil
	}

	res := complete(st.DeviceID, models.NewSendSMS(st.SIM, st.Destination, body))
	res.Reply = "✅ SMS queued"
	return res, nil
}

func complete(deviceID string, cmd *models.Command) Result {
	return Result{
		Next:     Idle{},
		Command:  cmd,
		DeviceID: deviceID,
		Reply:    "✅ " + cmd.Describe(),
	}
}

func destinationPrompt(st AwaitDestination) string {
	switch st.Flow {
	case FlowCallForwardOn:
		return fmt.Sprintf("📞 Enter number to forward calls TO (%s):", st.SIM)
	case FlowSMSForwardOn:
		return fmt.Sprintf("📨 Enter number to forward SMS TO (%s):", st.SIM)
	}
	return "📨 Enter recipient number:"
}

func bodyPrompt(st AwaitMessageBody) string {
	return fmt.Sprintf("✉️ Enter message to %s:", st.Destination)
}

func pendingLabel(s State) string {
	switch st := s.(type) {
	case AwaitDestination:
		return fmt.Sprintf("%s (%s)", st.Flow.Label(), st.SIM)
	case AwaitMessageBody:
		return fmt.Sprintf("%s (%s) to %s", FlowSendSMS.Label(), st.SIM, st.Destination)
	}
	return "nothing pending"
}

// NormalizeDestination trims s and reports whether it looks like a
// dialable number: at most MaxDestinationLength characters drawn from
// digits, spaces and "+-()*#", with at least one digit.
func NormalizeDestination(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > MaxDestinationLength {
		return "", false
	}

	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || strings.ContainsRune("+-()*#", r):
		default:
			return "", false
		}
	}
	if digits == 0 {
		return "", false
	}
	return s, true
}
