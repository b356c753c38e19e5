package dispatcher

// Button is one inline keyboard button. Data is the action token sent
// back when the button is pressed.
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard, one slice per row.
type Keyboard [][]Button

// Reply is one message to show an operator.
type Reply struct {
	ChatID   int64
	Text     string
	Markdown bool
	Keyboard Keyboard
	// MainMenu attaches the persistent top-level reply keyboard.
	MainMenu bool
	// EditMessageID, when non-zero, replaces that message in place.
	EditMessageID int
}

// Response is everything the transport should do for one operator
// event. Ack answers a button press and is empty for plain acks.
type Response struct {
	Replies []Reply
	Ack     string
}

// ButtonPress is an inline button callback.
type ButtonPress struct {
	ChatID    int64
	MessageID int
	Data      string
}

// Top-level operator commands and their menu labels.
const (
	CommandStart            = "/start"
	CommandCancel           = "/cancel"
	CommandConnectedDevices = "Connected devices"
	CommandExecute          = "Execute command"
)

// Fixed operator-facing texts.
const (
	TextPermissionDenied = "❌ Permission denied."
	TextNotAllowed       = "❌ Not allowed"
	TextUnknownAction    = "❌ Unknown action"
	TextDeviceNotFound   = "Device not found"
	TextInternalError    = "⚠️ Internal error, try again."
	TextNoDevices        = "🚫 No devices connected."
	TextPanelReady       = "✅ Admin Panel Ready"
	TextIdleHint         = "Use the menu below, or /start to show it."
	TextNothingToCancel  = "Nothing to cancel."
)

// MainMenu is the persistent reply keyboard shown after /start.
var MainMenu = [][]string{
	{CommandConnectedDevices},
	{CommandExecute},
}

func plain(chatID int64, s string) Reply {
	return Reply{ChatID: chatID, Text: s}
}

func markdown(chatID int64, s string) Reply {
	return Reply{ChatID: chatID, Text: s, Markdown: true}
}

func respond(replies ...Reply) Response {
	return Response{Replies: replies}
}

func ack(s string) Response {
	return Response{Ack: s}
}
