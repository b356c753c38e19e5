package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetpanel/fleet-server/internal/auth"
	"github.com/fleetpanel/fleet-server/internal/conversation"
	"github.com/fleetpanel/fleet-server/internal/models"
	"github.com/fleetpanel/fleet-server/internal/notify"
	"github.com/fleetpanel/fleet-server/internal/queue"
	"github.com/fleetpanel/fleet-server/internal/registry"
	"github.com/fleetpanel/fleet-server/internal/storage"
)

const (
	admin    int64 = 100
	stranger int64 = 999
)

type recordingSink struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) ofType(typ models.EventType) []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// failingAppendStore refuses new commands.
type failingAppendStore struct {
	*storage.MemoryStore
}

func (failingAppendStore) AppendCommand(context.Context, string, *models.Command) error {
	return errors.New("disk full")
}

type harness struct {
	d        *Dispatcher
	clock    *clockwork.FakeClock
	registry *registry.Registry
	queue    *queue.Queue
	store    storage.Store
	sessions *conversation.Manager
	notifier *notify.Notifier
	sink     *recordingSink
}

func newHarness(t *testing.T, store storage.Store, opts Options) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}

	h := &harness{
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		store:    store,
		sessions: conversation.NewManager(),
		sink:     &recordingSink{},
	}
	h.registry = registry.New(h.clock, time.Minute)
	h.queue = queue.New(store)
	h.notifier = notify.New(time.Second, h.sink)
	h.d = New(Deps{
		Registry:  h.registry,
		Queue:     h.queue,
		Store:     store,
		Sessions:  h.sessions,
		Notifier:  h.notifier,
		Operators: auth.NewAllowList([]int64{admin}),
		Clock:     h.clock,
	}, opts)
	return h
}

func (h *harness) connect(t *testing.T, id, model string) {
	t.Helper()
	if err := h.d.Connect(context.Background(), id, models.DeviceMetadata{Model: model}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func (h *harness) press(data string) Response {
	return h.d.HandleButton(context.Background(), ButtonPress{ChatID: admin, MessageID: 55, Data: data})
}

func (h *harness) say(msg string) Response {
	return h.d.HandleText(context.Background(), admin, msg)
}

func onlyText(t *testing.T, r Response) string {
	t.Helper()
	if len(r.Replies) != 1 {
		t.Fatalf("got %d replies (%+v), want 1", len(r.Replies), r)
	}
	return r.Replies[0].Text
}

func TestSendSMSConversationQueuesCommand(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.connect(t, "X", "Pixel 7")

	if got := onlyText(t, h.press("send_sms_sim1:X")); got != "📨 Enter recipient number:" {
		t.Errorf("prompt = %q", got)
	}
	if got := onlyText(t, h.say("+15551234")); got != "✉️ Enter message to +15551234:" {
		t.Errorf("body prompt = %q", got)
	}
	if got := onlyText(t, h.say("hello")); got != "✅ SMS queued" {
		t.Errorf("reply = %q", got)
	}

	cmds, err := h.d.PollCommands(context.Background(), "X")
	if err != nil {
		t.Fatalf("PollCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	c := cmds[0]
	if c.Type != models.CommandSendSMS || c.SIM != models.SIMSlot1 || c.Number != "+15551234" || c.Message != "hello" {
		t.Errorf("command = %+v", c)
	}
	if h.sessions.Len() != 0 {
		t.Errorf("session not cleared")
	}

	h.notifier.Wait()
	if len(h.sink.ofType(models.EventTypeCommandQueued)) != 1 {
		t.Errorf("expected one command.queued event")
	}
	if len(h.sink.ofType(models.EventTypeCommandsDrained)) != 1 {
		t.Errorf("expected one commands.drained event")
	}
}

func TestForwardOnConversation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.connect(t, "X", "Pixel")

	if got := onlyText(t, h.press("sms_forward_on_sim2:X")); got != "📨 Enter number to forward SMS TO (SIM2):" {
		t.Errorf("prompt = %q", got)
	}
	if got := onlyText(t, h.say("+1666")); got != "✅ SMS Forward ON SIM2 → +1666" {
		t.Errorf("reply = %q", got)
	}

	cmds, _ := h.d.PollCommands(context.Background(), "X")
	if len(cmds) != 1 || cmds[0].Type != models.CommandSMSForward || cmds[0].Action != models.ForwardOn || cmds[0].Number != "+1666" {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestForwardOffAndCheckQueueImmediately(t *testing.T) {
	tests := []struct {
		data  string
		reply string
		typ   models.CommandType
		act   models.ForwardAction
		sim   models.SIMSlot
	}{
		{"call_forward_off_sim1:X", "✅ Call Forward OFF SIM1", models.CommandCallForward, models.ForwardOff, 1},
		{"call_forward_check_sim2:X", "🔎 Check Call Forward SIM2", models.CommandCallForward, models.ForwardCheck, 2},
		{"sms_forward_off_sim2:X", "✅ SMS Forward OFF SIM2", models.CommandSMSForward, models.ForwardOff, 2},
		{"sms_forward_check_sim1:X", "🔎 Check SMS Forward SIM1", models.CommandSMSForward, models.ForwardCheck, 1},
	}

	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			h := newHarness(t, nil, Options{})
			h.connect(t, "X", "Pixel")

			if got := onlyText(t, h.press(tt.data)); got != tt.reply {
				t.Errorf("reply = %q, want %q", got, tt.reply)
			}

			cmds, err := h.d.PollCommands(context.Background(), "X")
			if err != nil {
				t.Fatalf("PollCommands: %v", err)
			}
			if len(cmds) != 1 {
				t.Fatalf("got %d commands", len(cmds))
			}
			c := cmds[0]
			if c.Type != tt.typ || c.Action != tt.act || c.SIM != tt.sim || c.Number != "" {
				t.Errorf("command = %+v", c)
			}
			if h.sessions.Len() != 0 {
				t.Error("single-shot action opened a session")
			}
		})
	}
}

func TestUnauthorizedOperatorChangesNothing(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	h.connect(t, "X", "Pixel")
	h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "+1", Body: "keep me"})
	h.d.SubmitForm(ctx, "X", models.Variables{"name": "a"})

	for verb := range actions {
		r := h.d.HandleButton(ctx, ButtonPress{ChatID: stranger, MessageID: 1, Data: Token(verb, "X")})
		if r.Ack != TextNotAllowed || len(r.Replies) != 0 {
			t.Errorf("%s: response = %+v", verb, r)
		}
	}
	for _, msg := range []string{"/start", "Connected devices", "Execute command", "/cancel", "+15551234", "hello"} {
		r := h.d.HandleText(ctx, stranger, msg)
		if len(r.Replies) != 1 || r.Replies[0].Text != TextPermissionDenied || r.Replies[0].ChatID != stranger {
			t.Errorf("%q: response = %+v", msg, r)
		}
	}

	if n, _ := h.queue.Pending(ctx, "X"); n != 0 {
		t.Errorf("queue has %d commands", n)
	}
	if h.sessions.Len() != 0 {
		t.Errorf("sessions = %d", h.sessions.Len())
	}
	if _, total, _ := h.store.ListSMS(ctx, "X", 0); total != 1 {
		t.Errorf("sms log has %d entries", total)
	}
	if fields, err := h.store.GetFormSnapshot(ctx, "X"); err != nil || fields["name"] != "a" {
		t.Errorf("form = %v, %v", fields, err)
	}
}

func TestUnknownActionAndMissingDevice(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.connect(t, "X", "Pixel")

	for _, data := range []string{"reboot:X", "", "send_sms_sim3:X", "call_forward_on:X"} {
		if r := h.press(data); r.Ack != TextUnknownAction || len(r.Replies) != 0 {
			t.Errorf("%q: %+v", data, r)
		}
	}

	for _, data := range []string{"device:Y", "send_sms_sim1:Y", "delete_last_sms:Y", "device_info:"} {
		if r := h.press(data); r.Ack != TextDeviceNotFound || len(r.Replies) != 0 {
			t.Errorf("%q: %+v", data, r)
		}
	}
	if h.sessions.Len() != 0 {
		t.Error("rejected press opened a session")
	}
}

func TestDeleteLastSMS(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	h.connect(t, "X", "Pixel")

	if got := onlyText(t, h.press("delete_last_sms:X")); got != "No messages to delete" {
		t.Errorf("empty log reply = %q", got)
	}
	if _, err := h.d.DeleteLastSMS(ctx, "X"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeleteLastSMS on empty = %v", err)
	}

	h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "+1", Body: "first"})
	h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "+2", Body: "second"})

	if got := onlyText(t, h.press("delete_last_sms:X")); got != "🗑️ Last SMS deleted:\nFrom: +2\nMsg: second" {
		t.Errorf("reply = %q", got)
	}

	removed, err := h.d.DeleteLastSMS(ctx, "X")
	if err != nil || removed.Body != "first" {
		t.Fatalf("DeleteLastSMS = %+v, %v", removed, err)
	}
	if _, total, _ := h.store.ListSMS(ctx, "X", 0); total != 0 {
		t.Errorf("log still has %d entries", total)
	}
}

func TestTopLevelCommandAbandonsPendingFlow(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.connect(t, "X", "Pixel")

	h.press("send_sms_sim1:X")
	r := h.say("Connected devices")

	if len(r.Replies) != 2 {
		t.Fatalf("replies = %+v", r.Replies)
	}
	if r.Replies[0].Text != "🚫 Cancelled: Send SMS (SIM1)" {
		t.Errorf("notice = %q", r.Replies[0].Text)
	}
	if !strings.Contains(r.Replies[1].Text, "Pixel") || !r.Replies[1].Markdown {
		t.Errorf("listing = %+v", r.Replies[1])
	}
	if h.sessions.Len() != 0 {
		t.Error("session survived a top-level command")
	}

	// Without a pending flow there is no notice.
	if r := h.say("/start"); len(r.Replies) != 1 || !r.Replies[0].MainMenu || r.Replies[0].Text != TextPanelReady {
		t.Errorf("/start = %+v", r)
	}
	if got := onlyText(t, h.say("/cancel")); got != TextNothingToCancel {
		t.Errorf("/cancel = %q", got)
	}
}

func TestTextWithoutSessionGetsHint(t *testing.T) {
	h := newHarness(t, nil, Options{})

	r := h.say("hello?")
	if len(r.Replies) != 1 || r.Replies[0].Text != TextIdleHint || !r.Replies[0].MainMenu {
		t.Errorf("response = %+v", r)
	}
}

func TestInvalidNumberReprompts(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.connect(t, "X", "Pixel")

	h.press("call_forward_on_sim1:X")
	if got := onlyText(t, h.say("not a number")); !strings.HasPrefix(got, "⚠️ Invalid number.") {
		t.Errorf("reply = %q", got)
	}
	if n, _ := h.queue.Pending(context.Background(), "X"); n != 0 {
		t.Errorf("queued %d commands", n)
	}
	if h.sessions.Len() != 1 {
		t.Error("session lost after invalid input")
	}
}

func TestEnqueueFailureKeepsSession(t *testing.T) {
	h := newHarness(t, failingAppendStore{storage.NewMemoryStore()}, Options{})
	h.connect(t, "X", "Pixel")

	h.press("call_forward_on_sim1:X")
	if got := onlyText(t, h.say("+1666")); got != TextInternalError {
		t.Errorf("reply = %q", got)
	}
	if h.sessions.Len() != 1 {
		t.Error("session dropped after failed enqueue")
	}

	if got := onlyText(t, h.press("call_forward_off_sim1:X")); got != TextInternalError {
		t.Errorf("off reply = %q", got)
	}
}

func TestMenus(t *testing.T) {
	h := newHarness(t, nil, Options{})

	if got := onlyText(t, h.say("Execute command")); got != TextNoDevices {
		t.Errorf("empty picker = %q", got)
	}

	h.connect(t, "b-id", "Beta")
	h.connect(t, "a-id", "Alpha")
	h.clock.Advance(2 * time.Minute)
	h.connect(t, "c-id", "Gamma")

	r := h.say("Execute command")
	kb := r.Replies[0].Keyboard
	if len(kb) != 3 {
		t.Fatalf("picker rows = %d", len(kb))
	}
	if kb[0][0].Text != "🔴 Alpha" || kb[0][0].Data != "device:a-id" || kb[2][0].Text != "🟢 Gamma" {
		t.Errorf("picker = %+v", kb)
	}

	r = h.press("device:a-id")
	reply := r.Replies[0]
	if reply.EditMessageID != 55 || reply.Text != "🔧 Commands for Alpha" || len(reply.Keyboard) != 8 {
		t.Errorf("device menu = %+v", reply)
	}
	if reply.Keyboard[7][0].Data != VerbBackDevices {
		t.Errorf("back button = %+v", reply.Keyboard[7][0])
	}

	r = h.press("call_forward_sim2:a-id")
	row := r.Replies[0].Keyboard[0]
	if len(row) != 3 || row[0].Data != "call_forward_on_sim2:a-id" || row[2].Data != "call_forward_check_sim2:a-id" {
		t.Errorf("forward actions = %+v", row)
	}
	if back := r.Replies[0].Keyboard[1][0].Data; back != "call_forward_menu:a-id" {
		t.Errorf("back = %q", back)
	}

	r = h.press("back_devices")
	if r.Replies[0].Text != "🔘 Select device:" || r.Replies[0].EditMessageID != 55 {
		t.Errorf("back_devices = %+v", r.Replies[0])
	}

	r = h.press("send_sms_menu:a-id")
	if sims := r.Replies[0].Keyboard[0]; sims[0].Data != "send_sms_sim1:a-id" || sims[1].Data != "send_sms_sim2:a-id" {
		t.Errorf("sim menu = %+v", sims)
	}
}

func TestEveryVerbIsRouted(t *testing.T) {
	want := []string{
		"device", "back_devices", "send_sms_menu", "send_sms_sim1", "send_sms_sim2",
		"call_forward_menu", "call_forward_sim1", "call_forward_sim2",
		"call_forward_on_sim1", "call_forward_on_sim2", "call_forward_off_sim1", "call_forward_off_sim2",
		"call_forward_check_sim1", "call_forward_check_sim2",
		"sms_forward_menu", "sms_forward_sim1", "sms_forward_sim2",
		"sms_forward_on_sim1", "sms_forward_on_sim2", "sms_forward_off_sim1", "sms_forward_off_sim2",
		"sms_forward_check_sim1", "sms_forward_check_sim2",
		"get_sms_log", "device_info", "view_form", "delete_last_sms",
	}
	for _, verb := range want {
		if _, ok := actions[verb]; !ok {
			t.Errorf("verb %q not routed", verb)
		}
	}
	if len(actions) != len(want) {
		t.Errorf("%d verbs routed, want %d", len(actions), len(want))
	}
}

func TestDeviceEventsNotify(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	battery := models.Percent(80)
	sim1 := "+1_555"
	if err := h.d.Connect(ctx, "X", models.DeviceMetadata{Model: "Pixel*7", Battery: &battery, SIM1: &sim1}); err != nil {
		t.Fatal(err)
	}
	if err := h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "+1", Body: "code 1234", SIM: "SIM1"}); err != nil {
		t.Fatal(err)
	}
	if err := h.d.SubmitForm(ctx, "X", models.Variables{"card_holder": "Jo", "pin": "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.d.PollCommands(ctx, "X"); err != nil {
		t.Fatal(err)
	}
	h.notifier.Wait()

	connected := h.sink.ofType(models.EventTypeDeviceConnected)
	if len(connected) != 1 {
		t.Fatalf("device.connected events = %d", len(connected))
	}
	summary := connected[0].Summary
	for _, want := range []string{"📲 *Device Connected*", `📱 *Pixel7*`, `SIM1: +1\_555`, "Battery: 80%", "🟢 Online"} {
		if !strings.Contains(summary, want) {
			t.Errorf("connect summary %q missing %q", summary, want)
		}
	}

	received := h.sink.ofType(models.EventTypeSMSReceived)
	if len(received) != 1 || !strings.Contains(received[0].Summary, "code 1234") {
		t.Errorf("sms.received = %+v", received)
	}

	forms := h.sink.ofType(models.EventTypeFormSubmitted)
	if len(forms) != 1 || !strings.Contains(forms[0].Summary, "🔸 *Card Holder*: Jo") {
		t.Errorf("form.submitted = %+v", forms)
	}

	if n := len(h.sink.ofType(models.EventTypeCommandsDrained)); n != 0 {
		t.Errorf("empty poll produced %d drained events", n)
	}
}

func TestReceiveSMSValidationAndDefaults(t *testing.T) {
	h := newHarness(t, nil, Options{SMSLogLimit: 2})
	ctx := context.Background()

	if err := h.d.ReceiveSMS(ctx, "", &models.SMSEntry{From: "a", Body: "b"}); !errors.Is(err, registry.ErrMissingID) {
		t.Errorf("missing id: %v", err)
	}
	if err := h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{Body: "b"}); !errors.Is(err, ErrMissingField) {
		t.Errorf("missing from: %v", err)
	}
	if err := h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "a"}); !errors.Is(err, ErrMissingField) {
		t.Errorf("missing body: %v", err)
	}

	for _, body := range []string{"1", "2", "3"} {
		if err := h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "a", Body: body}); err != nil {
			t.Fatal(err)
		}
	}
	entries, total, _ := h.store.ListSMS(ctx, "X", 0)
	if total != 2 || entries[0].Body != "3" {
		t.Errorf("log = %+v (total %d)", entries, total)
	}
	if !entries[0].Timestamp.Time().Equal(h.clock.Now()) {
		t.Errorf("timestamp = %v, want clock time", entries[0].Timestamp.Time())
	}
	if entries[0].ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("entry id not assigned")
	}
}

func TestOperatorViews(t *testing.T) {
	h := newHarness(t, nil, Options{SMSLogPage: 1})
	ctx := context.Background()
	h.connect(t, "X", "Pixel")

	if got := onlyText(t, h.press("get_sms_log:X")); got != "No messages found" {
		t.Errorf("empty log = %q", got)
	}
	if got := onlyText(t, h.press("view_form:X")); got != "No form data found" {
		t.Errorf("empty form = %q", got)
	}

	h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "+1", Body: "older"})
	h.d.ReceiveSMS(ctx, "X", &models.SMSEntry{From: "+2", Body: "newer"})
	h.d.SubmitForm(ctx, "X", models.Variables{"full_name": "Jo"})
	h.press("call_forward_off_sim1:X")

	log := onlyText(t, h.press("get_sms_log:X"))
	if !strings.HasPrefix(log, "📜 SMS Logs (2 messages)") || !strings.Contains(log, "newer") || strings.Contains(log, "older") {
		t.Errorf("log = %q", log)
	}

	info := onlyText(t, h.press("device_info:X"))
	if !strings.Contains(info, "UUID: `X`") || !strings.Contains(info, "Pending commands: 1") {
		t.Errorf("info = %q", info)
	}

	form := onlyText(t, h.press("view_form:X"))
	if !strings.Contains(form, "🔸 *Full Name*: Jo") {
		t.Errorf("form = %q", form)
	}
}

func TestCallbackDataFitsTelegramLimit(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	long := strings.Repeat("d", 200)
	ids := []string{long, "#tagged", "X"}
	for _, id := range ids {
		h.connect(t, id, "Phone "+id[:1])
	}

	// Press every reachable button once.
	pending := []string{}
	for _, row := range h.say(CommandExecute).Replies[0].Keyboard {
		pending = append(pending, row[0].Data)
	}
	seen := map[string]bool{}
	for len(pending) > 0 {
		data := pending[0]
		pending = pending[1:]
		if seen[data] {
			continue
		}
		seen[data] = true

		if len(data) > MaxCallbackData {
			t.Errorf("callback data %q is %d bytes", data, len(data))
		}
		r := h.press(data)
		if r.Ack == TextDeviceNotFound {
			t.Errorf("%q did not resolve to a device", data)
		}
		for _, reply := range r.Replies {
			for _, row := range reply.Keyboard {
				for _, b := range row {
					pending = append(pending, b.Data)
				}
			}
		}
	}

	// Off and check for both features on both SIMs.
	for _, id := range ids {
		n, err := h.queue.Pending(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if n != 8 {
			t.Errorf("%.12s… has %d queued commands, want 8", id, n)
		}
	}

	if got := Token(VerbDevice, "X"); got != "device:X" {
		t.Errorf("short id token = %q", got)
	}
	if got := Token(VerbDevice, "#tagged"); !strings.HasPrefix(got, "device:#") || got == "device:#tagged" {
		t.Errorf("id with handle prefix must be hashed, got %q", got)
	}
	if r := h.press("device:#nosuchhandle"); r.Ack != TextDeviceNotFound {
		t.Errorf("unknown handle ack = %q", r.Ack)
	}
}

func TestMarkdownEntitiesSurviveDeviceText(t *testing.T) {
	battery := models.Percent(50)
	card := formatDevice(models.Device{ID: "X", Model: "Best*Phone_[2]", Battery: &battery}, true)
	if !strings.HasPrefix(card, "📱 *BestPhone2]*\n") {
		t.Errorf("card = %q", card)
	}

	fields := formatFields(models.Variables{"pin*code": "1*2"})
	if fields != "\n🔸 *Pincode*: 1\\*2" {
		t.Errorf("fields = %q", fields)
	}

	// Every bold entity must open and close exactly once per line.
	for _, line := range strings.Split(card+fields, "\n") {
		unescaped := strings.ReplaceAll(line, `\*`, "")
		if n := strings.Count(unescaped, "*"); n%2 != 0 {
			t.Errorf("unbalanced bold in %q", line)
		}
	}
}
