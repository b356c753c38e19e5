// Package telegram connects operators to the dispatcher through the
// Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/config"
	"github.com/fleetpanel/fleet-server/internal/dispatcher"
)

// MaxMessageLength is the longest text Telegram accepts in one message.
const MaxMessageLength = 4096

// botAPI is the part of tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handler turns operator input into replies.
type Handler interface {
	HandleText(ctx context.Context, chatID int64, text string) dispatcher.Response
	HandleButton(ctx context.Context, press dispatcher.ButtonPress) dispatcher.Response
}

// Bot long-polls for updates and renders dispatcher responses.
type Bot struct {
	api         botAPI
	pollTimeout int
}

// New logs in with the configured token.
func New(cfg config.TelegramConfig) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	api.Debug = cfg.Debug

	log.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
	return newBot(api, cfg.PollTimeout), nil
}

func newBot(api botAPI, pollTimeout int) *Bot {
	if pollTimeout <= 0 {
		pollTimeout = 60
	}
	return &Bot{api: api, pollTimeout: pollTimeout}
}

// Run processes updates one at a time until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)

	log.Info().Int("poll_timeout", b.pollTimeout).Msg("Telegram bot polling")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, h, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, h Handler, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		press := dispatcher.ButtonPress{Data: cq.Data}
		if cq.Message != nil {
			press.ChatID = cq.Message.Chat.ID
			press.MessageID = cq.Message.MessageID
		} else if cq.From != nil {
			press.ChatID = cq.From.ID
		}

		resp := h.HandleButton(ctx, press)
		if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, resp.Ack)); err != nil {
			log.Warn().Err(err).Int64("chat_id", press.ChatID).Msg("Failed to answer callback")
		}
		b.render(ctx, resp.Replies)

	case update.Message != nil && update.Message.Text != "":
		msg := update.Message
		resp := h.HandleText(ctx, msg.Chat.ID, msg.Text)
		b.render(ctx, resp.Replies)
	}
}

func (b *Bot) render(ctx context.Context, replies []dispatcher.Reply) {
	for _, r := range replies {
		if err := b.send(ctx, r); err != nil {
			log.Error().Err(err).Int64("chat_id", r.ChatID).Msg("Failed to send reply")
		}
	}
}

func (b *Bot) send(ctx context.Context, r dispatcher.Reply) error {
	if r.EditMessageID != 0 {
		var edit tgbotapi.EditMessageTextConfig
		if len(r.Keyboard) > 0 {
			edit = tgbotapi.NewEditMessageTextAndMarkup(r.ChatID, r.EditMessageID, r.Text, inlineKeyboard(r.Keyboard))
		} else {
			edit = tgbotapi.NewEditMessageText(r.ChatID, r.EditMessageID, r.Text)
		}
		if r.Markdown {
			edit.ParseMode = tgbotapi.ModeMarkdown
		}
		_, err := b.api.Request(edit)
		return err
	}

	chunks := SplitMessage(r.Text, MaxMessageLength)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := tgbotapi.NewMessage(r.ChatID, chunk)
		if r.Markdown {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}
		if i == len(chunks)-1 {
			switch {
			case len(r.Keyboard) > 0:
				msg.ReplyMarkup = inlineKeyboard(r.Keyboard)
			case r.MainMenu:
				msg.ReplyMarkup = mainMenu()
			}
		}
		if _, err := b.api.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// SendMarkdown implements notify.Messenger
func (b *Bot) SendMarkdown(ctx context.Context, chatID int64, text string) error {
	return b.send(ctx, dispatcher.Reply{ChatID: chatID, Text: text, Markdown: true})
}

func inlineKeyboard(kb dispatcher.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func mainMenu() tgbotapi.ReplyKeyboardMarkup {
	rows := make([][]tgbotapi.KeyboardButton, 0, len(dispatcher.MainMenu))
	for _, row := range dispatcher.MainMenu {
		buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
		}
		rows = append(rows, buttons)
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}

// SplitMessage cuts text into pieces of at most limit runes, preferring
// line breaks.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		if nl := lastNewline(runes[:limit]); nl > limit/2 {
			cut = nl
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
		if len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
