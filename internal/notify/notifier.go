// Package notify fans fleet events out to operators and external
// systems. Delivery is best effort: failures are logged and dropped.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// DefaultTimeout bounds one sink delivery.
const DefaultTimeout = 10 * time.Second

// Sink receives events from the notifier.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev *models.Event) error
}

// Notifier hands every event to all sinks without blocking the caller.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

// New creates a notifier. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{sinks: sinks, timeout: timeout}
}

// Sinks returns the registered sink names.
func (n *Notifier) Sinks() []string {
	names := make([]string, len(n.sinks))
	for i, s := range n.sinks {
		names[i] = s.Name()
	}
	return names
}

// Broadcast delivers ev to every sink on background goroutines and
// returns immediately. Errors never reach the caller.
func (n *Notifier) Broadcast(ev *models.Event) {
	if n == nil || ev == nil {
		return
	}

	for _, sink := range n.sinks {
		n.wg.Add(1)
		go n.deliver(sink, ev)
	}
}

func (n *Notifier) deliver(sink Sink, ev *models.Event) {
	defer n.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("sink", sink.Name()).
				Str("event", string(ev.Type)).
				Msg("Notification sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := sink.Deliver(ctx, ev); err != nil {
		log.Warn().
			Err(err).
			Str("sink", sink.Name()).
			Str("event", string(ev.Type)).
			Str("device_id", ev.DeviceID).
			Msg("Failed to deliver notification")
		return
	}

	log.Debug().
		Str("sink", sink.Name()).
		Str("event", string(ev.Type)).
		Msg("Notification delivered")
}

// Wait blocks until every broadcast started so far has finished.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
