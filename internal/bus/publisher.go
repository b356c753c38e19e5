// Package bus publishes fleet events on NATS for other services.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "fleet"

type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher sends each event to <prefix>.device.<deviceID>.<eventType>.
type Publisher struct {
	conn   publisher
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server at url.
func Connect(url, name, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	p := NewPublisher(nc, prefix)
	p.nc = nc
	return p, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn publisher, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Name implements notify.Sink
func (p *Publisher) Name() string { return "nats" }

// Deliver implements notify.Sink
func (p *Publisher) Deliver(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.Subject(ev)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Int("size", len(data)).
		Msg("Event published")
	return nil
}

// Subject returns the subject ev is published on.
func (p *Publisher) Subject(ev *models.Event) string {
	return fmt.Sprintf("%s.device.%s.%s", p.prefix, subjectToken(ev.DeviceID), ev.Type)
}

// Close flushes and closes a connection opened by Connect.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// subjectToken makes a device id safe to use as one subject token.
// Device ids are chosen by the devices, so wildcards and separators
// must not leak into the subject.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>':
			return '_'
		case r <= ' ' || r == 0x7f:
			return '_'
		}
		return r
	}, id)
}
