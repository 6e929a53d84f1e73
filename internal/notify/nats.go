// internal/notify/nats.go
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/signalnine/ipwatch/internal/protocol"
)

const (
	DefaultSubject       = "ipwatch.risk"
	ConnectTimeout       = 10 * time.Second
	ReconnectInterval    = 5 * time.Second
	MaxReconnectAttempts = -1
)

// Publisher sends risk events to NATS on <subject>.<status>
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// NewPublisher connects to NATS. The client library handles reconnects.
func NewPublisher(url, subject string) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("ipwatch"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectInterval),
		nats.MaxReconnects(MaxReconnectAttempts),
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
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	log.Info().Str("url", url).Str("subject", subject).Msg("NATS publisher initialized")
	return &Publisher{conn: conn, subject: subject}, nil
}

// Publish sends one event. Delivery is fire-and-forget.
func (p *Publisher) Publish(ev protocol.RiskEvent) error {
	msg, err := BuildMessage(p.subject, ev)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish risk event for %s: %w", ev.Address, err)
	}
	log.Debug().Str("subject", msg.Subject).Str("address", ev.Address).Msg("risk event published")
	return nil
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// Subject returns the per-status subject, e.g. ipwatch.risk.blocked
func Subject(base string, status protocol.Status) string {
	return base + "." + strings.ToLower(string(status))
}

// BuildMessage encodes ev as JSON with address and status headers
func BuildMessage(base string, ev protocol.RiskEvent) (*nats.Msg, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal risk event: %w", err)
	}

	msg := nats.NewMsg(Subject(base, ev.Status))
	msg.Data = data
	msg.Header.Set("x-address", ev.Address)
	msg.Header.Set("x-status", string(ev.Status))
	if ev.Risk != nil {
		msg.Header.Set("x-risk-level", string(ev.Risk.RiskLevel))
	}
	return msg, nil
}
