package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn the notification publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes workflow events to NATS for the
// notifications service, which owns e-mail delivery.
//
// Subject convention: <prefix>.<event_type>, prefix defaults to notifications.wf
// Event types: approval_required, revision_required, request_completed,
// request_rejected, request_deleted
//
// All publish operations are non-fatal: errors are logged and counted but
// never returned, so notification failures never interrupt a transition.
type NotificationPublisher struct {
	conn   Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	RequestID     string         `json:"request_id"`
	ActorID       string         `json:"actor_id,omitempty"`
	Recipients    []string       `json:"recipients"`
	EmailTemplate string         `json:"email_template,omitempty"`
	IsActionable  bool           `json:"is_actionable,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher on conn. A nil conn disables
// publishing.
func NewNotificationPublisher(conn Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.wf"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// Connect dials NATS with reconnect enabled.
func Connect(url, name string, log zerolog.Logger) (*nats.Conn, error) {
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
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// PublishRequestEvent publishes a workflow event addressed to recipients.
// Events without recipients are skipped.
func (p *NotificationPublisher) PublishRequestEvent(
	_ context.Context,
	eventType string,
	requestID, actorID int64,
	recipients []string,
	emailTemplate string,
	payload map[string]any,
) error {
	if p.conn == nil || len(recipients) == 0 {
		return nil
	}

	event := &NotificationEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		RequestID:     strconv.FormatInt(requestID, 10),
		Recipients:    recipients,
		EmailTemplate: emailTemplate,
		IsActionable:  emailTemplate == "",
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
	if actorID != 0 {
		event.ActorID = strconv.FormatInt(actorID, 10)
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return err
	}

	subject := p.prefix + "." + eventType
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Int64("request_id", requestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Int64("request_id", requestID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
	return nil
}
