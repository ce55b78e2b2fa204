// Package notifier fans a committed workflow event out to the in-app
// notification table, connected websocket clients and the NATS bus. Every
// sink is best effort: failures are logged and counted, never returned.
package notifier

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/realtime"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/telemetry"
)

// NATS event types.
const (
	EventApprovalRequired = "approval_required"
	EventRevisionRequired = "revision_required"
	EventCompleted        = "request_completed"
	EventRejected         = "request_rejected"
	EventDeleted          = "request_deleted"
)

// Store persists in-app notifications.
type Store interface {
	Create(ctx context.Context, q database.Querier, n *repository.Notification) error
}

// Broadcaster pushes live events.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev realtime.Event)
}

// EventPublisher forwards events to the notifications service.
type EventPublisher interface {
	PublishRequestEvent(
		ctx context.Context,
		eventType string,
		requestID, actorID int64,
		recipients []string,
		emailTemplate string,
		payload map[string]any,
	) error
}

// Message is one event to deliver.
type Message struct {
	RequestID     int64
	ActorID       int64
	EventType     string
	LiveType      string
	Text          string
	NewStatus     string
	EmailTemplate string
	Recipients    []repository.UserRef
}

// Notifier delivers Messages.
type Notifier struct {
	db        database.Querier
	store     Store
	hub       Broadcaster
	publisher EventPublisher
	metrics   *telemetry.Metrics
	log       *logger.Logger
}

// New creates a new Notifier. hub and publisher may be nil.
func New(
	db database.Querier,
	store Store,
	hub Broadcaster,
	publisher EventPublisher,
	metrics *telemetry.Metrics,
	log *logger.Logger,
) *Notifier {
	return &Notifier{
		db:        db,
		store:     store,
		hub:       hub,
		publisher: publisher,
		metrics:   metrics,
		log:       log.Component("notifier"),
	}
}

// Dispatch delivers msg to every sink. It runs after the transition has
// committed and never fails it.
func (n *Notifier) Dispatch(ctx context.Context, msg Message) {
	requestID := msg.RequestID
	for _, u := range msg.Recipients {
		rec := &repository.Notification{UserID: u.ID, RequestID: &requestID, Message: msg.Text}
		if err := n.store.Create(ctx, n.db, rec); err != nil {
			n.failed(ctx, "notification", err, msg.RequestID)
		}
	}

	names := make([]string, 0, len(msg.Recipients))
	emails := make([]string, 0, len(msg.Recipients))
	for _, u := range msg.Recipients {
		names = append(names, u.FullName)
		if u.Email != "" {
			emails = append(emails, u.Email)
		}
	}

	if n.hub != nil && msg.LiveType != "" {
		n.hub.Broadcast(ctx, realtime.Event{
			Type:          msg.LiveType,
			RequestID:     msg.RequestID,
			NewStatus:     msg.NewStatus,
			NextApprovers: names,
		})
	}

	if n.publisher != nil && msg.EventType != "" {
		payload := map[string]any{"message": msg.Text}
		if msg.NewStatus != "" {
			payload["status"] = msg.NewStatus
		}
		if err := n.publisher.PublishRequestEvent(ctx, msg.EventType, msg.RequestID, msg.ActorID,
			emails, msg.EmailTemplate, payload); err != nil {
			n.failed(ctx, "publish", err, msg.RequestID)
		}
	}
}

func (n *Notifier) failed(ctx context.Context, kind string, err error, requestID int64) {
	n.metrics.SideEffectFailed(ctx, kind)
	n.log.Warn().Err(err).
		Str("kind", kind).
		Int64("request_id", requestID).
		Msg("Notification delivery failed (non-fatal)")
}
