package repository

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// NotificationRepository persists in-app notifications.
type NotificationRepository struct{}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{}
}

// Create inserts a notification.
func (r *NotificationRepository) Create(ctx context.Context, q database.Querier, n *Notification) error {
	err := q.QueryRow(ctx, `
		INSERT INTO notifications (user_id, request_id, message)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`, n.UserID, n.RequestID, n.Message,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}
	return nil
}

// AuditLogRepository persists audit records.
type AuditLogRepository struct{}

// NewAuditLogRepository creates a new AuditLogRepository.
func NewAuditLogRepository() *AuditLogRepository {
	return &AuditLogRepository{}
}

// Create inserts an audit record.
func (r *AuditLogRepository) Create(ctx context.Context, q database.Querier, e *AuditLogEntry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO audit_logs (user_id, action, detail, ip_address)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`, e.UserID, e.Action, e.Detail, e.IPAddress,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit log")
	}
	return nil
}
