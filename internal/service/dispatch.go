package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-wf-approvals/internal/notifier"
	"github.com/pesio-ai/be-wf-approvals/internal/realtime"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// E-mail templates the external mailer renders for requester notifications.
const (
	TemplateRevisionRequired = "revision_required"
	TemplateCompleted        = "request_completed"
	TemplateRejected         = "request_rejected"
)

// requesterEvent returns the event type and e-mail template of a status that
// is reported to the requester only.
func requesterEvent(t repository.StatusType) (eventType, template string) {
	switch t {
	case repository.StatusRevision:
		return notifier.EventRevisionRequired, TemplateRevisionRequired
	case repository.StatusCompleted:
		return notifier.EventCompleted, TemplateCompleted
	case repository.StatusRejected:
		return notifier.EventRejected, TemplateRejected
	}
	return "", ""
}

// dispatch builds the result of a committed transition and fans out its
// notifications. Lookups here run on the pool, outside the finished
// transaction; their failures are logged and leave the result partial.
func (s *ApprovalService) dispatch(ctx context.Context, tr *transition, actorID int64) *ActionResult {
	req := tr.req
	result := &ActionResult{
		RequestID:      req.ID,
		Pending:        tr.pending,
		Progress:       tr.progress,
		NewStatusID:    tr.status.ID,
		NewStatus:      tr.status.Name,
		DocumentNumber: req.DocumentNumber,
		NextApprovers:  []repository.UserRef{},
	}

	if tr.pending {
		result.Message = fmt.Sprintf("Approval recorded, waiting for other approvers (%d of %d)",
			tr.progress.Satisfied, tr.progress.Required)
		s.notifier.Dispatch(ctx, notifier.Message{
			RequestID: req.ID,
			ActorID:   actorID,
			LiveType:  realtime.EventRequestUpdated,
			NewStatus: tr.status.Name,
		})
		return result
	}

	if tr.status.Type.NotifiesRequester() {
		eventType, template := requesterEvent(tr.status.Type)
		result.EmailTemplate = template
		result.Message = fmt.Sprintf("Request %d moved to %s", req.ID, tr.status.Name)

		requester, err := s.stores.Users.FindByID(ctx, s.db, req.RequesterID)
		if err != nil {
			s.log.Warn().Err(err).Int64("request_id", req.ID).Msg("Failed to load requester for notification")
			return result
		}
		ref := requester.Ref()
		result.Requester = &ref
		s.notifier.Dispatch(ctx, notifier.Message{
			RequestID:     req.ID,
			ActorID:       actorID,
			EventType:     eventType,
			LiveType:      realtime.EventRequestUpdated,
			Text:          result.Message,
			NewStatus:     tr.status.Name,
			EmailTemplate: template,
			Recipients:    []repository.UserRef{ref},
		})
		return result
	}

	result.Message = fmt.Sprintf("Request %d moved to %s", req.ID, tr.status.Name)
	result.NextApprovers = s.notifyApprovers(ctx, req, tr.status, actorID, realtime.EventRequestUpdated)
	return result
}

// notifyApprovers locates the first-step approvers of status and notifies
// them. It returns whom it notified.
func (s *ApprovalService) notifyApprovers(
	ctx context.Context,
	req *repository.Request,
	status *repository.Status,
	actorID int64,
	liveType string,
) []repository.UserRef {
	approvers, err := s.engine.Locator.ForStatus(ctx, s.db, req, status.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64("request_id", req.ID).Msg("Failed to locate next approvers")
		approvers = nil
	}

	eventType := ""
	if len(approvers) > 0 {
		eventType = notifier.EventApprovalRequired
	}
	s.notifier.Dispatch(ctx, notifier.Message{
		RequestID:  req.ID,
		ActorID:    actorID,
		EventType:  eventType,
		LiveType:   liveType,
		Text:       fmt.Sprintf("Request %d is waiting for your action (%s)", req.ID, status.Name),
		NewStatus:  status.Name,
		Recipients: approvers,
	})

	if approvers == nil {
		return []repository.UserRef{}
	}
	return approvers
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditLogEntry) {
	if err := s.stores.Audit.Create(ctx, s.db, entry); err != nil {
		s.metrics.SideEffectFailed(ctx, "audit")
		s.log.Warn().Err(err).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
