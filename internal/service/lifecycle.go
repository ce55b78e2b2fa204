package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/notifier"
	"github.com/pesio-ai/be-wf-approvals/internal/realtime"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/workflow"
)

// ── Create ────────────────────────────────────────────────────────────────────

// CreateRequestInput describes a new request.
type CreateRequestInput struct {
	CategoryID        int64
	CorrectionTypeIDs []int64
	RequesterID       int64
	// DepartmentID defaults to the requester's department.
	DepartmentID *int64
	// RequestDate defaults to today.
	RequestDate time.Time
	Comment     *string
	IPAddress   string
}

// CreateRequest inserts a request in its category's initial status and
// notifies the approvers of that status.
func (s *ApprovalService) CreateRequest(ctx context.Context, in CreateRequestInput) (*ActionResult, error) {
	if in.CategoryID <= 0 {
		return nil, errors.InvalidInput("category_id", "category is required")
	}
	if in.RequesterID <= 0 {
		return nil, errors.InvalidInput("requester_id", "requester is required")
	}

	var (
		req     *repository.Request
		initial *repository.Status
	)
	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		requester, err := s.stores.Users.FindByID(ctx, tx, in.RequesterID)
		if err != nil {
			return err
		}
		if !requester.IsActive {
			return errors.Newf(errors.ErrCodeForbidden, "user %d is inactive", in.RequesterID)
		}
		if _, err := s.stores.MasterData.GetCategory(ctx, tx, in.CategoryID); err != nil {
			return err
		}
		initial, err = s.stores.MasterData.InitialStatus(ctx, tx, in.CategoryID)
		if err != nil {
			return err
		}

		ids := uniqueIDs(in.CorrectionTypeIDs)
		cts, err := s.stores.MasterData.CorrectionTypesByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		if len(cts) != len(ids) {
			return errors.InvalidInput("correction_type_ids", "unknown correction type")
		}

		req = &repository.Request{
			CategoryID:      in.CategoryID,
			CorrectionTypes: cts,
			StatusID:        initial.ID,
			RequesterID:     in.RequesterID,
			DepartmentID:    in.DepartmentID,
			RequestDate:     in.RequestDate,
		}
		if req.DepartmentID == nil {
			req.DepartmentID = requester.DepartmentID
		}
		if req.RequestDate.IsZero() {
			req.RequestDate = s.now().UTC().Truncate(24 * time.Hour)
		}
		if err := s.stores.Requests.Create(ctx, tx, req); err != nil {
			return err
		}

		return s.stores.History.Append(ctx, tx, &repository.HistoryEntry{
			RequestID:    req.ID,
			ActorID:      in.RequesterID,
			Cycle:        req.Cycle,
			Visit:        req.Visit,
			Action:       string(repository.ActionSubmit),
			ActionType:   repository.ActionSubmit,
			FromStatusID: initial.ID,
			ToStatusID:   &initial.ID,
			Comment:      in.Comment,
		})
	})
	if err != nil {
		return nil, classify(err)
	}

	approvers := s.notifyApprovers(ctx, req, initial, in.RequesterID, realtime.EventRequestCreated)
	s.appendAudit(ctx, &repository.AuditLogEntry{
		UserID:    &in.RequesterID,
		Action:    "request.create",
		Detail:    fmt.Sprintf("request %d created in category %d", req.ID, req.CategoryID),
		IPAddress: in.IPAddress,
	})
	s.log.Info().
		Int64("request_id", req.ID).
		Int64("category_id", req.CategoryID).
		Int64("requester_id", req.RequesterID).
		Msg("Request created")

	return &ActionResult{
		RequestID:     req.ID,
		Message:       fmt.Sprintf("Request %d submitted", req.ID),
		NewStatusID:   initial.ID,
		NewStatus:     initial.Name,
		NextApprovers: approvers,
	}, nil
}

// ── Resubmit ──────────────────────────────────────────────────────────────────

// ResubmitInput resubmits a request sent back for revision.
type ResubmitInput struct {
	RequestID int64
	ActorID   int64
	Comment   *string
	IPAddress string
}

// Resubmit returns a request in revision to its initial status and opens a
// new submission cycle, so approvals from earlier rounds no longer count.
// Only the requester may resubmit.
func (s *ApprovalService) Resubmit(ctx context.Context, in ResubmitInput) (*ActionResult, error) {
	var (
		req     *repository.Request
		initial *repository.Status
	)
	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		var err error
		req, err = s.stores.Requests.GetForUpdate(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if req.RequesterID != in.ActorID {
			return errors.New(errors.ErrCodeForbidden, "only the requester can resubmit a request")
		}
		current, err := s.stores.MasterData.GetStatus(ctx, tx, req.StatusID)
		if err != nil {
			return err
		}
		if current.Type != repository.StatusRevision {
			return errors.Newf(errors.ErrCodeInvalidAction,
				"request %d is not awaiting revision (status: %s)", req.ID, current.Name)
		}
		initial, err = s.stores.MasterData.InitialStatus(ctx, tx, req.CategoryID)
		if err != nil {
			return err
		}

		cycle, err := s.stores.Requests.Reset(ctx, tx, req.ID, initial.ID)
		if err != nil {
			return err
		}
		if err := s.stores.History.Append(ctx, tx, &repository.HistoryEntry{
			RequestID:    req.ID,
			ActorID:      in.ActorID,
			Cycle:        cycle,
			Visit:        req.Visit,
			Action:       string(repository.ActionResubmit),
			ActionType:   repository.ActionResubmit,
			FromStatusID: current.ID,
			ToStatusID:   &initial.ID,
			Comment:      in.Comment,
		}); err != nil {
			return err
		}
		req.StatusID = initial.ID
		req.Cycle = cycle
		req.Visit++
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	approvers := s.notifyApprovers(ctx, req, initial, in.ActorID, realtime.EventRequestUpdated)
	s.appendAudit(ctx, &repository.AuditLogEntry{
		UserID:    &in.ActorID,
		Action:    "request.resubmit",
		Detail:    fmt.Sprintf("request %d resubmitted (cycle %d)", req.ID, req.Cycle),
		IPAddress: in.IPAddress,
	})
	s.log.Info().Int64("request_id", req.ID).Int("cycle", req.Cycle).Msg("Request resubmitted")

	return &ActionResult{
		RequestID:     req.ID,
		Message:       fmt.Sprintf("Request %d resubmitted", req.ID),
		NewStatusID:   initial.ID,
		NewStatus:     initial.Name,
		NextApprovers: approvers,
	}, nil
}

// ── Delete ────────────────────────────────────────────────────────────────────

// DeleteRequest removes a request with its history and attachments. The
// requester or an administrator may delete it while it is editable.
func (s *ApprovalService) DeleteRequest(ctx context.Context, requestID, actorID int64, ipAddress string) error {
	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		req, err := s.stores.Requests.GetForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.RequesterID != actorID {
			actor, err := s.stores.Users.FindByID(ctx, tx, actorID)
			if err != nil {
				return err
			}
			if actor.RoleName != s.opts.AdminRole {
				return errors.New(errors.ErrCodeForbidden, "only the requester or an administrator can delete a request")
			}
		}
		status, err := s.stores.MasterData.GetStatus(ctx, tx, req.StatusID)
		if err != nil {
			return err
		}
		if !status.Type.Editable() {
			return errors.Newf(errors.ErrCodeInvalidAction,
				"request %d cannot be deleted in status %s", req.ID, status.Name)
		}
		return s.stores.Requests.Delete(ctx, tx, req.ID)
	})
	if err != nil {
		return classify(err)
	}

	s.notifier.Dispatch(ctx, notifier.Message{
		RequestID: requestID,
		ActorID:   actorID,
		LiveType:  realtime.EventRequestDeleted,
	})
	s.appendAudit(ctx, &repository.AuditLogEntry{
		UserID:    &actorID,
		Action:    "request.delete",
		Detail:    fmt.Sprintf("request %d deleted", requestID),
		IPAddress: ipAddress,
	})
	s.log.Info().Int64("request_id", requestID).Int64("actor_id", actorID).Msg("Request deleted")
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// AvailableAction is one action a user may take on a request.
type AvailableAction struct {
	Action       string                `json:"action"`
	ActionType   repository.ActionType `json:"actionType"`
	NextStatusID int64                 `json:"nextStatusId"`
	StepSequence int                   `json:"stepSequence"`
}

// AvailableActions lists the actions actorID may take on a request now.
// Approvals the actor already gave at a pending parallel step are left out.
func (s *ApprovalService) AvailableActions(ctx context.Context, requestID, actorID int64) ([]AvailableAction, error) {
	req, err := s.stores.Requests.Get(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}
	rules, err := s.legalRules(ctx, s.db, req, actorID)
	if err != nil {
		return nil, err
	}
	all, err := s.engine.Resolver.ResolveForRequest(ctx, s.db, req, req.StatusID)
	if err != nil {
		return nil, err
	}

	out := make([]AvailableAction, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if _, ok := seen[rule.Action]; ok {
			continue
		}
		if rule.ActionType == repository.ActionApprove && workflow.IsParallel(all, rule.StepSequence) {
			done, err := s.stores.History.StepApprovers(ctx, s.db, req.ID, req.Cycle, req.Visit, req.StatusID, rule.StepSequence)
			if err != nil {
				return nil, err
			}
			if slices.Contains(done, actorID) {
				continue
			}
		}
		seen[rule.Action] = struct{}{}
		out = append(out, AvailableAction{
			Action:       rule.Action,
			ActionType:   rule.ActionType,
			NextStatusID: rule.NextStatusID,
			StepSequence: rule.StepSequence,
		})
	}
	return out, nil
}

// PreviewNextApprovers returns who would act once the request reaches
// targetStatusID, without notifying anyone. A zero targetStatusID previews
// the current status.
func (s *ApprovalService) PreviewNextApprovers(ctx context.Context, requestID, targetStatusID int64) ([]repository.UserRef, error) {
	req, err := s.stores.Requests.Get(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}
	if targetStatusID == 0 {
		targetStatusID = req.StatusID
	}
	status, err := s.stores.MasterData.GetStatus(ctx, s.db, targetStatusID)
	if err != nil {
		return nil, err
	}
	if status.CategoryID != req.CategoryID {
		return nil, errors.InvalidInput("status_id", "status belongs to another category")
	}
	approvers, err := s.engine.Locator.ForStatus(ctx, s.db, req, status.ID)
	if err != nil {
		return nil, err
	}
	if approvers == nil {
		approvers = []repository.UserRef{}
	}
	return approvers, nil
}

// History returns a request's approval history, oldest first.
func (s *ApprovalService) History(ctx context.Context, requestID int64) ([]*repository.HistoryEntry, error) {
	if _, err := s.stores.Requests.Get(ctx, s.db, requestID); err != nil {
		return nil, err
	}
	return s.stores.History.ListByRequest(ctx, s.db, requestID)
}

func uniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
