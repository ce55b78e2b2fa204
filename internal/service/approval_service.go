package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/telemetry"
	"github.com/pesio-ai/be-wf-approvals/internal/workflow"
)

// Options tunes the approval service.
type Options struct {
	// FiscalYearStartMonth is the first month of the fiscal year used for
	// document numbering.
	FiscalYearStartMonth time.Month
	// AdminRole is the role name allowed to delete any editable request.
	AdminRole string
}

// ApprovalService executes workflow transitions. It owns every transaction
// boundary: components below it only ever receive the open handle.
type ApprovalService struct {
	db       database.Pool
	stores   Stores
	engine   *workflow.Engine
	notifier Notifier
	metrics  *telemetry.Metrics
	opts     Options
	now      func() time.Time
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	db database.Pool,
	stores Stores,
	engine *workflow.Engine,
	notifier Notifier,
	metrics *telemetry.Metrics,
	opts Options,
	log *logger.Logger,
) *ApprovalService {
	if opts.FiscalYearStartMonth == 0 {
		opts.FiscalYearStartMonth = time.January
	}
	if opts.AdminRole == "" {
		opts.AdminRole = "admin"
	}
	return &ApprovalService{
		db:       db,
		stores:   stores,
		engine:   engine,
		notifier: notifier,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
		log:      log.Component("approval_service"),
	}
}

// ActionInput is one requested transition.
type ActionInput struct {
	RequestID int64
	ActorID   int64
	Action    string
	Comment   *string
	// RequiresOperationalClose is the caller's flag for process actions; the
	// operational-close status is used only when the category also asks for it.
	RequiresOperationalClose bool
	HasObstacles             bool
	IPAddress                string
}

// ActionResult is the outcome of a committed transition.
type ActionResult struct {
	RequestID      int64                  `json:"requestId"`
	Message        string                 `json:"message"`
	Pending        bool                   `json:"pending"`
	Progress       *workflow.StepProgress `json:"progress,omitempty"`
	NewStatusID    int64                  `json:"newStatusId"`
	NewStatus      string                 `json:"newStatus"`
	DocumentNumber *string                `json:"documentNumber,omitempty"`
	NextApprovers  []repository.UserRef   `json:"nextApprovers"`
	Requester      *repository.UserRef    `json:"requester,omitempty"`
	EmailTemplate  string                 `json:"emailTemplate,omitempty"`
}

// transition is what a committed action hands to the post-commit dispatch.
type transition struct {
	req      *repository.Request
	rule     *repository.TransitionRule
	status   *repository.Status
	progress *workflow.StepProgress
	pending  bool
	issued   bool
}

// ── PerformAction ─────────────────────────────────────────────────────────────

// PerformAction executes one action on a request. Legality, quorum, document
// numbering, the status change and the history entry are applied in a single
// transaction; notifications and the audit record follow the commit and never
// fail it.
func (s *ApprovalService) PerformAction(ctx context.Context, in ActionInput) (*ActionResult, error) {
	if in.RequestID <= 0 {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	if in.ActorID <= 0 {
		return nil, errors.InvalidInput("actor_id", "actor id is required")
	}
	if in.Action == "" {
		return nil, errors.InvalidInput("action", "action name is required")
	}

	var tr *transition
	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		var err error
		tr, err = s.apply(ctx, tx, in)
		return err
	})
	if err != nil {
		err = classify(err)
		s.metrics.Transition(ctx, "unknown", string(errors.CodeOf(err)))
		s.log.Info().Err(err).
			Int64("request_id", in.RequestID).
			Int64("actor_id", in.ActorID).
			Str("action", in.Action).
			Msg("Action rejected")
		return nil, err
	}

	outcome := "advanced"
	if tr.pending {
		outcome = "pending"
	}
	s.metrics.Transition(ctx, string(tr.rule.ActionType), outcome)
	if tr.issued {
		s.metrics.DocumentNumberIssued(ctx, tr.req.CategoryID)
	}

	result := s.dispatch(ctx, tr, in.ActorID)

	s.appendAudit(ctx, &repository.AuditLogEntry{
		UserID:    &in.ActorID,
		Action:    "request." + string(tr.rule.ActionType),
		Detail:    fmt.Sprintf("request %d: %s -> %s", tr.req.ID, in.Action, result.Message),
		IPAddress: in.IPAddress,
	})

	s.log.Info().
		Int64("request_id", tr.req.ID).
		Int64("actor_id", in.ActorID).
		Str("action", in.Action).
		Int64("status_id", tr.req.StatusID).
		Bool("pending", tr.pending).
		Msg("Action performed")

	return result, nil
}

// apply runs inside the transaction. The request row lock is taken first so
// concurrent actions on one request serialize and legality is judged against
// the locked state.
func (s *ApprovalService) apply(ctx context.Context, tx database.Tx, in ActionInput) (*transition, error) {
	req, err := s.stores.Requests.GetForUpdate(ctx, tx, in.RequestID)
	if err != nil {
		return nil, err
	}

	rules, err := s.legalRules(ctx, tx, req, in.ActorID)
	if err != nil {
		return nil, err
	}
	rule := workflow.FindAction(rules, in.Action)
	if rule == nil {
		return nil, errors.Newf(errors.ErrCodeInvalidAction,
			"action %q is not available to user %d on request %d in its current status",
			in.Action, in.ActorID, req.ID)
	}

	tr := &transition{req: req, rule: rule}
	entry := &repository.HistoryEntry{
		RequestID:    req.ID,
		ActorID:      in.ActorID,
		StepSequence: rule.StepSequence,
		Cycle:        req.Cycle,
		Visit:        req.Visit,
		Action:       rule.Action,
		ActionType:   rule.ActionType,
		FromStatusID: req.StatusID,
		Comment:      in.Comment,
	}
	recorded := false

	if rule.ActionType == repository.ActionApprove {
		all, err := s.engine.Resolver.ResolveForRequest(ctx, tx, req, req.StatusID)
		if err != nil {
			return nil, err
		}
		if workflow.IsParallel(all, rule.StepSequence) {
			progress, err := s.recordParallelApproval(ctx, tx, req, entry)
			if err != nil {
				return nil, err
			}
			tr.progress = &progress
			recorded = true
			if !progress.Complete {
				tr.pending = true
				status, err := s.stores.MasterData.GetStatus(ctx, tx, req.StatusID)
				if err != nil {
					return nil, err
				}
				tr.status = status
				return tr, nil
			}
		}
	}

	nextStatusID := rule.NextStatusID
	if rule.ActionType == repository.ActionProcess {
		nextStatusID, err = s.completeOperation(ctx, tx, tr, in)
		if err != nil {
			return nil, err
		}
	}

	status, err := s.targetStatus(ctx, tx, req, rule, nextStatusID)
	if err != nil {
		return nil, err
	}
	if err := s.stores.Requests.UpdateStatus(ctx, tx, req.ID, status.ID); err != nil {
		return nil, err
	}
	if !recorded {
		entry.ToStatusID = &status.ID
		if err := s.stores.History.Append(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	req.StatusID = status.ID
	req.Visit++
	tr.status = status
	return tr, nil
}

// legalRules returns the rules actorID may execute on req: the union over the
// actor's primary and special roles, minus department-scoped rules the actor
// is outside of.
func (s *ApprovalService) legalRules(
	ctx context.Context,
	q database.Querier,
	req *repository.Request,
	actorID int64,
) ([]*repository.TransitionRule, error) {
	actor, err := s.stores.Users.FindByID(ctx, q, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive {
		return nil, errors.Newf(errors.ErrCodeForbidden, "user %d is inactive", actorID)
	}
	special, err := s.stores.Users.SpecialRoles(ctx, q, actorID)
	if err != nil {
		return nil, err
	}
	roles := append([]int64{actor.RoleID}, special...)

	rules, err := s.engine.Resolver.ResolveForRoles(ctx, q, req, roles)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(rules, func(r *repository.TransitionRule) bool {
		return !workflow.DepartmentAllows(r, actor.DepartmentID, req.DepartmentID)
	}), nil
}

// recordParallelApproval writes the approval of one parallel approver and
// evaluates the step's quorum with it counted.
func (s *ApprovalService) recordParallelApproval(
	ctx context.Context,
	tx database.Tx,
	req *repository.Request,
	entry *repository.HistoryEntry,
) (workflow.StepProgress, error) {
	approvers, err := s.stores.History.StepApprovers(ctx, tx, req.ID, req.Cycle, req.Visit, req.StatusID, entry.StepSequence)
	if err != nil {
		return workflow.StepProgress{}, err
	}
	if slices.Contains(approvers, entry.ActorID) {
		return workflow.StepProgress{}, errors.Newf(errors.ErrCodeInvalidAction,
			"user %d has already approved step %d of request %d", entry.ActorID, entry.StepSequence, req.ID)
	}
	if err := s.stores.History.Append(ctx, tx, entry); err != nil {
		return workflow.StepProgress{}, err
	}
	return s.engine.Quorum.IsStepComplete(ctx, tx, req, req.StatusID, entry.StepSequence)
}

// completeOperation stamps the operational metadata, issues the document
// number and returns the status the request moves to.
func (s *ApprovalService) completeOperation(
	ctx context.Context,
	tx database.Tx,
	tr *transition,
	in ActionInput,
) (int64, error) {
	req := tr.req
	category, err := s.stores.MasterData.GetCategory(ctx, tx, req.CategoryID)
	if err != nil {
		return 0, err
	}

	next := tr.rule.NextStatusID
	if category.RequiresOperationalClose && in.RequiresOperationalClose {
		if category.OperationalCloseStatusID == nil {
			return 0, errors.Newf(errors.ErrCodeConfiguration,
				"category %d requires operational close but has no operational-close status", category.ID)
		}
		next = *category.OperationalCloseStatusID
	}

	completedAt := s.now().UTC()
	op := repository.OperationMetadata{
		OperatorID:   &in.ActorID,
		CompletedAt:  &completedAt,
		HasObstacles: &in.HasObstacles,
	}
	if err := s.stores.Requests.SaveOperation(ctx, tx, req.ID, op); err != nil {
		return 0, err
	}
	req.Operation = op

	// A request that loops back through processing keeps its first number.
	if req.DocumentNumber == nil {
		year := workflow.FiscalYear(req.RequestDate, s.opts.FiscalYearStartMonth)
		number, err := s.engine.Allocator.Allocate(ctx, tx, req.CategoryID, year)
		if err != nil {
			return 0, err
		}
		if err := s.stores.Requests.SetDocumentNumber(ctx, tx, req.ID, number); err != nil {
			return 0, err
		}
		req.DocumentNumber = &number
		tr.issued = true
	}
	return next, nil
}

// targetStatus loads the status a rule points to. A rule naming a missing
// status or one of another category is a configuration error.
func (s *ApprovalService) targetStatus(
	ctx context.Context,
	q database.Querier,
	req *repository.Request,
	rule *repository.TransitionRule,
	statusID int64,
) (*repository.Status, error) {
	status, err := s.stores.MasterData.GetStatus(ctx, q, statusID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return nil, errors.Newf(errors.ErrCodeConfiguration,
			"transition rule %d leads to missing status %d", rule.ID, statusID)
	}
	if err != nil {
		return nil, err
	}
	if status.CategoryID != req.CategoryID {
		return nil, errors.Newf(errors.ErrCodeConfiguration,
			"transition rule %d leads to status %d of another category", rule.ID, statusID)
	}
	return status, nil
}

// classify maps infrastructure failures to error codes. Errors that already
// carry a code keep it, except lock contention which is always a conflict.
func classify(err error) error {
	if database.IsConflict(err) {
		return &errors.AppError{
			Code:    errors.ErrCodeConflict,
			Message: "request was modified concurrently, retry",
			Err:     err,
		}
	}
	var app *errors.AppError
	if errors.As(err, &app) {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "transition failed")
}
