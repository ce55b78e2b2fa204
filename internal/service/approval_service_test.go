package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/notifier"
	"github.com/pesio-ai/be-wf-approvals/internal/realtime"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func act(requestID, actorID int64, action string) ActionInput {
	return ActionInput{RequestID: requestID, ActorID: actorID, Action: action}
}

func TestPerformAction_AdvancesAndNotifiesNextApprovers(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusDraft)

	res, err := f.svc.PerformAction(context.Background(), act(id, userManager, "approve"))
	require.NoError(t, err)

	assert.False(t, res.Pending)
	assert.Equal(t, statusReview, res.NewStatusID)
	assert.Equal(t, statusReview, f.status(id))
	assert.Equal(t, []int64{userFinance, userSecurity}, userIDs(res.NextApprovers))

	history := f.w.historyOf(id)
	require.Len(t, history, 1)
	assert.Equal(t, statusDraft, history[0].FromStatusID)
	require.NotNil(t, history[0].ToStatusID)
	assert.Equal(t, statusReview, *history[0].ToStatusID)

	msg := f.notes.last()
	assert.Equal(t, notifier.EventApprovalRequired, msg.EventType)
	assert.Equal(t, realtime.EventRequestUpdated, msg.LiveType)
	assert.Len(t, f.w.audit, 1)
	assert.Equal(t, 1, f.db.commits)
}

func TestPerformAction_RejectsMalformedInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PerformAction(context.Background(), act(0, userManager, "approve"))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = f.svc.PerformAction(context.Background(), act(1, userManager, ""))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	assert.Zero(t, f.db.begins)
}

func TestPerformAction_IllegalActionLeavesRequestUntouched(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusDraft)

	_, err := f.svc.PerformAction(context.Background(), act(id, userRequester, "approve"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidAction))

	assert.Equal(t, statusDraft, f.status(id))
	assert.Empty(t, f.w.historyOf(id))
	assert.Empty(t, f.notes.msgs)
	assert.Equal(t, 1, f.db.rollbacks)
}

func TestPerformAction_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PerformAction(context.Background(), act(4242, userManager, "approve"))
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestPerformAction_InactiveActorIsForbidden(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusDraft)
	f.w.users[userManager].IsActive = false

	_, err := f.svc.PerformAction(context.Background(), act(id, userManager, "approve"))
	assert.True(t, errors.Is(err, errors.ErrCodeForbidden))
}

func TestPerformAction_DepartmentScopedRule(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusDraft)

	// userOtherMgr holds the manager role but sits in another department.
	_, err := f.svc.PerformAction(context.Background(), act(id, userOtherMgr, "approve"))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidAction))

	// The reject rule is not department scoped.
	res, err := f.svc.PerformAction(context.Background(), act(id, userOtherMgr, "reject"))
	require.NoError(t, err)
	assert.Equal(t, statusRejected, res.NewStatusID)
}

func TestPerformAction_SpecialRoleGrantsAction(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusIT)
	f.w.specialRoles[userFinance] = []int64{roleIT}

	res, err := f.svc.PerformAction(context.Background(), act(id, userFinance, "process"))
	require.NoError(t, err)
	assert.Equal(t, statusCompleted, res.NewStatusID)
}

func TestPerformAction_SpecificRuleOverridesGeneral(t *testing.T) {
	f := newFixture(t)
	urgent := f.seedRequest(statusDraft, ctUrgent)
	hardware := f.seedRequest(statusDraft, ctHardware)

	res, err := f.svc.PerformAction(context.Background(), act(urgent, userManager, "approve"))
	require.NoError(t, err)
	assert.Equal(t, statusUrgent, res.NewStatusID)

	res, err = f.svc.PerformAction(context.Background(), act(hardware, userManager, "approve"))
	require.NoError(t, err)
	assert.Equal(t, statusReview, res.NewStatusID)
}

func TestPerformAction_ParallelQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedRequest(statusReview)

	res, err := f.svc.PerformAction(ctx, act(id, userFinance, "approve"))
	require.NoError(t, err)
	assert.True(t, res.Pending)
	require.NotNil(t, res.Progress)
	assert.Equal(t, 2, res.Progress.Required)
	assert.Equal(t, 1, res.Progress.Satisfied)
	assert.False(t, res.Progress.Complete)
	assert.Equal(t, statusReview, res.NewStatusID)
	assert.Equal(t, statusReview, f.status(id))
	assert.Empty(t, f.notes.last().EventType, "a pending approval is only a live update")

	_, err = f.svc.PerformAction(ctx, act(id, userFinance, "approve"))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidAction), "duplicate approval must be refused")
	assert.Len(t, f.w.historyOf(id), 1)

	res, err = f.svc.PerformAction(ctx, act(id, userSecurity, "approve"))
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.True(t, res.Progress.Complete)
	assert.Equal(t, statusIT, res.NewStatusID)
	assert.Equal(t, statusIT, f.status(id))
	assert.Equal(t, []int64{userOperator}, userIDs(res.NextApprovers))
	assert.Len(t, f.w.historyOf(id), 2)
}

func TestPerformAction_ReenteredParallelStepStartsOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.w.rules = append(f.w.rules, &repository.TransitionRule{
		ID: 8, CategoryID: categoryIT, CurrentStatusID: statusIT, RoleID: roleIT,
		Action: "send_back", ActionType: repository.ActionRevise, NextStatusID: statusReview, StepSequence: 1,
	})
	id := f.seedRequest(statusReview)

	for _, step := range []struct {
		actor  int64
		action string
	}{
		{userFinance, "approve"},
		{userSecurity, "approve"},
		{userOperator, "send_back"},
	} {
		_, err := f.svc.PerformAction(ctx, act(id, step.actor, step.action))
		require.NoError(t, err, "%d %s", step.actor, step.action)
	}
	require.Equal(t, statusReview, f.status(id))
	assert.Equal(t, 1, f.w.requests[id].Cycle)

	actions, err := f.svc.AvailableActions(ctx, id, userFinance)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "approve", actions[0].Action)

	res, err := f.svc.PerformAction(ctx, act(id, userFinance, "approve"))
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, 1, res.Progress.Satisfied)

	res, err = f.svc.PerformAction(ctx, act(id, userSecurity, "approve"))
	require.NoError(t, err)
	assert.Equal(t, statusIT, res.NewStatusID)
}

func TestPerformAction_EarlierCycleApprovalsDoNotCount(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusReview)
	f.w.history = append(f.w.history, &repository.HistoryEntry{
		ID: 1, RequestID: id, ActorID: userFinance, StepSequence: 1, Cycle: 1, Visit: 1,
		Action: "approve", ActionType: repository.ActionApprove, FromStatusID: statusReview,
	})
	f.w.requests[id].Cycle = 2

	res, err := f.svc.PerformAction(context.Background(), act(id, userFinance, "approve"))
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, 1, res.Progress.Satisfied)
}

func TestPerformAction_ProcessIssuesDocumentNumber(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusIT)

	in := act(id, userOperator, "process")
	in.HasObstacles = true
	res, err := f.svc.PerformAction(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, statusCompleted, res.NewStatusID)
	require.NotNil(t, res.DocumentNumber)
	assert.Equal(t, "IT-26-0042", *res.DocumentNumber)
	assert.Equal(t, 42, f.w.series[seriesKey{categoryIT, 2026}].LastRunningNumber)

	req := f.w.requests[id]
	require.NotNil(t, req.DocumentNumber)
	assert.Equal(t, "IT-26-0042", *req.DocumentNumber)
	require.NotNil(t, req.Operation.OperatorID)
	assert.Equal(t, userOperator, *req.Operation.OperatorID)
	require.NotNil(t, req.Operation.HasObstacles)
	assert.True(t, *req.Operation.HasObstacles)
	require.NotNil(t, req.Operation.CompletedAt)

	// Completion goes to the requester only.
	assert.Equal(t, TemplateCompleted, res.EmailTemplate)
	require.NotNil(t, res.Requester)
	assert.Equal(t, userRequester, res.Requester.ID)
	assert.Empty(t, res.NextApprovers)
	msg := f.notes.last()
	assert.Equal(t, notifier.EventCompleted, msg.EventType)
	assert.Equal(t, []int64{userRequester}, userIDs(msg.Recipients))
}

func TestPerformAction_ProcessWithOperationalClose(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusIT)

	in := act(id, userOperator, "process")
	in.RequiresOperationalClose = true
	res, err := f.svc.PerformAction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, statusOpClose, res.NewStatusID)
	assert.NotNil(t, res.DocumentNumber)
}

func TestPerformAction_OperationalCloseNeedsCategoryFlag(t *testing.T) {
	f := newFixture(t)
	f.w.categories[categoryIT].RequiresOperationalClose = false
	id := f.seedRequest(statusIT)

	in := act(id, userOperator, "process")
	in.RequiresOperationalClose = true
	res, err := f.svc.PerformAction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, statusCompleted, res.NewStatusID)
}

func TestPerformAction_KeepsExistingDocumentNumber(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusIT)
	f.w.requests[id].DocumentNumber = ptr("IT-26-0007")

	res, err := f.svc.PerformAction(context.Background(), act(id, userOperator, "process"))
	require.NoError(t, err)
	assert.Equal(t, "IT-26-0007", *res.DocumentNumber)
	assert.Equal(t, 41, f.w.series[seriesKey{categoryIT, 2026}].LastRunningNumber)
}

func TestPerformAction_MissingSeriesRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	delete(f.w.series, seriesKey{categoryIT, 2026})
	id := f.seedRequest(statusIT)

	_, err := f.svc.PerformAction(context.Background(), act(id, userOperator, "process"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfiguration))

	req := f.w.requests[id]
	assert.Equal(t, statusIT, req.StatusID)
	assert.Nil(t, req.DocumentNumber)
	assert.Nil(t, req.Operation.OperatorID, "operation metadata must roll back with the number")
	assert.Empty(t, f.w.historyOf(id))
	assert.Empty(t, f.notes.msgs)
	assert.Equal(t, 1, f.db.rollbacks)
}

func TestPerformAction_FailureAfterAllocationReleasesNumber(t *testing.T) {
	f := newFixture(t)
	f.w.failStatusUpdate = true
	id := f.seedRequest(statusIT)

	_, err := f.svc.PerformAction(context.Background(), act(id, userOperator, "process"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))

	assert.Equal(t, 41, f.w.series[seriesKey{categoryIT, 2026}].LastRunningNumber)
	assert.Nil(t, f.w.requests[id].DocumentNumber)
}

func TestPerformAction_RuleToForeignStatusIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.w.statuses[99] = &repository.Status{ID: 99, CategoryID: 2, Name: "Elsewhere", Type: repository.StatusApproval}
	f.w.rules[2].NextStatusID = 99 // reject
	id := f.seedRequest(statusDraft)

	_, err := f.svc.PerformAction(context.Background(), act(id, userManager, "reject"))
	assert.True(t, errors.Is(err, errors.ErrCodeConfiguration))
	assert.Equal(t, statusDraft, f.status(id))
}

func TestPerformAction_RevisionNotifiesRequester(t *testing.T) {
	f := newFixture(t)
	id := f.seedRequest(statusDraft)

	res, err := f.svc.PerformAction(context.Background(), act(id, userManager, "revise"))
	require.NoError(t, err)

	assert.Equal(t, statusRevision, res.NewStatusID)
	assert.Equal(t, TemplateRevisionRequired, res.EmailTemplate)
	assert.Empty(t, res.NextApprovers)

	msg := f.notes.last()
	assert.Equal(t, notifier.EventRevisionRequired, msg.EventType)
	assert.Equal(t, TemplateRevisionRequired, msg.EmailTemplate)
	assert.Equal(t, []int64{userRequester}, userIDs(msg.Recipients))
}

func TestPerformAction_AuditFailureDoesNotFailAction(t *testing.T) {
	f := newFixture(t)
	f.audit.fail = true
	id := f.seedRequest(statusDraft)

	res, err := f.svc.PerformAction(context.Background(), act(id, userManager, "approve"))
	require.NoError(t, err)
	assert.Equal(t, statusReview, res.NewStatusID)
	assert.Empty(t, f.w.audit)
}

func TestPerformAction_SpecialApproversReplaceRoleLookup(t *testing.T) {
	f := newFixture(t)
	f.w.special[keyOf(categoryIT, nil, 1)] = []int64{userAdmin, userSecurity}
	id := f.seedRequest(statusDraft)

	res, err := f.svc.PerformAction(context.Background(), act(id, userManager, "approve"))
	require.NoError(t, err)
	assert.Equal(t, []int64{userSecurity, userAdmin}, userIDs(res.NextApprovers))
}

func TestClassify(t *testing.T) {
	err := classify(errors.NotFound("request", 1))
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	err = classify(assert.AnError)
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))
}
