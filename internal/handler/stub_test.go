package handler

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

// stubApprovals records the last input of each call and returns canned values.
type stubApprovals struct {
	err error

	created  service.CreateRequestInput
	action   service.ActionInput
	bulk     service.BulkActionInput
	resubmit service.ResubmitInput
	deleted  struct{ requestID, actorID int64 }
	preview  struct{ requestID, statusID int64 }

	result    *service.ActionResult
	bulkRes   *service.BulkResult
	actions   []service.AvailableAction
	approvers []repository.UserRef
	history   []*repository.HistoryEntry
}

func (s *stubApprovals) CreateRequest(_ context.Context, in service.CreateRequestInput) (*service.ActionResult, error) {
	s.created = in
	return s.result, s.err
}

func (s *stubApprovals) PerformAction(_ context.Context, in service.ActionInput) (*service.ActionResult, error) {
	s.action = in
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubApprovals) PerformBulkAction(_ context.Context, in service.BulkActionInput) (*service.BulkResult, error) {
	s.bulk = in
	if s.err != nil {
		return nil, s.err
	}
	return s.bulkRes, nil
}

func (s *stubApprovals) Resubmit(_ context.Context, in service.ResubmitInput) (*service.ActionResult, error) {
	s.resubmit = in
	return s.result, s.err
}

func (s *stubApprovals) DeleteRequest(_ context.Context, requestID, actorID int64, _ string) error {
	s.deleted.requestID, s.deleted.actorID = requestID, actorID
	return s.err
}

func (s *stubApprovals) AvailableActions(context.Context, int64, int64) ([]service.AvailableAction, error) {
	return s.actions, s.err
}

func (s *stubApprovals) PreviewNextApprovers(_ context.Context, requestID, statusID int64) ([]repository.UserRef, error) {
	s.preview.requestID, s.preview.statusID = requestID, statusID
	return s.approvers, s.err
}

func (s *stubApprovals) History(context.Context, int64) ([]*repository.HistoryEntry, error) {
	return s.history, s.err
}

type stubRules struct {
	err     error
	created *repository.TransitionRule
	updated *repository.TransitionRule
	rules   []*repository.TransitionRule
}

func (s *stubRules) ListRules(context.Context, int64) ([]*repository.TransitionRule, error) {
	return s.rules, s.err
}

func (s *stubRules) CreateRule(_ context.Context, _ int64, rule *repository.TransitionRule) error {
	if s.err != nil {
		return s.err
	}
	rule.ID = 77
	s.created = rule
	return nil
}

func (s *stubRules) UpdateRule(_ context.Context, _ int64, rule *repository.TransitionRule) error {
	s.updated = rule
	return s.err
}

func (s *stubRules) DeleteRule(context.Context, int64, int64) error { return s.err }

func (s *stubRules) SetSpecialApprovers(context.Context, int64, *repository.SpecialApproverMapping) error {
	return s.err
}

func (s *stubRules) UpsertDocumentNumberConfig(context.Context, int64, *repository.DocumentNumberConfig) error {
	return s.err
}
