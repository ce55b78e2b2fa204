package workflow

import (
	"context"
	"slices"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func ptr[T any](v T) *T { return &v }

type ruleBuilder struct {
	rule repository.TransitionRule
}

func rule(id int64, status int64, role int64, action string) *ruleBuilder {
	return &ruleBuilder{rule: repository.TransitionRule{
		ID:              id,
		CategoryID:      1,
		CurrentStatusID: status,
		RoleID:          role,
		Action:          action,
		ActionType:      repository.ActionApprove,
		NextStatusID:    status + 1,
		StepSequence:    1,
	}}
}

func (b *ruleBuilder) typ(t repository.ActionType) *ruleBuilder { b.rule.ActionType = t; return b }
func (b *ruleBuilder) next(id int64) *ruleBuilder { b.rule.NextStatusID = id; return b }
func (b *ruleBuilder) step(n int) *ruleBuilder { b.rule.StepSequence = n; return b }
func (b *ruleBuilder) dept() *ruleBuilder { b.rule.FilterByDepartment = true; return b }

func (b *ruleBuilder) specific(correctionTypeID int64, priority int) *ruleBuilder {
	b.rule.CorrectionTypeID = ptr(correctionTypeID)
	b.rule.CorrectionPriority = ptr(priority)
	return b
}

func (b *ruleBuilder) build() *repository.TransitionRule {
	r := b.rule
	return &r
}

type fakeRules struct {
	rules []*repository.TransitionRule
}

func (f *fakeRules) ListForStatus(
	_ context.Context,
	_ database.Querier,
	categoryID, statusID int64,
	correctionTypeIDs []int64,
) ([]*repository.TransitionRule, error) {
	var out []*repository.TransitionRule
	for _, r := range f.rules {
		if r.CategoryID != categoryID || r.CurrentStatusID != statusID {
			continue
		}
		if r.CorrectionTypeID != nil && !slices.Contains(correctionTypeIDs, *r.CorrectionTypeID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type approval struct {
	requestID int64
	cycle     int
	visit     int
	statusID  int64
	step      int
	actorID   int64
}

type fakeLedger struct {
	approvals []approval
}

func (f *fakeLedger) CountDistinctApprovers(
	_ context.Context,
	_ database.Querier,
	requestID int64,
	cycle int,
	visit int,
	statusID int64,
	step int,
) (int, error) {
	actors := map[int64]struct{}{}
	for _, a := range f.approvals {
		if a.requestID == requestID && a.cycle == cycle && a.visit == visit && a.statusID == statusID && a.step == step {
			actors[a.actorID] = struct{}{}
		}
	}
	return len(actors), nil
}

type seriesKey struct {
	categoryID int64
	year       int
}

type fakeSeries struct {
	configs map[seriesKey]*repository.DocumentNumberConfig
	locked  []seriesKey
}

func newFakeSeries(configs ...*repository.DocumentNumberConfig) *fakeSeries {
	f := &fakeSeries{configs: map[seriesKey]*repository.DocumentNumberConfig{}}
	for _, c := range configs {
		f.configs[seriesKey{c.CategoryID, c.FiscalYear}] = c
	}
	return f
}

func (f *fakeSeries) LockForUpdate(_ context.Context, _ database.Querier, categoryID int64, fiscalYear int) (*repository.DocumentNumberConfig, error) {
	key := seriesKey{categoryID, fiscalYear}
	f.locked = append(f.locked, key)
	c, ok := f.configs[key]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeSeries) SetRunningNumber(_ context.Context, _ database.Querier, id int64, n int) error {
	for _, c := range f.configs {
		if c.ID == id {
			c.LastRunningNumber = n
		}
	}
	return nil
}

type dirUser struct {
	ref          repository.UserRef
	roles        []int64
	categories   []int64
	departmentID *int64
	active       bool
}

type fakeDirectory struct {
	users []dirUser
}

func (f *fakeDirectory) FindUsersByRoleAndCategory(
	_ context.Context,
	_ database.Querier,
	roleID, categoryID int64,
	filterByDept bool,
	deptID *int64,
) ([]repository.UserRef, error) {
	var out []repository.UserRef
	for _, u := range f.users {
		if !u.active || !slices.Contains(u.roles, roleID) || !slices.Contains(u.categories, categoryID) {
			continue
		}
		if filterByDept && u.departmentID != nil && (deptID == nil || *u.departmentID != *deptID) {
			continue
		}
		out = append(out, u.ref)
	}
	return out, nil
}

func (f *fakeDirectory) FindActiveByIDs(_ context.Context, _ database.Querier, ids []int64) ([]repository.UserRef, error) {
	var out []repository.UserRef
	for _, u := range f.users {
		if u.active && slices.Contains(ids, u.ref.ID) {
			out = append(out, u.ref)
		}
	}
	return out, nil
}

type specialKey struct {
	categoryID       int64
	correctionTypeID int64 // 0 for untyped
	step             int
}

type fakeSpecial struct {
	mappings map[specialKey][]int64
}

func (f *fakeSpecial) Find(_ context.Context, _ database.Querier, categoryID int64, correctionTypeID *int64, step int) ([]int64, error) {
	key := specialKey{categoryID: categoryID, step: step}
	if correctionTypeID != nil {
		key.correctionTypeID = *correctionTypeID
	}
	return f.mappings[key], nil
}
