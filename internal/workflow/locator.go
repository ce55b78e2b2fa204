package workflow

import (
	"cmp"
	"context"
	"slices"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// Directory finds users.
type Directory interface {
	FindUsersByRoleAndCategory(
		ctx context.Context,
		q database.Querier,
		roleID, categoryID int64,
		filterByDept bool,
		deptID *int64,
	) ([]repository.UserRef, error)
	FindActiveByIDs(ctx context.Context, q database.Querier, ids []int64) ([]repository.UserRef, error)
}

// SpecialApproverSource finds explicit per-step assignments.
type SpecialApproverSource interface {
	Find(ctx context.Context, q database.Querier, categoryID int64, correctionTypeID *int64, step int) ([]int64, error)
}

// ApproverLocator resolves the users entitled to act at a step. The preview
// and the post-commit notification paths share it.
type ApproverLocator struct {
	resolver  *Resolver
	special   SpecialApproverSource
	directory Directory
}

// NewApproverLocator creates a new ApproverLocator.
func NewApproverLocator(resolver *Resolver, special SpecialApproverSource, directory Directory) *ApproverLocator {
	return &ApproverLocator{resolver: resolver, special: special, directory: directory}
}

// ForStep returns the approvers of step at the request's current status.
func (l *ApproverLocator) ForStep(ctx context.Context, q database.Querier, req *repository.Request, step int) ([]repository.UserRef, error) {
	rules, err := l.resolver.ResolveForRequest(ctx, q, req, req.StatusID)
	if err != nil {
		return nil, err
	}
	return l.locate(ctx, q, req, rulesAt(rules, step), step)
}

// ForStatus returns the approvers of the first step of statusID, i.e. who
// acts next once req moves there. A status without rules has no approvers.
func (l *ApproverLocator) ForStatus(ctx context.Context, q database.Querier, req *repository.Request, statusID int64) ([]repository.UserRef, error) {
	rules, err := l.resolver.ResolveForRequest(ctx, q, req, statusID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	step := FirstStep(rules)
	return l.locate(ctx, q, req, rulesAt(rules, step), step)
}

func (l *ApproverLocator) locate(
	ctx context.Context,
	q database.Querier,
	req *repository.Request,
	rules []*repository.TransitionRule,
	step int,
) ([]repository.UserRef, error) {
	var correctionTypeID *int64
	if ct := req.ActiveCorrectionType(); ct != nil {
		correctionTypeID = &ct.ID
	}

	ids, err := l.special.Find(ctx, q, req.CategoryID, correctionTypeID, step)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		users, err := l.directory.FindActiveByIDs(ctx, q, ids)
		if err != nil {
			return nil, err
		}
		return dedupUsers(users), nil
	}

	// One lookup per role; the department filter applies when any of the
	// role's rules at this step asks for it.
	filterByRole := make(map[int64]bool)
	var roles []int64
	for _, rule := range rules {
		if _, seen := filterByRole[rule.RoleID]; !seen {
			roles = append(roles, rule.RoleID)
		}
		filterByRole[rule.RoleID] = filterByRole[rule.RoleID] || rule.FilterByDepartment
	}

	var users []repository.UserRef
	for _, roleID := range roles {
		found, err := l.directory.FindUsersByRoleAndCategory(
			ctx, q, roleID, req.CategoryID, filterByRole[roleID], req.DepartmentID)
		if err != nil {
			return nil, err
		}
		users = append(users, found...)
	}
	return dedupUsers(users), nil
}

// FirstStep returns the lowest step sequence among rules.
func FirstStep(rules []*repository.TransitionRule) int {
	step := 0
	for i, rule := range rules {
		if i == 0 || rule.StepSequence < step {
			step = rule.StepSequence
		}
	}
	return step
}

func rulesAt(rules []*repository.TransitionRule, step int) []*repository.TransitionRule {
	var out []*repository.TransitionRule
	for _, rule := range rules {
		if rule.StepSequence == step {
			out = append(out, rule)
		}
	}
	return out
}

func dedupUsers(users []repository.UserRef) []repository.UserRef {
	seen := make(map[int64]struct{}, len(users))
	out := make([]repository.UserRef, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b repository.UserRef) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
