// Package workflow holds the rule-driven core of the approval engine:
// transition resolution, quorum evaluation, approver lookup and document
// numbering. Every function takes the caller's database.Querier so it joins
// whatever transaction the caller holds; nothing here begins or commits.
package workflow

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// RuleSource lists the candidate rules of a status: general rules plus the
// specific rules of the given correction types.
type RuleSource interface {
	ListForStatus(
		ctx context.Context,
		q database.Querier,
		categoryID, statusID int64,
		correctionTypeIDs []int64,
	) ([]*repository.TransitionRule, error)
}

// Resolver computes the executable transitions of a request.
type Resolver struct {
	rules RuleSource
}

// NewResolver creates a new Resolver.
func NewResolver(rules RuleSource) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve returns the rules that apply to a request of categoryID tagged with
// correctionTypeIDs sitting in statusID. A nil roleID returns the rules of
// every role. An empty result means no legal action.
func (r *Resolver) Resolve(
	ctx context.Context,
	q database.Querier,
	categoryID int64,
	correctionTypeIDs []int64,
	statusID int64,
	roleID *int64,
) ([]*repository.TransitionRule, error) {
	candidates, err := r.rules.ListForStatus(ctx, q, categoryID, statusID, correctionTypeIDs)
	if err != nil {
		return nil, err
	}
	return Resolve(candidates, roleID)
}

// ResolveForRequest resolves every role's rules for req at statusID.
func (r *Resolver) ResolveForRequest(
	ctx context.Context,
	q database.Querier,
	req *repository.Request,
	statusID int64,
) ([]*repository.TransitionRule, error) {
	return r.Resolve(ctx, q, req.CategoryID, req.CorrectionTypeIDs(), statusID, nil)
}

// ResolveForRoles returns the union of the rules executable by any of
// roleIDs at the request's current status.
func (r *Resolver) ResolveForRoles(
	ctx context.Context,
	q database.Querier,
	req *repository.Request,
	roleIDs []int64,
) ([]*repository.TransitionRule, error) {
	all, err := r.ResolveForRequest(ctx, q, req, req.StatusID)
	if err != nil {
		return nil, err
	}
	// Resolution is per (action, role), so filtering the all-roles result is
	// the same as resolving each role and merging.
	out := make([]*repository.TransitionRule, 0, len(all))
	for _, rule := range all {
		if slices.Contains(roleIDs, rule.RoleID) {
			out = append(out, rule)
		}
	}
	return out, nil
}

type groupKey struct {
	action string
	roleID int64
}

type group struct {
	general  *repository.TransitionRule
	specific []*repository.TransitionRule
}

// Resolve applies specific-over-general precedence to candidates. Rules are
// grouped by (action, role); a group resolves to its specific rule with the
// lowest correction-type priority value, or to its general rule when it has
// no specific one. Two specific rules tied at the winning priority are a
// configuration error.
func Resolve(candidates []*repository.TransitionRule, roleID *int64) ([]*repository.TransitionRule, error) {
	groups := make(map[groupKey]*group)
	var order []groupKey

	for _, rule := range candidates {
		if roleID != nil && rule.RoleID != *roleID {
			continue
		}
		key := groupKey{action: rule.Action, roleID: rule.RoleID}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		if rule.IsSpecific() {
			g.specific = append(g.specific, rule)
		} else {
			g.general = rule
		}
	}

	resolved := make([]*repository.TransitionRule, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if len(g.specific) == 0 {
			resolved = append(resolved, g.general)
			continue
		}
		winner, err := pickSpecific(g.specific)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, winner)
	}

	slices.SortFunc(resolved, func(a, b *repository.TransitionRule) int {
		return cmp.Or(
			cmp.Compare(a.StepSequence, b.StepSequence),
			cmp.Compare(a.Action, b.Action),
			cmp.Compare(a.RoleID, b.RoleID),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return resolved, nil
}

func pickSpecific(rules []*repository.TransitionRule) (*repository.TransitionRule, error) {
	var winner *repository.TransitionRule
	tied := false
	for _, rule := range rules {
		switch {
		case winner == nil || priorityOf(rule) < priorityOf(winner):
			winner, tied = rule, false
		case priorityOf(rule) == priorityOf(winner):
			tied = true
		}
	}
	if tied {
		return nil, errors.Newf(errors.ErrCodeConfiguration,
			"ambiguous transition rules for action %q role %d: several correction types share priority %d",
			winner.Action, winner.RoleID, priorityOf(winner))
	}
	return winner, nil
}

func priorityOf(rule *repository.TransitionRule) int {
	if rule.CorrectionPriority == nil {
		return math.MaxInt
	}
	return *rule.CorrectionPriority
}

// FindAction returns the rule of rules labelled action. When the actor holds
// several roles that carry the action, the lowest step wins.
func FindAction(rules []*repository.TransitionRule, action string) *repository.TransitionRule {
	var found *repository.TransitionRule
	for _, rule := range rules {
		if rule.Action != action {
			continue
		}
		if found == nil || rule.StepSequence < found.StepSequence {
			found = rule
		}
	}
	return found
}

// DepartmentAllows reports whether an actor in actorDept may use rule on a
// request raised from requestDept. Actors without a department pass.
func DepartmentAllows(rule *repository.TransitionRule, actorDept, requestDept *int64) bool {
	if !rule.FilterByDepartment || actorDept == nil {
		return true
	}
	return requestDept != nil && *actorDept == *requestDept
}
