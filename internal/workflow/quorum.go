package workflow

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// HistoryLedger counts recorded approvals.
type HistoryLedger interface {
	CountDistinctApprovers(
		ctx context.Context,
		q database.Querier,
		requestID int64,
		cycle int,
		visit int,
		statusID int64,
		step int,
	) (int, error)
}

// StepProgress is the quorum state of one step.
type StepProgress struct {
	Complete  bool `json:"complete"`
	Required  int  `json:"required"`
	Satisfied int  `json:"satisfied"`
}

// QuorumTracker decides whether a parallel step has collected all of its
// approvals.
type QuorumTracker struct {
	resolver *Resolver
	history  HistoryLedger
}

// NewQuorumTracker creates a new QuorumTracker.
func NewQuorumTracker(resolver *Resolver, history HistoryLedger) *QuorumTracker {
	return &QuorumTracker{resolver: resolver, history: history}
}

// IsStepComplete evaluates the step of statusID for req. Required is the
// number of approve rules resolved at the step, Satisfied the number of
// distinct actors that approved it during the request's current cycle and
// its current visit of statusID, so re-entering a status starts a new round.
func (t *QuorumTracker) IsStepComplete(
	ctx context.Context,
	q database.Querier,
	req *repository.Request,
	statusID int64,
	step int,
) (StepProgress, error) {
	rules, err := t.resolver.ResolveForRequest(ctx, q, req, statusID)
	if err != nil {
		return StepProgress{}, err
	}
	required := len(ApproveRulesAt(rules, step))

	satisfied, err := t.history.CountDistinctApprovers(ctx, q, req.ID, req.Cycle, req.Visit, statusID, step)
	if err != nil {
		return StepProgress{}, err
	}

	return StepProgress{
		Complete:  required > 0 && satisfied >= required,
		Required:  required,
		Satisfied: satisfied,
	}, nil
}

// ApproveRulesAt returns the approve rules of rules at step.
func ApproveRulesAt(rules []*repository.TransitionRule, step int) []*repository.TransitionRule {
	var out []*repository.TransitionRule
	for _, rule := range rules {
		if rule.StepSequence == step && rule.ActionType == repository.ActionApprove {
			out = append(out, rule)
		}
	}
	return out
}

// IsParallel reports whether step has more than one approve rule, which makes
// an approval there subject to quorum.
func IsParallel(rules []*repository.TransitionRule, step int) bool {
	return len(ApproveRulesAt(rules, step)) > 1
}
