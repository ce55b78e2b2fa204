package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// SpecialApproversRepository stores explicit per-step approver assignments.
type SpecialApproversRepository struct{}

// NewSpecialApproversRepository creates a new SpecialApproversRepository.
func NewSpecialApproversRepository() *SpecialApproversRepository {
	return &SpecialApproversRepository{}
}

// Find returns the user ids assigned to (category, correction type, step).
// A nil correctionTypeID matches only the untyped mapping.
func (r *SpecialApproversRepository) Find(
	ctx context.Context,
	q database.Querier,
	categoryID int64,
	correctionTypeID *int64,
	step int,
) ([]int64, error) {
	rows, err := q.Query(ctx, `
		SELECT user_id
		FROM special_approvers
		WHERE category_id = $1
		  AND correction_type_id IS NOT DISTINCT FROM $2
		  AND step_sequence = $3
		ORDER BY user_id`, categoryID, correctionTypeID, step)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get special approvers")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan special approvers")
	}
	return ids, nil
}

// Replace swaps the user set of a mapping for m.UserIDs. Run it on a
// transaction.
func (r *SpecialApproversRepository) Replace(ctx context.Context, q database.Querier, m *SpecialApproverMapping) error {
	if _, err := q.Exec(ctx, `
		DELETE FROM special_approvers
		WHERE category_id = $1
		  AND correction_type_id IS NOT DISTINCT FROM $2
		  AND step_sequence = $3`, m.CategoryID, m.CorrectionTypeID, m.StepSequence); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear special approvers")
	}

	for _, userID := range m.UserIDs {
		if _, err := q.Exec(ctx, `
			INSERT INTO special_approvers (category_id, correction_type_id, step_sequence, user_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, m.CategoryID, m.CorrectionTypeID, m.StepSequence, userID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save special approver")
		}
	}
	return nil
}
