package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// ApprovalHistoryRepository appends and reads approval history. The history
// doubles as the quorum ledger: distinct approving actors per step.
type ApprovalHistoryRepository struct{}

// NewApprovalHistoryRepository creates a new ApprovalHistoryRepository.
func NewApprovalHistoryRepository() *ApprovalHistoryRepository {
	return &ApprovalHistoryRepository{}
}

// Append inserts one entry. Entries are never updated.
func (r *ApprovalHistoryRepository) Append(ctx context.Context, q database.Querier, entry *HistoryEntry) error {
	query := `
		INSERT INTO approval_history
		    (request_id, actor_id, step_sequence, cycle, visit,
		     action, action_type, from_status_id, to_status_id, comment)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		entry.RequestID,
		entry.ActorID,
		entry.StepSequence,
		entry.Cycle,
		entry.Visit,
		entry.Action,
		string(entry.ActionType),
		entry.FromStatusID,
		entry.ToStatusID,
		entry.Comment,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
	}
	return nil
}

// CountDistinctApprovers counts the distinct actors that approved a request
// at one step during the given cycle and visit of statusID.
func (r *ApprovalHistoryRepository) CountDistinctApprovers(
	ctx context.Context,
	q database.Querier,
	requestID int64,
	cycle int,
	visit int,
	statusID int64,
	step int,
) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(DISTINCT actor_id)
		FROM approval_history
		WHERE request_id     = $1
		  AND cycle          = $2
		  AND visit          = $3
		  AND from_status_id = $4
		  AND step_sequence  = $5
		  AND action_type    = $6`,
		requestID, cycle, visit, statusID, step, string(ActionApprove),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approvers")
	}
	return n, nil
}

// StepApprovers returns the ids of the actors that already approved at a step
// during the given cycle and visit of statusID.
func (r *ApprovalHistoryRepository) StepApprovers(
	ctx context.Context,
	q database.Querier,
	requestID int64,
	cycle int,
	visit int,
	statusID int64,
	step int,
) ([]int64, error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT actor_id
		FROM approval_history
		WHERE request_id     = $1
		  AND cycle          = $2
		  AND visit          = $3
		  AND from_status_id = $4
		  AND step_sequence  = $5
		  AND action_type    = $6
		ORDER BY actor_id`,
		requestID, cycle, visit, statusID, step, string(ActionApprove),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list step approvers")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step approvers")
	}
	return ids, nil
}

// ListByRequest returns a request's full history ordered oldest-first.
func (r *ApprovalHistoryRepository) ListByRequest(ctx context.Context, q database.Querier, requestID int64) ([]*HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, request_id, actor_id, step_sequence, cycle, visit,
		       action, action_type, from_status_id, to_status_id,
		       comment, created_at
		FROM approval_history
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry := &HistoryEntry{}
		var actionType string
		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.ActorID,
			&entry.StepSequence,
			&entry.Cycle,
			&entry.Visit,
			&entry.Action,
			&actionType,
			&entry.FromStatusID,
			&entry.ToStatusID,
			&entry.Comment,
			&entry.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		entry.ActionType = ActionType(actionType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval history")
	}
	return entries, nil
}
