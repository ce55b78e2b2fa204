package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// RequestRepository handles workflow instances.
type RequestRepository struct{}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository() *RequestRepository {
	return &RequestRepository{}
}

const requestColumns = `
	id, category_id, status_id, requester_id, department_id,
	request_date, document_number, cycle, visit,
	it_operator_id, it_completed_at, it_has_obstacles,
	created_at, updated_at`

// Create inserts a request with its correction-type tags. Run it on a
// transaction so the tags land together with the request.
func (r *RequestRepository) Create(ctx context.Context, q database.Querier, req *Request) error {
	query := `
		INSERT INTO requests
		    (category_id, status_id, requester_id, department_id, request_date, cycle)
		VALUES ($1, $2, $3, $4, $5, 1)
		RETURNING id, cycle, visit, created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		req.CategoryID,
		req.StatusID,
		req.RequesterID,
		req.DepartmentID,
		req.RequestDate,
	).Scan(&req.ID, &req.Cycle, &req.Visit, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create request")
	}

	for _, ct := range req.CorrectionTypes {
		if _, err := q.Exec(ctx, `
			INSERT INTO request_correction_types (request_id, correction_type_id)
			VALUES ($1, $2)`, req.ID, ct.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to tag request")
		}
	}
	return nil
}

// Get loads a request without locking it.
func (r *RequestRepository) Get(ctx context.Context, q database.Querier, id int64) (*Request, error) {
	return r.get(ctx, q, id, false)
}

// GetForUpdate loads a request and holds its row lock until the surrounding
// transaction ends. Every transition takes this lock first, which serializes
// concurrent actions on the same request.
func (r *RequestRepository) GetForUpdate(ctx context.Context, q database.Querier, id int64) (*Request, error) {
	return r.get(ctx, q, id, true)
}

func (r *RequestRepository) get(ctx context.Context, q database.Querier, id int64, lock bool) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	req, err := scanRequest(q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("request", id)
	}
	if err != nil {
		if database.IsConflict(err) {
			return nil, errors.Wrap(err, errors.ErrCodeConflict, "request is locked by another action")
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request")
	}

	rows, err := q.Query(ctx, `
		SELECT ct.id, ct.name, ct.priority
		FROM request_correction_types rct
		JOIN correction_types ct ON ct.id = rct.correction_type_id
		WHERE rct.request_id = $1
		ORDER BY ct.priority ASC, ct.id ASC`, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request correction types")
	}
	defer rows.Close()

	for rows.Next() {
		var ct CorrectionType
		if err := rows.Scan(&ct.ID, &ct.Name, &ct.Priority); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan correction type")
		}
		req.CorrectionTypes = append(req.CorrectionTypes, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read correction types")
	}
	return req, nil
}

// UpdateStatus moves a request to statusID and opens a new visit.
func (r *RequestRepository) UpdateStatus(ctx context.Context, q database.Querier, id, statusID int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE requests
		SET status_id  = $2,
		    visit      = visit + 1,
		    updated_at = NOW()
		WHERE id = $1`, id, statusID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("request", id)
	}
	return nil
}

// Reset moves a request back to statusID and opens a new submission cycle.
// It returns the new cycle number.
func (r *RequestRepository) Reset(ctx context.Context, q database.Querier, id, statusID int64) (int, error) {
	var cycle int
	err := q.QueryRow(ctx, `
		UPDATE requests
		SET status_id  = $2,
		    cycle      = cycle + 1,
		    visit      = visit + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING cycle`, id, statusID).Scan(&cycle)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, errors.NotFound("request", id)
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to reset request")
	}
	return cycle, nil
}

// SaveOperation stores the operational-completion metadata.
func (r *RequestRepository) SaveOperation(ctx context.Context, q database.Querier, id int64, op OperationMetadata) error {
	_, err := q.Exec(ctx, `
		UPDATE requests
		SET it_operator_id   = $2,
		    it_completed_at  = $3,
		    it_has_obstacles = $4,
		    updated_at       = NOW()
		WHERE id = $1`, id, op.OperatorID, op.CompletedAt, op.HasObstacles)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save operation metadata")
	}
	return nil
}

// SetDocumentNumber assigns the issued document number.
func (r *RequestRepository) SetDocumentNumber(ctx context.Context, q database.Querier, id int64, number string) error {
	_, err := q.Exec(ctx, `
		UPDATE requests
		SET document_number = $2,
		    updated_at      = NOW()
		WHERE id = $1`, id, number)
	if database.IsUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "document number %s is already in use", number)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set document number")
	}
	return nil
}

// Delete removes a request together with its attachments and history.
// The caller must run it on a transaction.
func (r *RequestRepository) Delete(ctx context.Context, q database.Querier, id int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM request_attachments WHERE request_id = $1`, id); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete request attachments")
	}
	if _, err := q.Exec(ctx, `DELETE FROM approval_history WHERE request_id = $1`, id); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete request history")
	}
	tag, err := q.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete request")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("request", id)
	}
	return nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}

	err := row.Scan(
		&req.ID,
		&req.CategoryID,
		&req.StatusID,
		&req.RequesterID,
		&req.DepartmentID,
		&req.RequestDate,
		&req.DocumentNumber,
		&req.Cycle,
		&req.Visit,
		&req.Operation.OperatorID,
		&req.Operation.CompletedAt,
		&req.Operation.HasObstacles,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
