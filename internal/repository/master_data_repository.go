package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// MasterDataRepository reads categories, statuses and correction types.
// Their CRUD lives in the master-data service; the engine only reads them.
type MasterDataRepository struct{}

// NewMasterDataRepository creates a new MasterDataRepository.
func NewMasterDataRepository() *MasterDataRepository {
	return &MasterDataRepository{}
}

// GetCategory returns a category.
func (r *MasterDataRepository) GetCategory(ctx context.Context, q database.Querier, id int64) (*Category, error) {
	c := &Category{}
	err := q.QueryRow(ctx, `
		SELECT id, name, requires_operational_close, operational_close_status_id, created_at
		FROM categories
		WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.RequiresOperationalClose, &c.OperationalCloseStatusID, &c.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("category", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get category")
	}
	return c, nil
}

// GetStatus returns a status.
func (r *MasterDataRepository) GetStatus(ctx context.Context, q database.Querier, id int64) (*Status, error) {
	s, err := scanStatus(q.QueryRow(ctx, `
		SELECT id, category_id, name, status_type
		FROM statuses
		WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("status", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get status")
	}
	return s, nil
}

// InitialStatus returns the initial status of a category. A category without
// one cannot accept requests, which is a configuration error.
func (r *MasterDataRepository) InitialStatus(ctx context.Context, q database.Querier, categoryID int64) (*Status, error) {
	s, err := scanStatus(q.QueryRow(ctx, `
		SELECT id, category_id, name, status_type
		FROM statuses
		WHERE category_id = $1 AND status_type = $2`, categoryID, string(StatusInitial)))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Newf(errors.ErrCodeConfiguration,
			"category %d has no initial status configured", categoryID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get initial status")
	}
	return s, nil
}

// CorrectionTypesByIDs returns the correction types among ids ordered by
// ascending priority.
func (r *MasterDataRepository) CorrectionTypesByIDs(ctx context.Context, q database.Querier, ids []int64) ([]CorrectionType, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, `
		SELECT id, name, priority
		FROM correction_types
		WHERE id = ANY($1)
		ORDER BY priority ASC, id ASC`, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get correction types")
	}
	cts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CorrectionType, error) {
		var ct CorrectionType
		err := row.Scan(&ct.ID, &ct.Name, &ct.Priority)
		return ct, err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan correction types")
	}
	return cts, nil
}

func scanStatus(row rowScanner) (*Status, error) {
	s := &Status{}
	var statusType string
	if err := row.Scan(&s.ID, &s.CategoryID, &s.Name, &statusType); err != nil {
		return nil, err
	}
	s.Type = StatusType(statusType)
	return s, nil
}
