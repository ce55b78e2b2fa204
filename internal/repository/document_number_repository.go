package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// DocumentNumberRepository reads and advances document-number series.
type DocumentNumberRepository struct{}

// NewDocumentNumberRepository creates a new DocumentNumberRepository.
func NewDocumentNumberRepository() *DocumentNumberRepository {
	return &DocumentNumberRepository{}
}

// LockForUpdate loads the series of (category, fiscal year) and holds its
// row lock until the transaction ends. It returns nil, nil when the series
// does not exist.
func (r *DocumentNumberRepository) LockForUpdate(ctx context.Context, q database.Querier, categoryID int64, fiscalYear int) (*DocumentNumberConfig, error) {
	cfg := &DocumentNumberConfig{}
	err := q.QueryRow(ctx, `
		SELECT id, category_id, fiscal_year, prefix, last_running_number, updated_at
		FROM document_number_configs
		WHERE category_id = $1 AND fiscal_year = $2
		FOR UPDATE`, categoryID, fiscalYear,
	).Scan(
		&cfg.ID,
		&cfg.CategoryID,
		&cfg.FiscalYear,
		&cfg.Prefix,
		&cfg.LastRunningNumber,
		&cfg.UpdatedAt,
	)
	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case database.IsConflict(err):
		return nil, errors.Wrap(err, errors.ErrCodeConflict, "document number series is locked")
	case err != nil:
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock document number series")
	}
	return cfg, nil
}

// SetRunningNumber stores the last issued running number of a series.
func (r *DocumentNumberRepository) SetRunningNumber(ctx context.Context, q database.Querier, id int64, n int) error {
	tag, err := q.Exec(ctx, `
		UPDATE document_number_configs
		SET last_running_number = $2,
		    updated_at          = NOW()
		WHERE id = $1`, id, n)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance document number")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("document_number_config", id)
	}
	return nil
}

// Get reads a series without locking it.
func (r *DocumentNumberRepository) Get(ctx context.Context, q database.Querier, categoryID int64, fiscalYear int) (*DocumentNumberConfig, error) {
	cfg := &DocumentNumberConfig{}
	err := q.QueryRow(ctx, `
		SELECT id, category_id, fiscal_year, prefix, last_running_number, updated_at
		FROM document_number_configs
		WHERE category_id = $1 AND fiscal_year = $2`, categoryID, fiscalYear,
	).Scan(&cfg.ID, &cfg.CategoryID, &cfg.FiscalYear, &cfg.Prefix, &cfg.LastRunningNumber, &cfg.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Newf(errors.ErrCodeNotFound,
			"document number config for category %d fiscal year %d not found", categoryID, fiscalYear)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get document number config")
	}
	return cfg, nil
}

// Upsert creates or replaces a series. Administrative use only; the
// allocator never creates series.
func (r *DocumentNumberRepository) Upsert(ctx context.Context, q database.Querier, cfg *DocumentNumberConfig) error {
	err := q.QueryRow(ctx, `
		INSERT INTO document_number_configs (category_id, fiscal_year, prefix, last_running_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category_id, fiscal_year) DO UPDATE
		SET prefix              = EXCLUDED.prefix,
		    last_running_number = GREATEST(document_number_configs.last_running_number, EXCLUDED.last_running_number),
		    updated_at          = NOW()
		RETURNING id, last_running_number, updated_at`,
		cfg.CategoryID, cfg.FiscalYear, cfg.Prefix, cfg.LastRunningNumber,
	).Scan(&cfg.ID, &cfg.LastRunningNumber, &cfg.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save document number config")
	}
	return nil
}
