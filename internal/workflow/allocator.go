package workflow

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// DocumentNumberStore locks and advances running-number series.
type DocumentNumberStore interface {
	LockForUpdate(ctx context.Context, q database.Querier, categoryID int64, fiscalYear int) (*repository.DocumentNumberConfig, error)
	SetRunningNumber(ctx context.Context, q database.Querier, id int64, n int) error
}

// Allocator issues document numbers.
type Allocator struct {
	store DocumentNumberStore
}

// NewAllocator creates a new Allocator.
func NewAllocator(store DocumentNumberStore) *Allocator {
	return &Allocator{store: store}
}

// Allocate issues the next number of the (categoryID, fiscalYear) series,
// falling back to the previous fiscal year's series when the year has none.
// q must be the transaction of the transition that consumes the number: the
// series row stays locked until it ends and a rollback returns the number.
func (a *Allocator) Allocate(ctx context.Context, q database.Querier, categoryID int64, fiscalYear int) (string, error) {
	cfg, err := a.store.LockForUpdate(ctx, q, categoryID, fiscalYear)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		cfg, err = a.store.LockForUpdate(ctx, q, categoryID, fiscalYear-1)
		if err != nil {
			return "", err
		}
	}
	if cfg == nil {
		return "", errors.Newf(errors.ErrCodeConfiguration,
			"no document number configuration for category %d fiscal year %d (or %d)",
			categoryID, fiscalYear, fiscalYear-1)
	}

	next := cfg.LastRunningNumber + 1
	if err := a.store.SetRunningNumber(ctx, q, cfg.ID, next); err != nil {
		return "", err
	}
	return FormatDocumentNumber(cfg.Prefix, next), nil
}

// FormatDocumentNumber renders prefix followed by n zero-padded to four digits.
func FormatDocumentNumber(prefix string, n int) string {
	return fmt.Sprintf("%s%04d", prefix, n)
}
