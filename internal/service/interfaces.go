package service

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/notifier"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// RequestStore persists requests.
type RequestStore interface {
	Create(ctx context.Context, q database.Querier, req *repository.Request) error
	Get(ctx context.Context, q database.Querier, id int64) (*repository.Request, error)
	GetForUpdate(ctx context.Context, q database.Querier, id int64) (*repository.Request, error)
	UpdateStatus(ctx context.Context, q database.Querier, id, statusID int64) error
	Reset(ctx context.Context, q database.Querier, id, statusID int64) (int, error)
	SaveOperation(ctx context.Context, q database.Querier, id int64, op repository.OperationMetadata) error
	SetDocumentNumber(ctx context.Context, q database.Querier, id int64, number string) error
	Delete(ctx context.Context, q database.Querier, id int64) error
}

// HistoryStore persists the approval history.
type HistoryStore interface {
	Append(ctx context.Context, q database.Querier, entry *repository.HistoryEntry) error
	StepApprovers(ctx context.Context, q database.Querier, requestID int64, cycle, visit int, statusID int64, step int) ([]int64, error)
	ListByRequest(ctx context.Context, q database.Querier, requestID int64) ([]*repository.HistoryEntry, error)
}

// UserDirectory looks up actors.
type UserDirectory interface {
	FindByID(ctx context.Context, q database.Querier, id int64) (*repository.User, error)
	SpecialRoles(ctx context.Context, q database.Querier, userID int64) ([]int64, error)
}

// MasterData reads categories, statuses and correction types.
type MasterData interface {
	GetCategory(ctx context.Context, q database.Querier, id int64) (*repository.Category, error)
	GetStatus(ctx context.Context, q database.Querier, id int64) (*repository.Status, error)
	InitialStatus(ctx context.Context, q database.Querier, categoryID int64) (*repository.Status, error)
	CorrectionTypesByIDs(ctx context.Context, q database.Querier, ids []int64) ([]repository.CorrectionType, error)
}

// AuditStore persists audit records.
type AuditStore interface {
	Create(ctx context.Context, q database.Querier, e *repository.AuditLogEntry) error
}

// Notifier delivers committed events.
type Notifier interface {
	Dispatch(ctx context.Context, msg notifier.Message)
}

// Stores groups the persistence dependencies of the services.
type Stores struct {
	Requests   RequestStore
	History    HistoryStore
	Users      UserDirectory
	MasterData MasterData
	Audit      AuditStore
}
