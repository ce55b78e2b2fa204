package main

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/config"
	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/notifier"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
	"github.com/pesio-ai/be-wf-approvals/internal/telemetry"
	"github.com/pesio-ai/be-wf-approvals/internal/workflow"
)

func openDB(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
		LockTimeout: cfg.Database.LockTimeout,
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("host", cfg.Database.Host).
		Str("database", cfg.Database.Database).
		Msg("Database connection established")
	return db, nil
}

type repositories struct {
	requests *repository.RequestRepository
	history  *repository.ApprovalHistoryRepository
	rules    *repository.TransitionRulesRepository
	users    *repository.UserRepository
	master   *repository.MasterDataRepository
	special  *repository.SpecialApproversRepository
	numbers  *repository.DocumentNumberRepository
	notes    *repository.NotificationRepository
	audit    *repository.AuditLogRepository
}

func newRepositories() repositories {
	return repositories{
		requests: repository.NewRequestRepository(),
		history:  repository.NewApprovalHistoryRepository(),
		rules:    repository.NewTransitionRulesRepository(),
		users:    repository.NewUserRepository(),
		master:   repository.NewMasterDataRepository(),
		special:  repository.NewSpecialApproversRepository(),
		numbers:  repository.NewDocumentNumberRepository(),
		notes:    repository.NewNotificationRepository(),
		audit:    repository.NewAuditLogRepository(),
	}
}

// newApprovalService wires the engine, notifier and approval service over db.
// hub and publisher may be nil.
func newApprovalService(
	db *database.DB,
	repos repositories,
	hub notifier.Broadcaster,
	publisher notifier.EventPublisher,
	metrics *telemetry.Metrics,
	cfg *config.Config,
	log *logger.Logger,
) *service.ApprovalService {
	engine := workflow.NewEngine(repos.rules, repos.history, repos.special, repos.users, repos.numbers)
	notes := notifier.New(db, repos.notes, hub, publisher, metrics, log)
	return service.NewApprovalService(
		db,
		service.Stores{
			Requests:   repos.requests,
			History:    repos.history,
			Users:      repos.users,
			MasterData: repos.master,
			Audit:      repos.audit,
		},
		engine,
		notes,
		metrics,
		service.Options{
			FiscalYearStartMonth: time.Month(cfg.Workflow.FiscalYearStartMonth),
			AdminRole:            cfg.Workflow.AdminRole,
		},
		log,
	)
}

func newRuleAdminService(db *database.DB, repos repositories, log *logger.Logger) *service.RuleAdminService {
	return service.NewRuleAdminService(db, repos.rules, repos.special, repos.numbers, repos.master, repos.audit, log)
}

// originChecker accepts websocket upgrades from the configured origins. No
// configured origins accepts all of them.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}
