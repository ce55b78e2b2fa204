package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// RuleStore persists transition rules.
type RuleStore interface {
	Create(ctx context.Context, q database.Querier, rule *repository.TransitionRule) error
	GetByID(ctx context.Context, q database.Querier, id int64) (*repository.TransitionRule, error)
	ListByCategory(ctx context.Context, q database.Querier, categoryID int64) ([]*repository.TransitionRule, error)
	Update(ctx context.Context, q database.Querier, rule *repository.TransitionRule) error
	Delete(ctx context.Context, q database.Querier, id int64) error
}

// SpecialApproverStore persists special-approver mappings.
type SpecialApproverStore interface {
	Replace(ctx context.Context, q database.Querier, m *repository.SpecialApproverMapping) error
}

// DocumentNumberAdmin creates and adjusts document-number series.
type DocumentNumberAdmin interface {
	Upsert(ctx context.Context, q database.Querier, cfg *repository.DocumentNumberConfig) error
}

// RuleAdminService administers the workflow configuration: transition rules,
// special approvers and document-number series.
type RuleAdminService struct {
	db      database.Pool
	rules   RuleStore
	special SpecialApproverStore
	numbers DocumentNumberAdmin
	master  MasterData
	audit   AuditStore
	log     *logger.Logger
}

// NewRuleAdminService creates a new RuleAdminService.
func NewRuleAdminService(
	db database.Pool,
	rules RuleStore,
	special SpecialApproverStore,
	numbers DocumentNumberAdmin,
	master MasterData,
	audit AuditStore,
	log *logger.Logger,
) *RuleAdminService {
	return &RuleAdminService{
		db:      db,
		rules:   rules,
		special: special,
		numbers: numbers,
		master:  master,
		audit:   audit,
		log:     log.Component("rule_admin"),
	}
}

// ListRules returns every rule of a category.
func (s *RuleAdminService) ListRules(ctx context.Context, categoryID int64) ([]*repository.TransitionRule, error) {
	return s.rules.ListByCategory(ctx, s.db, categoryID)
}

// CreateRule validates and stores a new rule.
func (s *RuleAdminService) CreateRule(ctx context.Context, actorID int64, rule *repository.TransitionRule) error {
	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		if err := s.validateRule(ctx, tx, rule); err != nil {
			return err
		}
		return s.rules.Create(ctx, tx, rule)
	})
	if err != nil {
		return classify(err)
	}
	s.appendAudit(ctx, actorID, "rule.create", fmt.Sprintf("transition rule %d created", rule.ID))
	return nil
}

// UpdateRule validates and stores changes to a rule. The category of a rule
// cannot change.
func (s *RuleAdminService) UpdateRule(ctx context.Context, actorID int64, rule *repository.TransitionRule) error {
	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		existing, err := s.rules.GetByID(ctx, tx, rule.ID)
		if err != nil {
			return err
		}
		rule.CategoryID = existing.CategoryID
		if err := s.validateRule(ctx, tx, rule); err != nil {
			return err
		}
		return s.rules.Update(ctx, tx, rule)
	})
	if err != nil {
		return classify(err)
	}
	s.appendAudit(ctx, actorID, "rule.update", fmt.Sprintf("transition rule %d updated", rule.ID))
	return nil
}

// DeleteRule removes a rule.
func (s *RuleAdminService) DeleteRule(ctx context.Context, actorID, id int64) error {
	if err := s.rules.Delete(ctx, s.db, id); err != nil {
		return err
	}
	s.appendAudit(ctx, actorID, "rule.delete", fmt.Sprintf("transition rule %d deleted", id))
	return nil
}

// SetSpecialApprovers replaces the users assigned to a step.
func (s *RuleAdminService) SetSpecialApprovers(ctx context.Context, actorID int64, m *repository.SpecialApproverMapping) error {
	if m.StepSequence <= 0 {
		return errors.InvalidInput("step_sequence", "step sequence must be positive")
	}
	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		return s.special.Replace(ctx, tx, m)
	})
	if err != nil {
		return classify(err)
	}
	s.appendAudit(ctx, actorID, "special_approvers.set",
		fmt.Sprintf("category %d step %d: %d approvers", m.CategoryID, m.StepSequence, len(m.UserIDs)))
	return nil
}

// UpsertDocumentNumberConfig creates a series or updates its prefix. The
// running number never moves backwards.
func (s *RuleAdminService) UpsertDocumentNumberConfig(ctx context.Context, actorID int64, cfg *repository.DocumentNumberConfig) error {
	if cfg.FiscalYear <= 0 {
		return errors.InvalidInput("fiscal_year", "fiscal year is required")
	}
	if cfg.LastRunningNumber < 0 {
		return errors.InvalidInput("last_running_number", "running number cannot be negative")
	}
	if _, err := s.master.GetCategory(ctx, s.db, cfg.CategoryID); err != nil {
		return err
	}
	if err := s.numbers.Upsert(ctx, s.db, cfg); err != nil {
		return err
	}
	s.appendAudit(ctx, actorID, "document_number.upsert",
		fmt.Sprintf("category %d fiscal year %d prefix %q", cfg.CategoryID, cfg.FiscalYear, cfg.Prefix))
	return nil
}

// ImportRuleSet stores a whole rule set in one transaction. Any invalid or
// duplicate entry rolls the import back.
func (s *RuleAdminService) ImportRuleSet(ctx context.Context, actorID int64, set *RuleSet) (int, error) {
	rules, mappings, series := set.Expand()

	err := database.RunInTx(ctx, s.db, func(tx database.Tx) error {
		if _, err := s.master.GetCategory(ctx, tx, set.CategoryID); err != nil {
			return err
		}
		for i, rule := range rules {
			if err := s.validateRule(ctx, tx, rule); err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("rule %d", i+1))
			}
			if err := s.rules.Create(ctx, tx, rule); err != nil {
				return errors.Wrap(err, errors.ErrCodeConfiguration, fmt.Sprintf("rule %d", i+1))
			}
		}
		for _, m := range mappings {
			if err := s.special.Replace(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, cfg := range series {
			if err := s.numbers.Upsert(ctx, tx, cfg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}

	s.appendAudit(ctx, actorID, "rule.import",
		fmt.Sprintf("category %d: %d rules, %d special approver mappings, %d number series",
			set.CategoryID, len(rules), len(mappings), len(series)))
	s.log.Info().
		Int64("category_id", set.CategoryID).
		Int("rules", len(rules)).
		Msg("Rule set imported")
	return len(rules), nil
}

// validateRule checks a rule against the category's master data.
func (s *RuleAdminService) validateRule(ctx context.Context, q database.Querier, rule *repository.TransitionRule) error {
	if rule.Action == "" {
		return errors.InvalidInput("action", "action name is required")
	}
	if !rule.ActionType.Valid() {
		return errors.InvalidInput("action_type", fmt.Sprintf("unsupported action type %q", rule.ActionType))
	}
	if rule.StepSequence <= 0 {
		return errors.InvalidInput("step_sequence", "step sequence must be positive")
	}
	for _, id := range []int64{rule.CurrentStatusID, rule.NextStatusID} {
		status, err := s.master.GetStatus(ctx, q, id)
		if err != nil {
			return err
		}
		if status.CategoryID != rule.CategoryID {
			return errors.InvalidInput("status", fmt.Sprintf("status %d belongs to another category", id))
		}
	}
	if rule.CorrectionTypeID != nil {
		cts, err := s.master.CorrectionTypesByIDs(ctx, q, []int64{*rule.CorrectionTypeID})
		if err != nil {
			return err
		}
		if len(cts) == 0 {
			return errors.NotFound("correction_type", *rule.CorrectionTypeID)
		}
	}
	return nil
}

func (s *RuleAdminService) appendAudit(ctx context.Context, actorID int64, action, detail string) {
	entry := &repository.AuditLogEntry{Action: action, Detail: detail}
	if actorID != 0 {
		entry.UserID = &actorID
	}
	if err := s.audit.Create(ctx, s.db, entry); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("Failed to write audit log entry")
	}
}
