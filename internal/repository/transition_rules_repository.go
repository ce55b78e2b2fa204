package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// TransitionRulesRepository is the rule store. The engine only reads it;
// writes come from rule administration.
type TransitionRulesRepository struct{}

// NewTransitionRulesRepository creates a new TransitionRulesRepository.
func NewTransitionRulesRepository() *TransitionRulesRepository {
	return &TransitionRulesRepository{}
}

const ruleColumns = `
	r.id, r.category_id, r.correction_type_id, ct.priority,
	r.current_status_id, r.role_id, r.action, r.action_type,
	r.next_status_id, r.step_sequence, r.filter_by_department,
	r.created_at, r.updated_at`

// Create inserts a new rule.
func (r *TransitionRulesRepository) Create(ctx context.Context, q database.Querier, rule *TransitionRule) error {
	query := `
		INSERT INTO transition_rules
		    (category_id, correction_type_id, current_status_id, role_id,
		     action, action_type, next_status_id, step_sequence, filter_by_department)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		rule.CategoryID,
		rule.CorrectionTypeID,
		rule.CurrentStatusID,
		rule.RoleID,
		rule.Action,
		string(rule.ActionType),
		rule.NextStatusID,
		rule.StepSequence,
		rule.FilterByDepartment,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConfiguration,
			"a rule for this category, correction type, status, action and role already exists")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create transition rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *TransitionRulesRepository) GetByID(ctx context.Context, q database.Querier, id int64) (*TransitionRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM transition_rules r
		LEFT JOIN correction_types ct ON ct.id = r.correction_type_id
		WHERE r.id = $1
	`

	rule, err := scanRule(q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("transition_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get transition rule")
	}
	return rule, nil
}

// ListByCategory returns every rule of a category.
func (r *TransitionRulesRepository) ListByCategory(ctx context.Context, q database.Querier, categoryID int64) ([]*TransitionRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM transition_rules r
		LEFT JOIN correction_types ct ON ct.id = r.correction_type_id
		WHERE r.category_id = $1
		ORDER BY r.current_status_id, r.step_sequence, r.action, r.role_id, r.id
	`

	rows, err := q.Query(ctx, query, categoryID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list transition rules")
	}
	defer rows.Close()

	return scanRules(rows)
}

// ListForStatus returns the candidate rules leaving a status: every general
// rule plus the specific rules for the given correction types, each carrying
// its correction-type priority.
func (r *TransitionRulesRepository) ListForStatus(
	ctx context.Context,
	q database.Querier,
	categoryID, statusID int64,
	correctionTypeIDs []int64,
) ([]*TransitionRule, error) {
	if correctionTypeIDs == nil {
		correctionTypeIDs = []int64{}
	}

	query := `SELECT ` + ruleColumns + `
		FROM transition_rules r
		LEFT JOIN correction_types ct ON ct.id = r.correction_type_id
		WHERE r.category_id = $1
		  AND r.current_status_id = $2
		  AND (r.correction_type_id IS NULL OR r.correction_type_id = ANY($3))
		ORDER BY r.action, r.role_id, ct.priority NULLS LAST, r.id
	`

	rows, err := q.Query(ctx, query, categoryID, statusID, correctionTypeIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load transition rules")
	}
	defer rows.Close()

	return scanRules(rows)
}

// Update persists changes to an existing rule.
func (r *TransitionRulesRepository) Update(ctx context.Context, q database.Querier, rule *TransitionRule) error {
	query := `
		UPDATE transition_rules
		SET correction_type_id   = $2,
		    current_status_id    = $3,
		    role_id              = $4,
		    action               = $5,
		    action_type          = $6,
		    next_status_id       = $7,
		    step_sequence        = $8,
		    filter_by_department = $9,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.QueryRow(ctx, query,
		rule.ID,
		rule.CorrectionTypeID,
		rule.CurrentStatusID,
		rule.RoleID,
		rule.Action,
		string(rule.ActionType),
		rule.NextStatusID,
		rule.StepSequence,
		rule.FilterByDepartment,
	).Scan(&rule.UpdatedAt)

	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		return errors.NotFound("transition_rule", rule.ID)
	case database.IsUniqueViolation(err):
		return errors.New(errors.ErrCodeConfiguration,
			"a rule for this category, correction type, status, action and role already exists")
	case err != nil:
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update transition rule")
	}
	return nil
}

// Delete removes a rule.
func (r *TransitionRulesRepository) Delete(ctx context.Context, q database.Querier, id int64) error {
	tag, err := q.Exec(ctx, `DELETE FROM transition_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete transition rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("transition_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*TransitionRule, error) {
	rule := &TransitionRule{}
	var actionType string

	err := row.Scan(
		&rule.ID,
		&rule.CategoryID,
		&rule.CorrectionTypeID,
		&rule.CorrectionPriority,
		&rule.CurrentStatusID,
		&rule.RoleID,
		&rule.Action,
		&actionType,
		&rule.NextStatusID,
		&rule.StepSequence,
		&rule.FilterByDepartment,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.ActionType = ActionType(actionType)
	return rule, nil
}

func scanRules(rows pgx.Rows) ([]*TransitionRule, error) {
	var rules []*TransitionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan transition rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read transition rules")
	}
	return rules, nil
}
