package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// UserRepository is the user and role directory.
type UserRepository struct{}

// NewUserRepository creates a new UserRepository.
func NewUserRepository() *UserRepository {
	return &UserRepository{}
}

// FindByID returns a user with its primary role name.
func (r *UserRepository) FindByID(ctx context.Context, q database.Querier, id int64) (*User, error) {
	u := &User{}
	err := q.QueryRow(ctx, `
		SELECT u.id, u.role_id, ro.name, u.department_id, u.is_active, u.email, u.full_name
		FROM users u
		JOIN roles ro ON ro.id = u.role_id
		WHERE u.id = $1`, id,
	).Scan(&u.ID, &u.RoleID, &u.RoleName, &u.DepartmentID, &u.IsActive, &u.Email, &u.FullName)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// FindActiveByIDs returns the active users among ids, ordered by id.
func (r *UserRepository) FindActiveByIDs(ctx context.Context, q database.Querier, ids []int64) ([]UserRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, `
		SELECT id, email, full_name
		FROM users
		WHERE id = ANY($1) AND is_active
		ORDER BY id`, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get users")
	}
	return collectUserRefs(rows)
}

// FindUsersByRoleAndCategory returns the active users holding roleID, either
// as primary role or as a special role, that are permitted for categoryID.
// With filterByDept set, only users of deptID or without a department match.
func (r *UserRepository) FindUsersByRoleAndCategory(
	ctx context.Context,
	q database.Querier,
	roleID, categoryID int64,
	filterByDept bool,
	deptID *int64,
) ([]UserRef, error) {
	rows, err := q.Query(ctx, `
		SELECT u.id, u.email, u.full_name
		FROM users u
		JOIN user_categories uc ON uc.user_id = u.id AND uc.category_id = $2
		WHERE u.is_active
		  AND (u.role_id = $1
		       OR EXISTS (SELECT 1 FROM user_special_roles sr
		                  WHERE sr.user_id = u.id AND sr.role_id = $1))
		  AND (NOT $3 OR u.department_id IS NULL OR u.department_id = $4)
		ORDER BY u.id`, roleID, categoryID, filterByDept, deptID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find users by role")
	}
	return collectUserRefs(rows)
}

// SpecialRoles returns the ad-hoc roles granted to a user.
func (r *UserRepository) SpecialRoles(ctx context.Context, q database.Querier, userID int64) ([]int64, error) {
	rows, err := q.Query(ctx, `
		SELECT role_id FROM user_special_roles WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get special roles")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan special roles")
	}
	return ids, nil
}

func collectUserRefs(rows pgx.Rows) ([]UserRef, error) {
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (UserRef, error) {
		var ref UserRef
		err := row.Scan(&ref.ID, &ref.Email, &ref.FullName)
		return ref, err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan users")
	}
	return refs, nil
}
