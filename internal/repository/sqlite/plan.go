package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

type planRepo struct {
	db *sql.DB
}

const planColumns = `id, name, description, duration_days, traffic_gb, device_limit, price_cents, node_tags, node_ids, target_group_id, active, created_at, updated_at`

func (r *planRepo) FindByID(ctx context.Context, id int64) (*repository.Plan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return plan, err
}

func (r *planRepo) Create(ctx context.Context, plan *repository.Plan) error {
	if plan == nil {
		return errors.New("plan 不能为空")
	}
	tags, ids, err := encodeCriteria(plan.Criteria)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	res, err := r.db.ExecContext(ctx, `INSERT INTO plans (name, description, duration_days, traffic_gb, device_limit, price_cents, node_tags, node_ids, target_group_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.Name, plan.Description, plan.DurationDays, plan.TrafficGB, plan.DeviceLimit, nullableInt(plan.PriceCents),
		tags, ids, nullableInt(plan.TargetGroupID), boolToInt(plan.Active), plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	plan.ID = id
	return nil
}

func (r *planRepo) Update(ctx context.Context, plan *repository.Plan) error {
	if plan == nil {
		return errors.New("plan 不能为空")
	}
	tags, ids, err := encodeCriteria(plan.Criteria)
	if err != nil {
		return err
	}
	plan.UpdatedAt = time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `UPDATE plans SET name = ?, description = ?, duration_days = ?, traffic_gb = ?, device_limit = ?, price_cents = ?,
		node_tags = ?, node_ids = ?, target_group_id = ?, active = ?, updated_at = ? WHERE id = ?`,
		plan.Name, plan.Description, plan.DurationDays, plan.TrafficGB, plan.DeviceLimit, nullableInt(plan.PriceCents),
		tags, ids, nullableInt(plan.TargetGroupID), boolToInt(plan.Active), plan.UpdatedAt, plan.ID)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

// Delete fails with repository.ErrInUse while subscriptions still reference the plan.
func (r *planRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

func (r *planRepo) List(ctx context.Context, activeOnly bool) ([]*repository.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*repository.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func encodeCriteria(c repository.NodeCriteria) (string, string, error) {
	tags, err := encodeStringSlice(c.Tags)
	if err != nil {
		return "", "", err
	}
	ids, err := encodeInt64Slice(c.NodeIDs)
	if err != nil {
		return "", "", err
	}
	return tags, ids, nil
}

func scanPlan(row scanner) (*repository.Plan, error) {
	var (
		plan        repository.Plan
		priceCents  sql.NullInt64
		targetGroup sql.NullInt64
		tags        string
		ids         string
		active      int
	)
	if err := row.Scan(&plan.ID, &plan.Name, &plan.Description, &plan.DurationDays, &plan.TrafficGB, &plan.DeviceLimit,
		&priceCents, &tags, &ids, &targetGroup, &active, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if plan.Criteria.Tags, err = decodeStringSlice(tags); err != nil {
		return nil, err
	}
	if plan.Criteria.NodeIDs, err = decodeInt64Slice(ids); err != nil {
		return nil, err
	}
	plan.PriceCents = nullableIntPtr(priceCents)
	plan.TargetGroupID = nullableIntPtr(targetGroup)
	plan.Active = active == 1
	return &plan, nil
}
