// 文件路径: internal/repository/sqlite/subscription.go
// 模块说明: 订阅仓储；状态迁移使用 WHERE status = ? 的比较并交换写法。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

type subscriptionRepo struct {
	db *sql.DB
}

const subscriptionColumns = `id, user_id, plan_id, status, token, start_at, end_at, used_traffic_gb, total_traffic_gb, device_count, revoked_at, created_at, updated_at`

func (r *subscriptionRepo) FindByID(ctx context.Context, id int64) (*repository.Subscription, error) {
	return r.findOne(ctx, r.db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *subscriptionRepo) FindByToken(ctx context.Context, token string) (*repository.Subscription, error) {
	if strings.TrimSpace(token) == "" {
		return nil, repository.ErrNotFound
	}
	return r.findOne(ctx, r.db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE token = ?`, token)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *subscriptionRepo) findOne(ctx context.Context, q queryRower, query string, args ...any) (*repository.Subscription, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return sub, err
}

func (r *subscriptionRepo) Create(ctx context.Context, sub *repository.Subscription) error {
	if sub == nil {
		return errors.New("subscription is nil / subscription 为空")
	}
	if sub.Status == "" {
		sub.Status = repository.SubscriptionPending
	}
	now := time.Now().Unix()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	res, err := r.db.ExecContext(ctx, `INSERT INTO subscriptions (user_id, plan_id, status, token, start_at, end_at, used_traffic_gb, total_traffic_gb, device_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.PlanID, sub.Status, sub.Token, nullableInt(sub.StartAt), nullableInt(sub.EndAt),
		sub.UsedTrafficGB, sub.TotalTrafficGB, sub.DeviceCount, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sub.ID = id
	return nil
}

func subscriptionWhere(filter repository.SubscriptionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.UserID != nil {
		clauses = append(clauses, `user_id = ?`)
		args = append(args, *filter.UserID)
	}
	if filter.PlanID != nil {
		clauses = append(clauses, `plan_id = ?`)
		args = append(args, *filter.PlanID)
	}
	if filter.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, filter.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, " AND "), args
}

func (r *subscriptionRepo) List(ctx context.Context, filter repository.SubscriptionFilter) ([]*repository.Subscription, error) {
	where, args := subscriptionWhere(filter)
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions` + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return r.list(ctx, query, args...)
}

func (r *subscriptionRepo) Count(ctx context.Context, filter repository.SubscriptionFilter) (int64, error) {
	where, args := subscriptionWhere(filter)
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM subscriptions`+where, args...).Scan(&total)
	return total, err
}

func (r *subscriptionRepo) ListActiveAt(ctx context.Context, now int64) ([]*repository.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND start_at <= ? AND end_at >= ? ORDER BY id ASC`, repository.SubscriptionActive, now, now)
}

func (r *subscriptionRepo) ListExpiredAt(ctx context.Context, now int64) ([]*repository.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND end_at < ? ORDER BY id ASC`, repository.SubscriptionActive, now)
}

func (r *subscriptionRepo) ListUnrevoked(ctx context.Context, before int64) ([]*repository.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND revoked_at IS NULL AND updated_at < ? ORDER BY id ASC`, repository.SubscriptionExpired, before)
}

func (r *subscriptionRepo) MarkRevoked(ctx context.Context, id int64, at int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET revoked_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		at, time.Now().Unix(), id, repository.SubscriptionExpired)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *subscriptionRepo) list(ctx context.Context, query string, args ...any) ([]*repository.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*repository.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *subscriptionRepo) Activate(ctx context.Context, id int64, startAt, endAt int64, totalTrafficGB float64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE subscriptions
		SET status = ?, start_at = ?, end_at = ?, total_traffic_gb = ?, used_traffic_gb = 0, device_count = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		repository.SubscriptionActive, startAt, endAt, totalTrafficGB, time.Now().Unix(), id, repository.SubscriptionPending)
	if err != nil {
		return false, mapConstraintError(err)
	}
	return r.swapped(ctx, res, id)
}

func (r *subscriptionRepo) Transition(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().Unix(), id, from)
	if err != nil {
		return false, mapConstraintError(err)
	}
	return r.swapped(ctx, res, id)
}

// swapped distinguishes "row missing" (ErrNotFound) from "precondition failed" (false, nil).
func (r *subscriptionRepo) swapped(ctx context.Context, res sql.Result, id int64) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func (r *subscriptionRepo) RecordUsage(ctx context.Context, log *repository.TrafficLog, deltaGB float64) (*repository.Subscription, error) {
	if log == nil {
		return nil, errors.New("traffic log is nil / 流量日志为空")
	}
	if log.RecordedAt == 0 {
		log.RecordedAt = time.Now().Unix()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE subscriptions SET used_traffic_gb = used_traffic_gb + ?, updated_at = ? WHERE id = ?`,
		deltaGB, log.RecordedAt, log.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if err := affectedOrNotFound(res); err != nil {
		return nil, err
	}
	res, err = tx.ExecContext(ctx, `INSERT INTO traffic_logs (subscription_id, node_id, uplink, downlink, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		log.SubscriptionID, log.NodeID, log.Uplink, log.Downlink, log.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("insert traffic log: %w", mapConstraintError(err))
	}
	if log.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	sub, err := r.findOne(ctx, tx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, log.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *subscriptionRepo) SetDeviceCount(ctx context.Context, id int64, count int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET device_count = ?, updated_at = ? WHERE id = ?`, count, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *subscriptionRepo) CountByPlan(ctx context.Context, planID int64) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM subscriptions WHERE plan_id = ?`, planID).Scan(&total)
	return total, err
}

func scanSubscription(row scanner) (*repository.Subscription, error) {
	var (
		sub     repository.Subscription
		startAt   sql.NullInt64
		endAt     sql.NullInt64
		revokedAt sql.NullInt64
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.Token, &startAt, &endAt,
		&sub.UsedTrafficGB, &sub.TotalTrafficGB, &sub.DeviceCount, &revokedAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.StartAt = nullableIntPtr(startAt)
	sub.EndAt = nullableIntPtr(endAt)
	sub.RevokedAt = nullableIntPtr(revokedAt)
	return &sub, nil
}
