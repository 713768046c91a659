package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

type trafficLogRepo struct {
	db *sql.DB
}

func trafficLogWhere(filter repository.TrafficLogFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.SubscriptionID != nil {
		clauses = append(clauses, `subscription_id = ?`)
		args = append(args, *filter.SubscriptionID)
	}
	if filter.NodeID != nil {
		clauses = append(clauses, `node_id = ?`)
		args = append(args, *filter.NodeID)
	}
	if filter.Since > 0 {
		clauses = append(clauses, `recorded_at >= ?`)
		args = append(args, filter.Since)
	}
	if filter.Until > 0 {
		clauses = append(clauses, `recorded_at < ?`)
		args = append(args, filter.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, " AND "), args
}

func (r *trafficLogRepo) List(ctx context.Context, filter repository.TrafficLogFilter) ([]*repository.TrafficLog, error) {
	where, args := trafficLogWhere(filter)
	query := `SELECT id, subscription_id, node_id, uplink, downlink, recorded_at FROM traffic_logs` + where + ` ORDER BY recorded_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*repository.TrafficLog
	for rows.Next() {
		var l repository.TrafficLog
		if err := rows.Scan(&l.ID, &l.SubscriptionID, &l.NodeID, &l.Uplink, &l.Downlink, &l.RecordedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (r *trafficLogRepo) Count(ctx context.Context, filter repository.TrafficLogFilter) (int64, error) {
	where, args := trafficLogWhere(filter)
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM traffic_logs`+where, args...).Scan(&total)
	return total, err
}

func (r *trafficLogRepo) SumByNode(ctx context.Context, since int64) ([]repository.TrafficTotal, error) {
	return r.sum(ctx, "node_id", since)
}

func (r *trafficLogRepo) SumBySubscription(ctx context.Context, since int64) ([]repository.TrafficTotal, error) {
	return r.sum(ctx, "subscription_id", since)
}

// column is one of two fixed identifiers, never user input.
func (r *trafficLogRepo) sum(ctx context.Context, column string, since int64) ([]repository.TrafficTotal, error) {
	query := `SELECT ` + column + `, COALESCE(SUM(uplink), 0), COALESCE(SUM(downlink), 0), COUNT(1)
		FROM traffic_logs WHERE recorded_at >= ? GROUP BY ` + column + ` ORDER BY ` + column + ` ASC`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []repository.TrafficTotal
	for rows.Next() {
		var t repository.TrafficTotal
		if err := rows.Scan(&t.Key, &t.Uplink, &t.Downlink, &t.Samples); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (r *trafficLogRepo) DeleteBefore(ctx context.Context, before int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM traffic_logs WHERE recorded_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
