// 文件路径: internal/repository/sqlite/node.go
// 模块说明: 节点仓储；创建后仅允许修改名称、标签与启用状态。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

type nodeRepo struct {
	db *sql.DB
}

const nodeColumns = `id, name, type, address, port, credential, tags, active, last_checked_at, last_error, created_at, updated_at`

func (r *nodeRepo) FindByID(ctx context.Context, id int64) (*repository.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return node, err
}

func (r *nodeRepo) Create(ctx context.Context, node *repository.Node) error {
	if node == nil {
		return errors.New("node is nil / node 为空")
	}
	tags, err := encodeStringSlice(node.Tags)
	if err != nil {
		return err
	}
	credential := string(node.Credential)
	if credential == "" {
		credential = "{}"
	}
	now := time.Now().Unix()
	node.CreatedAt = now
	node.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `INSERT INTO nodes (name, type, address, port, credential, tags, active, last_checked_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.Name, node.Type, node.Address, node.Port, credential, tags, boolToInt(node.Active),
		nullableInt(node.LastCheckedAt), node.LastError, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	node.ID = id
	return nil
}

// Update persists name, tags and active only; endpoint and credential columns are never rewritten.
func (r *nodeRepo) Update(ctx context.Context, node *repository.Node) error {
	if node == nil {
		return errors.New("node is nil / node 为空")
	}
	tags, err := encodeStringSlice(node.Tags)
	if err != nil {
		return err
	}
	node.UpdatedAt = time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `UPDATE nodes SET name = ?, tags = ?, active = ?, updated_at = ? WHERE id = ?`,
		node.Name, tags, boolToInt(node.Active), node.UpdatedAt, node.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *nodeRepo) RecordHealth(ctx context.Context, id int64, checkedAt int64, lastError string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE nodes SET last_checked_at = ?, last_error = ? WHERE id = ?`, checkedAt, lastError, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// Delete removes the node; traffic logs cascade through the foreign key.
func (r *nodeRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

func (r *nodeRepo) List(ctx context.Context, filter repository.NodeFilter) ([]*repository.Node, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Active != nil {
		clauses = append(clauses, `active = ?`)
		args = append(args, boolToInt(*filter.Active))
	}
	if tag := strings.TrimSpace(filter.Tag); tag != "" {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM json_each(nodes.tags) WHERE json_each.value = ?)`)
		args = append(args, tag)
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*repository.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func scanNode(row scanner) (*repository.Node, error) {
	var (
		node        repository.Node
		credential  string
		tags        string
		active      int
		lastChecked sql.NullInt64
	)
	if err := row.Scan(&node.ID, &node.Name, &node.Type, &node.Address, &node.Port, &credential, &tags, &active,
		&lastChecked, &node.LastError, &node.CreatedAt, &node.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeStringSlice(tags)
	if err != nil {
		return nil, err
	}
	node.Tags = decoded
	node.Credential = []byte(credential)
	node.Active = active == 1
	node.LastCheckedAt = nullableIntPtr(lastChecked)
	return &node, nil
}
