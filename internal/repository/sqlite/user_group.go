package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

type userGroupRepo struct {
	db *sql.DB
}

func (r *userGroupRepo) FindByID(ctx context.Context, id int64) (*repository.UserGroup, error) {
	var g repository.UserGroup
	err := r.db.QueryRowContext(ctx, `SELECT id, name, description, created_at, updated_at FROM user_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *userGroupRepo) Create(ctx context.Context, group *repository.UserGroup) error {
	now := time.Now().Unix()
	group.CreatedAt = now
	group.UpdatedAt = now
	res, err := r.db.ExecContext(ctx, `INSERT INTO user_groups (name, description, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		group.Name, group.Description, group.CreatedAt, group.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	group.ID, err = res.LastInsertId()
	return err
}

func (r *userGroupRepo) Update(ctx context.Context, group *repository.UserGroup) error {
	group.UpdatedAt = time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `UPDATE user_groups SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		group.Name, group.Description, group.UpdatedAt, group.ID)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

func (r *userGroupRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_groups WHERE id = ?`, id)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

func (r *userGroupRepo) List(ctx context.Context) ([]*repository.UserGroup, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description, created_at, updated_at FROM user_groups ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*repository.UserGroup
	for rows.Next() {
		var g repository.UserGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}
