package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

type userRepo struct {
	db *sql.DB
}

const userColumns = `id, uuid, email, password, group_id, is_admin, banned, last_login_at, created_at, updated_at`

func (r *userRepo) FindByID(ctx context.Context, id int64) (*repository.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return user, err
}

func (r *userRepo) FindByEmail(ctx context.Context, email string) (*repository.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return user, err
}

func (r *userRepo) Create(ctx context.Context, user *repository.User) error {
	if user == nil {
		return errors.New("user is nil / user 为空")
	}
	now := time.Now().Unix()
	user.CreatedAt = now
	user.UpdatedAt = now
	res, err := r.db.ExecContext(ctx, `INSERT INTO users (uuid, email, password, group_id, is_admin, banned, last_login_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UUID, user.Email, user.Password, nullableInt(user.GroupID), boolToInt(user.IsAdmin), boolToInt(user.Banned),
		nullableInt(user.LastLoginAt), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	user.ID = id
	return nil
}

func (r *userRepo) Update(ctx context.Context, user *repository.User) error {
	if user == nil {
		return errors.New("user is nil / user 为空")
	}
	user.UpdatedAt = time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `UPDATE users SET email = ?, password = ?, group_id = ?, is_admin = ?, banned = ?, updated_at = ? WHERE id = ?`,
		user.Email, user.Password, nullableInt(user.GroupID), boolToInt(user.IsAdmin), boolToInt(user.Banned), user.UpdatedAt, user.ID)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

func (r *userRepo) SetGroup(ctx context.Context, userID int64, groupID *int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET group_id = ?, updated_at = ? WHERE id = ?`, nullableInt(groupID), time.Now().Unix(), userID)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

func (r *userRepo) TouchLogin(ctx context.Context, userID int64, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, at, userID)
	return err
}

func (r *userRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return mapConstraintError(err)
	}
	return affectedOrNotFound(res)
}

func userWhere(filter repository.UserFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if kw := strings.TrimSpace(filter.Keyword); kw != "" {
		clauses = append(clauses, `(email LIKE ? OR uuid = ?)`)
		args = append(args, "%"+kw+"%", kw)
	}
	if filter.GroupID != nil {
		clauses = append(clauses, `group_id = ?`)
		args = append(args, *filter.GroupID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *userRepo) List(ctx context.Context, filter repository.UserFilter) ([]*repository.User, error) {
	where, args := userWhere(filter)
	query := `SELECT ` + userColumns + ` FROM users` + where + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*repository.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *userRepo) Count(ctx context.Context, filter repository.UserFilter) (int64, error) {
	where, args := userWhere(filter)
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users`+where, args...).Scan(&total)
	return total, err
}

func (r *userRepo) HasAdmin(ctx context.Context) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE is_admin = 1)`).Scan(&exists)
	return exists == 1, err
}

func scanUser(row scanner) (*repository.User, error) {
	var (
		user      repository.User
		groupID   sql.NullInt64
		lastLogin sql.NullInt64
		isAdmin   int
		banned    int
	)
	if err := row.Scan(&user.ID, &user.UUID, &user.Email, &user.Password, &groupID, &isAdmin, &banned, &lastLogin, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.GroupID = nullableIntPtr(groupID)
	user.LastLoginAt = nullableIntPtr(lastLogin)
	user.IsAdmin = isAdmin == 1
	user.Banned = banned == 1
	return &user, nil
}
