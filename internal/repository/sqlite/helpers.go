// 文件路径: internal/repository/sqlite/helpers.go
// 模块说明: SQLite 仓储通用的转换与错误映射。
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/repository"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableIntPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func encodeStringSlice(s []string) (string, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStringSlice(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var res []string
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return nil, err
	}
	return res, nil
}

func encodeInt64Slice(s []int64) (string, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeInt64Slice(s string) ([]int64, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var res []int64
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return nil, err
	}
	return res, nil
}

// mapConstraintError converts SQLite constraint failures into repository sentinels.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *msqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return errors.Join(repository.ErrConflict, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return errors.Join(repository.ErrInUse, err)
	}
	// primary result code only; fall back to the message
	if sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		msg := sqlErr.Error()
		switch {
		case strings.Contains(msg, "FOREIGN KEY"):
			return errors.Join(repository.ErrInUse, err)
		case strings.Contains(msg, "UNIQUE"):
			return errors.Join(repository.ErrConflict, err)
		}
	}
	return err
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
