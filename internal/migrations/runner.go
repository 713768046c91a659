// 文件路径: internal/migrations/runner.go
// 模块说明: goose 迁移入口，迁移文件嵌入在 sqlite/ 目录。
package migrations

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

const dir = "sqlite"

func setup() error {
	goose.SetBaseFS(SQLite)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

// Up migrates the SQLite schema to the latest version.
func Up(db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.Up(db, dir)
}

// Down rolls back a single migration.
func Down(db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.Down(db, dir)
}

// Status prints migration status.
func Status(db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.Status(db, dir)
}

// Version returns the current schema version.
func Version(db *sql.DB) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db)
}
