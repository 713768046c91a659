// 文件路径: internal/repository/errors.go
// 模块说明: 仓储层的哨兵错误。
package repository

import "errors"

var (
	// ErrNotFound 表示查询未返回数据。
	ErrNotFound = errors.New("not found / 未找到数据")
	// ErrConflict 表示唯一约束冲突（重复节点、重复订阅等）。
	ErrConflict = errors.New("conflict / 数据冲突")
	// ErrInUse 表示记录仍被引用，无法删除。
	ErrInUse = errors.New("still referenced / 数据仍被引用")
)
