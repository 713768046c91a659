// 文件路径: internal/service/errors.go
// 模块说明: 服务层的哨兵错误与字段校验错误，handler 据此映射 HTTP 状态码。
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates requested resource does not exist.
	ErrNotFound = errors.New("service: not found / 未找到资源")
	// ErrInvalidCredentials indicates provided credentials are wrong.
	ErrInvalidCredentials = errors.New("service: invalid credentials / 凭证无效")
	// ErrRateLimited indicates caller exceeded allowed attempts.
	ErrRateLimited = errors.New("service: rate limited / 请求过于频繁")
	// ErrAccountDisabled indicates the account is disabled or banned.
	ErrAccountDisabled = errors.New("service: account disabled / 账号已禁用")
	// ErrUnauthorized indicates missing or invalid auth tokens.
	ErrUnauthorized = errors.New("service: unauthorized / 未授权")
	// ErrForbidden indicates the caller may not touch the resource.
	ErrForbidden = errors.New("service: forbidden / 无权访问")
	// ErrStateConflict indicates the entity is not in a state that allows the operation.
	ErrStateConflict = errors.New("service: state conflict / 状态冲突")
	// ErrPlanUnavailable indicates the plan cannot be requested.
	ErrPlanUnavailable = errors.New("service: plan unavailable / 套餐不可用")
	// ErrSubscriptionInactive indicates the subscription token is not serving content.
	ErrSubscriptionInactive = errors.New("service: subscription not active / 订阅未激活")
	// ErrRevokeIncomplete indicates an expired subscription is still present on
	// at least one node; the expiry job retries it.
	ErrRevokeIncomplete = errors.New("service: revoke incomplete / 节点回收未完成")
)

var (
	// ErrPlanInUse indicates subscriptions still reference the plan.
	ErrPlanInUse = fmt.Errorf("%w: plan has subscriptions / 套餐仍有订阅", ErrStateConflict)
	// ErrDuplicateNode indicates address+port+protocol already registered.
	ErrDuplicateNode = fmt.Errorf("%w: node already exists / 节点已存在", ErrStateConflict)
	// ErrDuplicateSubscription indicates an open subscription for the same plan exists.
	ErrDuplicateSubscription = fmt.Errorf("%w: subscription already open / 已有进行中的订阅", ErrStateConflict)
	// ErrEmailExists indicates email already registered.
	ErrEmailExists = fmt.Errorf("%w: email already exists / 邮箱已存在", ErrStateConflict)
	// ErrSelfDelete indicates an admin tried to delete their own account.
	ErrSelfDelete = fmt.Errorf("%w: cannot delete yourself / 不能删除自己", ErrStateConflict)
)

// ValidationError 汇总字段级校验失败。
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed / 参数校验失败"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed / 参数校验失败: " + strings.Join(parts, "; ")
}

type validator struct {
	fields map[string]string
}

func (v *validator) add(field, message string) {
	if v.fields == nil {
		v.fields = make(map[string]string)
	}
	if _, exists := v.fields[field]; !exists {
		v.fields[field] = message
	}
}

func (v *validator) check(ok bool, field, message string) {
	if !ok {
		v.add(field, message)
	}
}

func (v *validator) err() error {
	if len(v.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: v.fields}
}
