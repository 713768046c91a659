// 文件路径: internal/service/admin_user.go
// 模块说明: 管理员视角的用户与用户组管理。
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/creamcroissant/nodeboard/internal/repository"
	"github.com/creamcroissant/nodeboard/internal/support/hash"
)

const minPasswordLength = 8

// AdminUserService 提供管理员专用的用户与分组管理流程。
type AdminUserService interface {
	Fetch(ctx context.Context, input AdminUserFetchInput) (*AdminUserFetchResult, error)
	GetByID(ctx context.Context, id int64) (*AdminUserView, error)
	Create(ctx context.Context, input AdminUserCreateInput) (*AdminUserView, error)
	Update(ctx context.Context, id int64, input AdminUserUpdateInput) (*AdminUserView, error)
	// Delete removes a user; actorID is the admin performing the call.
	Delete(ctx context.Context, actorID, id int64) error

	Groups(ctx context.Context) ([]UserGroupView, error)
	CreateGroup(ctx context.Context, input UserGroupInput) (*UserGroupView, error)
	UpdateGroup(ctx context.Context, id int64, input UserGroupInput) (*UserGroupView, error)
	DeleteGroup(ctx context.Context, id int64) error
}

// AdminUserFetchInput 控制列表分页与过滤条件。
type AdminUserFetchInput struct {
	Keyword  string
	GroupID  *int64
	Page     int
	PageSize int
}

// AdminUserFetchResult 分页用户列表。
type AdminUserFetchResult struct {
	Items []AdminUserView `json:"items"`
	Total int64           `json:"total"`
}

// AdminUserCreateInput creates a panel account.
type AdminUserCreateInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
	GroupID  *int64 `json:"group_id"`
}

// AdminUserUpdateInput 可部分更新的字段，nil 表示不修改。
type AdminUserUpdateInput struct {
	Email    *string `json:"email"`
	Password *string `json:"password"`
	IsAdmin  *bool   `json:"is_admin"`
	Banned   *bool   `json:"banned"`
	GroupID  *int64  `json:"group_id"`
	// ClearGroup removes the group assignment.
	ClearGroup bool `json:"clear_group"`
}

// AdminUserView 管理端用户视图，不含密码。
type AdminUserView struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Email       string `json:"email"`
	GroupID     *int64 `json:"group_id"`
	IsAdmin     bool   `json:"is_admin"`
	Banned      bool   `json:"banned"`
	LastLoginAt *int64 `json:"last_login_at"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// UserGroupInput creates or renames a group.
type UserGroupInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UserGroupView 用户组视图。
type UserGroupView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

type adminUserService struct {
	users  repository.UserRepository
	groups repository.UserGroupRepository
	hasher hash.Hasher
	logger *slog.Logger
}

// NewAdminUserService wires user administration.
func NewAdminUserService(users repository.UserRepository, groups repository.UserGroupRepository, hasher hash.Hasher, logger *slog.Logger) AdminUserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &adminUserService{users: users, groups: groups, hasher: hasher, logger: logger}
}

func (s *adminUserService) configured() error {
	if s == nil || s.users == nil || s.groups == nil || s.hasher == nil {
		return fmt.Errorf("admin user service not configured / 用户管理服务未配置")
	}
	return nil
}

func (s *adminUserService) Fetch(ctx context.Context, input AdminUserFetchInput) (*AdminUserFetchResult, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	limit, offset := paginate(input.Page, input.PageSize)
	filter := repository.UserFilter{
		Keyword: strings.TrimSpace(input.Keyword),
		GroupID: input.GroupID,
		Limit:   limit,
		Offset:  offset,
	}
	users, err := s.users.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	total, err := s.users.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	items := make([]AdminUserView, 0, len(users))
	for _, user := range users {
		items = append(items, *newAdminUserView(user))
	}
	return &AdminUserFetchResult{Items: items, Total: total}, nil
}

func (s *adminUserService) GetByID(ctx context.Context, id int64) (*AdminUserView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return newAdminUserView(user), nil
}

func (s *adminUserService) Create(ctx context.Context, input AdminUserCreateInput) (*AdminUserView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	var v validator
	email := normalizeEmail(input.Email)
	v.check(email != "", "email", "invalid email")
	v.check(len(input.Password) >= minPasswordLength, "password", fmt.Sprintf("at least %d characters", minPasswordLength))
	if err := s.checkGroup(ctx, input.GroupID, &v); err != nil {
		return nil, err
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	hashed, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}
	user := &repository.User{
		UUID:     uuid.NewString(),
		Email:    email,
		Password: hashed,
		GroupID:  input.GroupID,
		IsAdmin:  input.IsAdmin,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("user created", "user_id", user.ID, "is_admin", user.IsAdmin)
	return newAdminUserView(user), nil
}

func (s *adminUserService) Update(ctx context.Context, id int64, input AdminUserUpdateInput) (*AdminUserView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "user")
	}

	var v validator
	if input.Email != nil {
		email := normalizeEmail(*input.Email)
		v.check(email != "", "email", "invalid email")
		user.Email = email
	}
	if input.Password != nil {
		if len(*input.Password) < minPasswordLength {
			v.add("password", fmt.Sprintf("at least %d characters", minPasswordLength))
		} else {
			hashed, err := s.hasher.Hash(*input.Password)
			if err != nil {
				return nil, err
			}
			user.Password = hashed
		}
	}
	if err := s.checkGroup(ctx, input.GroupID, &v); err != nil {
		return nil, err
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	if input.IsAdmin != nil {
		user.IsAdmin = *input.IsAdmin
	}
	if input.Banned != nil {
		user.Banned = *input.Banned
	}
	switch {
	case input.ClearGroup:
		user.GroupID = nil
	case input.GroupID != nil:
		user.GroupID = input.GroupID
	}

	if err := s.users.Update(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailExists
		}
		return nil, notFound(err, "user")
	}
	return newAdminUserView(user), nil
}

func (s *adminUserService) Delete(ctx context.Context, actorID, id int64) error {
	if err := s.configured(); err != nil {
		return err
	}
	if actorID == id {
		return ErrSelfDelete
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return notFound(err, "user")
	}
	s.logger.Info("user deleted", "user_id", id, "actor_id", actorID)
	return nil
}

func (s *adminUserService) checkGroup(ctx context.Context, groupID *int64, v *validator) error {
	if groupID == nil {
		return nil
	}
	if _, err := s.groups.FindByID(ctx, *groupID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			v.add("group_id", "group does not exist")
			return nil
		}
		return err
	}
	return nil
}

func (s *adminUserService) Groups(ctx context.Context) ([]UserGroupView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	groups, err := s.groups.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	views := make([]UserGroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, newUserGroupView(g))
	}
	return views, nil
}

func (s *adminUserService) CreateGroup(ctx context.Context, input UserGroupInput) (*UserGroupView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, &ValidationError{Fields: map[string]string{"name": "required"}}
	}
	group := &repository.UserGroup{Name: name, Description: strings.TrimSpace(input.Description)}
	if err := s.groups.Create(ctx, group); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: group name taken / 分组名称已存在", ErrStateConflict)
		}
		return nil, fmt.Errorf("create group: %w", err)
	}
	view := newUserGroupView(group)
	return &view, nil
}

func (s *adminUserService) UpdateGroup(ctx context.Context, id int64, input UserGroupInput) (*UserGroupView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "group")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, &ValidationError{Fields: map[string]string{"name": "required"}}
	}
	group.Name = name
	group.Description = strings.TrimSpace(input.Description)
	if err := s.groups.Update(ctx, group); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: group name taken / 分组名称已存在", ErrStateConflict)
		}
		return nil, notFound(err, "group")
	}
	view := newUserGroupView(group)
	return &view, nil
}

// DeleteGroup detaches members and plan targets (ON DELETE SET NULL).
func (s *adminUserService) DeleteGroup(ctx context.Context, id int64) error {
	if err := s.configured(); err != nil {
		return err
	}
	if err := s.groups.Delete(ctx, id); err != nil {
		return notFound(err, "group")
	}
	return nil
}

func newAdminUserView(user *repository.User) *AdminUserView {
	return &AdminUserView{
		ID:          user.ID,
		UUID:        user.UUID,
		Email:       user.Email,
		GroupID:     user.GroupID,
		IsAdmin:     user.IsAdmin,
		Banned:      user.Banned,
		LastLoginAt: user.LastLoginAt,
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}
}

func newUserGroupView(g *repository.UserGroup) UserGroupView {
	return UserGroupView{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}
