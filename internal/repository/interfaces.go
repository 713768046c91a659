// 文件路径: internal/repository/interfaces.go
// 模块说明: 每个聚合根对应的仓储接口。
package repository

import "context"

// Store 暴露每个聚合根对应的仓储接口。
type Store interface {
	Users() UserRepository
	UserGroups() UserGroupRepository
	Nodes() NodeRepository
	Plans() PlanRepository
	Subscriptions() SubscriptionRepository
	TrafficLogs() TrafficLogRepository
}

// UserRepository 定义用户相关数据访问方法。
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, user *User) error
	Update(ctx context.Context, user *User) error
	SetGroup(ctx context.Context, userID int64, groupID *int64) error
	TouchLogin(ctx context.Context, userID int64, at int64) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter UserFilter) ([]*User, error)
	Count(ctx context.Context, filter UserFilter) (int64, error)
	HasAdmin(ctx context.Context) (bool, error)
}

// UserGroupRepository 管理用户分组。
type UserGroupRepository interface {
	FindByID(ctx context.Context, id int64) (*UserGroup, error)
	Create(ctx context.Context, group *UserGroup) error
	Update(ctx context.Context, group *UserGroup) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]*UserGroup, error)
}

// NodeRepository 管理节点。Update 只修改 name/tags/active。
type NodeRepository interface {
	FindByID(ctx context.Context, id int64) (*Node, error)
	Create(ctx context.Context, node *Node) error
	Update(ctx context.Context, node *Node) error
	RecordHealth(ctx context.Context, id int64, checkedAt int64, lastError string) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter NodeFilter) ([]*Node, error)
}

// PlanRepository 管理订阅套餐。
type PlanRepository interface {
	FindByID(ctx context.Context, id int64) (*Plan, error)
	Create(ctx context.Context, plan *Plan) error
	Update(ctx context.Context, plan *Plan) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, activeOnly bool) ([]*Plan, error)
}

// SubscriptionRepository 管理订阅及其状态迁移。状态迁移均为比较并交换，
// 返回 false 表示当前状态不满足前置条件。
type SubscriptionRepository interface {
	FindByID(ctx context.Context, id int64) (*Subscription, error)
	FindByToken(ctx context.Context, token string) (*Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	List(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error)
	Count(ctx context.Context, filter SubscriptionFilter) (int64, error)
	// ListActiveAt returns active subscriptions with start_at <= now <= end_at.
	ListActiveAt(ctx context.Context, now int64) ([]*Subscription, error)
	// ListExpiredAt returns active subscriptions with end_at < now.
	ListExpiredAt(ctx context.Context, now int64) ([]*Subscription, error)
	Activate(ctx context.Context, id int64, startAt, endAt int64, totalTrafficGB float64) (bool, error)
	Transition(ctx context.Context, id int64, from, to string) (bool, error)
	// RecordUsage appends log and adds deltaGB to used_traffic_gb atomically,
	// returning the updated subscription.
	RecordUsage(ctx context.Context, log *TrafficLog, deltaGB float64) (*Subscription, error)
	SetDeviceCount(ctx context.Context, id int64, count int) error
	// ListUnrevoked returns expired subscriptions whose revoke has not
	// completed and that were last touched before the given time.
	ListUnrevoked(ctx context.Context, before int64) ([]*Subscription, error)
	MarkRevoked(ctx context.Context, id int64, at int64) error
	CountByPlan(ctx context.Context, planID int64) (int64, error)
}

// TrafficLogRepository 查询流量日志。
type TrafficLogRepository interface {
	List(ctx context.Context, filter TrafficLogFilter) ([]*TrafficLog, error)
	Count(ctx context.Context, filter TrafficLogFilter) (int64, error)
	SumByNode(ctx context.Context, since int64) ([]TrafficTotal, error)
	SumBySubscription(ctx context.Context, since int64) ([]TrafficTotal, error)
	// DeleteBefore removes samples recorded before the unix timestamp.
	DeleteBefore(ctx context.Context, before int64) (int64, error)
}
