// 文件路径: internal/repository/filters.go
// 模块说明: 列表查询的过滤条件。
package repository

// NodeFilter constrains node listings. Tag matches nodes whose tag set contains it.
type NodeFilter struct {
	Active *bool
	Tag    string
}

// UserFilter constrains admin user listings.
type UserFilter struct {
	Keyword string
	GroupID *int64
	Limit   int
	Offset  int
}

// SubscriptionFilter constrains subscription listings.
type SubscriptionFilter struct {
	UserID *int64
	PlanID *int64
	Status string
	Limit  int
	Offset int
}

// TrafficLogFilter constrains traffic log queries; zero values are ignored.
type TrafficLogFilter struct {
	SubscriptionID *int64
	NodeID         *int64
	Since          int64
	Until          int64
	Limit          int
	Offset         int
}
