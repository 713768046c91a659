// 文件路径: internal/repository/types.go
// 模块说明: 持久化实体定义，时间戳统一为 Unix 秒。
package repository

// User is a panel account. UUID doubles as the proxy credential pushed to nodes.
type User struct {
	ID          int64
	UUID        string
	Email       string
	Password    string
	GroupID     *int64
	IsAdmin     bool
	Banned      bool
	LastLoginAt *int64
	CreatedAt   int64
	UpdatedAt   int64
}

// UserGroup clusters users; approving a plan may move a user into its target group.
type UserGroup struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   int64
	UpdatedAt   int64
}

// Node is a stored proxy endpoint. Credential holds the protocol specific JSON
// encoded by protocol.MarshalCredential.
type Node struct {
	ID            int64
	Name          string
	Type          string
	Address       string
	Port          int
	Credential    []byte
	Tags          []string
	Active        bool
	LastCheckedAt *int64
	LastError     string
	CreatedAt     int64
	UpdatedAt     int64
}

// NodeCriteria selects nodes for a plan. An empty list means "no constraint".
type NodeCriteria struct {
	Tags    []string `json:"tags,omitempty"`
	NodeIDs []int64  `json:"node_ids,omitempty"`
}

// IsEmpty reports whether neither list constrains the selection.
func (c NodeCriteria) IsEmpty() bool {
	return len(c.Tags) == 0 && len(c.NodeIDs) == 0
}

// Plan is a sellable bundle. TrafficGB and DeviceLimit of 0 mean unlimited.
type Plan struct {
	ID            int64
	Name          string
	Description   string
	DurationDays  int
	TrafficGB     float64
	DeviceLimit   int
	PriceCents    *int64
	Criteria      NodeCriteria
	TargetGroupID *int64
	Active        bool
	CreatedAt     int64
	UpdatedAt     int64
}

// Subscription statuses.
const (
	SubscriptionPending   = "pending_approval"
	SubscriptionActive    = "active"
	SubscriptionExpired   = "expired"
	SubscriptionCancelled = "cancelled"
)

// Subscription is a user's instance of a plan.
type Subscription struct {
	ID             int64
	UserID         int64
	PlanID         int64
	Status         string
	Token          string
	StartAt        *int64
	EndAt          *int64
	UsedTrafficGB  float64
	TotalTrafficGB float64
	DeviceCount    int
	// RevokedAt is set once the client has been removed from every node
	// after expiry; nil on an expired row means the revoke is still owed.
	RevokedAt *int64
	CreatedAt int64
	UpdatedAt int64
}

// TrafficLog is one append-only usage sample per (subscription, node, pass).
type TrafficLog struct {
	ID             int64
	SubscriptionID int64
	NodeID         int64
	Uplink         int64
	Downlink       int64
	RecordedAt     int64
}

// TrafficTotal aggregates TrafficLog rows by a key (node or subscription id).
type TrafficTotal struct {
	Key      int64
	Uplink   int64
	Downlink int64
	Samples  int64
}
