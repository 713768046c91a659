// 文件路径: internal/repository/sqlite/store.go
// 模块说明: 组装基于 SQLite 的仓储实现。
package sqlite

import (
	"database/sql"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

// Store wires SQLite-backed repository implementations.
type Store struct {
	db            *sql.DB
	users         repository.UserRepository
	groups        repository.UserGroupRepository
	nodes         repository.NodeRepository
	plans         repository.PlanRepository
	subscriptions repository.SubscriptionRepository
	trafficLogs   repository.TrafficLogRepository
}

var _ repository.Store = (*Store)(nil)

// NewStore constructs a SQLite-backed repository store.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		users:         &userRepo{db: db},
		groups:        &userGroupRepo{db: db},
		nodes:         &nodeRepo{db: db},
		plans:         &planRepo{db: db},
		subscriptions: &subscriptionRepo{db: db},
		trafficLogs:   &trafficLogRepo{db: db},
	}
}

func (s *Store) Users() repository.UserRepository {
	return s.users
}

func (s *Store) UserGroups() repository.UserGroupRepository {
	return s.groups
}

func (s *Store) Nodes() repository.NodeRepository {
	return s.nodes
}

func (s *Store) Plans() repository.PlanRepository {
	return s.plans
}

func (s *Store) Subscriptions() repository.SubscriptionRepository {
	return s.subscriptions
}

func (s *Store) TrafficLogs() repository.TrafficLogRepository {
	return s.trafficLogs
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}
