package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

// NodeHealthService checks node control endpoints and records the outcome.
type NodeHealthService interface {
	Targets(ctx context.Context) ([]int64, error)
	CheckNode(ctx context.Context, nodeID int64) (*NodeHealthView, error)
}

// NodeHealthView 单个节点的健康检查结果。
type NodeHealthView struct {
	NodeID         int64  `json:"node_id"`
	Online         bool   `json:"online"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Version        string `json:"version,omitempty"`
	Uptime         int64  `json:"uptime,omitempty"`
	Error          string `json:"error,omitempty"`
	CheckedAt      int64  `json:"checked_at"`
}

type nodeHealthService struct {
	nodes  repository.NodeRepository
	agent  NodeAgent
	logger *slog.Logger
	now    func() time.Time
}

func NewNodeHealthService(nodes repository.NodeRepository, agent NodeAgent, logger *slog.Logger) NodeHealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &nodeHealthService{nodes: nodes, agent: agent, logger: logger, now: time.Now}
}

func (s *nodeHealthService) Targets(ctx context.Context) ([]int64, error) {
	if s == nil || s.nodes == nil {
		return nil, fmt.Errorf("health service not configured / 健康检查服务未配置")
	}
	active := true
	rows, err := s.nodes.List(ctx, repository.NodeFilter{Active: &active})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// CheckNode checks one node and persists last_checked_at / last_error.
func (s *nodeHealthService) CheckNode(ctx context.Context, nodeID int64) (*NodeHealthView, error) {
	if s == nil || s.nodes == nil || s.agent == nil {
		return nil, fmt.Errorf("health service not configured / 健康检查服务未配置")
	}
	row, err := s.nodes.FindByID(ctx, nodeID)
	if err != nil {
		return nil, notFound(err, "node")
	}
	node, err := toProtocolNode(row)
	if err != nil {
		return nil, fmt.Errorf("decode node %d: %w", nodeID, err)
	}

	health := s.agent.CheckHealth(ctx, node)
	checkedAt := s.now().Unix()
	if err := s.nodes.RecordHealth(ctx, nodeID, checkedAt, health.Error); err != nil {
		return nil, notFound(err, "node")
	}
	if !health.Online {
		s.logger.Warn("node offline", "node_id", nodeID, "error", health.Error)
	}
	return &NodeHealthView{
		NodeID:         nodeID,
		Online:         health.Online,
		ResponseTimeMs: health.ResponseTimeMs,
		Version:        health.Version,
		Uptime:         health.Uptime,
		Error:          health.Error,
		CheckedAt:      checkedAt,
	}, nil
}
