// 文件路径: internal/service/helpers.go
// 模块说明: 服务层共用的小工具：实体转换、时间、节点筛选。
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/agentclient"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository"
)

const bytesPerGB = float64(1 << 30)

// NodeAgent is the subset of the node control client the services drive.
type NodeAgent interface {
	AddUser(ctx context.Context, node protocol.Node, acct agentclient.Account) bool
	RemoveUser(ctx context.Context, node protocol.Node, acct agentclient.Account) bool
	TrafficStats(ctx context.Context, node protocol.Node, acct agentclient.Account) (agentclient.Traffic, bool)
	ConnectedIPs(ctx context.Context, node protocol.Node, acct agentclient.Account) ([]string, bool)
	ResetTraffic(ctx context.Context, node protocol.Node, acct agentclient.Account) bool
	CheckHealth(ctx context.Context, node protocol.Node) agentclient.Health
}

// toProtocolNode 解码存储的凭据，得到协议层节点。
func toProtocolNode(node *repository.Node) (protocol.Node, error) {
	typ, err := protocol.ParseType(node.Type)
	if err != nil {
		return protocol.Node{}, err
	}
	var cred protocol.Credential
	if len(node.Credential) > 0 {
		cred, err = protocol.UnmarshalCredential(typ, node.Credential)
		if err != nil {
			return protocol.Node{}, err
		}
	}
	return protocol.Node{
		ID:         node.ID,
		Name:       node.Name,
		Type:       typ,
		Address:    node.Address,
		Port:       node.Port,
		Tags:       append([]string(nil), node.Tags...),
		Credential: cred,
	}, nil
}

// qualifyingNodes loads active nodes matching criteria, dropping ones whose
// stored credential cannot be decoded.
func qualifyingNodes(ctx context.Context, nodes repository.NodeRepository, criteria repository.NodeCriteria, logger *slog.Logger) ([]protocol.Node, error) {
	active := true
	rows, err := nodes.List(ctx, repository.NodeFilter{Active: &active})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	selected := SelectNodes(criteria, rows)
	out := make([]protocol.Node, 0, len(selected))
	for _, row := range selected {
		node, err := toProtocolNode(row)
		if err != nil {
			logger.Warn("skip node with unreadable credential", "node_id", row.ID, "error", err)
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

func bytesToGB(n int64) float64 {
	return float64(n) / bytesPerGB
}

func gbToBytes(gb float64) int64 {
	return int64(math.Round(gb * bytesPerGB))
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// notFound 把仓储层的 ErrNotFound 转成服务层错误。
func notFound(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// paginate 把 page/page_size 转换成 limit/offset，page 从 1 开始。
func paginate(page, size int) (int, int) {
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}
