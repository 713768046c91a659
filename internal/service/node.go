// 文件路径: internal/service/node.go
// 模块说明: 节点注册表：URI 导入、显式字段创建、有限字段更新、删除与查询。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository"
)

// NodeService 管理代理节点。
type NodeService interface {
	Import(ctx context.Context, input NodeImportInput) (*NodeView, error)
	Create(ctx context.Context, input NodeCreateInput) (*NodeView, error)
	Update(ctx context.Context, id int64, input NodeUpdateInput) (*NodeView, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*NodeView, error)
	List(ctx context.Context, input NodeListInput) ([]NodeView, error)
}

// NodeImportInput carries a proxy URI plus optional overrides.
type NodeImportInput struct {
	URI    string   `json:"uri"`
	Name   string   `json:"name"`
	Tags   []string `json:"tags"`
	Active *bool    `json:"active"`
}

// NodeCreateInput registers a node from explicit fields; Credential is the
// protocol specific JSON object.
type NodeCreateInput struct {
	Name       string          `json:"name"`
	Type       string          `json:"protocol"`
	Address    string          `json:"address"`
	Port       int             `json:"port"`
	Tags       []string        `json:"tags"`
	Active     *bool           `json:"active"`
	Credential json.RawMessage `json:"credential"`
}

// NodeUpdateInput 仅允许修改名称、标签与启用状态。
type NodeUpdateInput struct {
	Name   *string   `json:"name"`
	Tags   *[]string `json:"tags"`
	Active *bool     `json:"active"`
}

// NodeListInput filters node listings.
type NodeListInput struct {
	Active *bool
	Tag    string
}

// NodeView is the admin representation of a node.
type NodeView struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Protocol      string          `json:"protocol"`
	Address       string          `json:"address"`
	Port          int             `json:"port"`
	Tags          []string        `json:"tags"`
	Active        bool            `json:"active"`
	Credential    json.RawMessage `json:"credential,omitempty"`
	LastCheckedAt *int64          `json:"last_checked_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// NodeSyncer provisions existing subscriptions onto a node that has started
// to qualify for them. SubscriptionService implements it.
type NodeSyncer interface {
	SyncNode(ctx context.Context, node, previous *repository.Node) (ProvisionSummary, error)
}

// NodeOption customises the node service.
type NodeOption func(*nodeService)

// WithNodeSyncer pushes active subscriptions to nodes that are created,
// activated or re-tagged into a plan's selection.
func WithNodeSyncer(syncer NodeSyncer) NodeOption {
	return func(s *nodeService) { s.syncer = syncer }
}

type nodeService struct {
	nodes  repository.NodeRepository
	syncer NodeSyncer
	logger *slog.Logger
}

// NewNodeService wires the node registry.
func NewNodeService(nodes repository.NodeRepository, logger *slog.Logger, opts ...NodeOption) NodeService {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &nodeService{nodes: nodes, logger: logger}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// sync is best effort: the registry change has already been committed.
func (s *nodeService) sync(ctx context.Context, node, previous *repository.Node) {
	if s.syncer == nil || node == nil {
		return
	}
	if _, err := s.syncer.SyncNode(ctx, node, previous); err != nil {
		s.logger.Warn("node sync failed", "node_id", node.ID, "error", err)
	}
}

func (s *nodeService) Import(ctx context.Context, input NodeImportInput) (*NodeView, error) {
	if s == nil || s.nodes == nil {
		return nil, fmt.Errorf("node service not configured / 节点服务未配置")
	}
	raw := strings.TrimSpace(input.URI)
	if raw == "" {
		return nil, &ValidationError{Fields: map[string]string{"uri": "required"}}
	}
	draft, err := protocol.ParseURI(raw)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		draft.Name = name
	}
	draft.Tags = append(draft.Tags, input.Tags...)
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	view, err := s.persist(ctx, draft, active)
	if err != nil {
		return nil, err
	}
	s.logger.Info("node imported", "node_id", view.ID, "protocol", view.Protocol, "address", view.Address)
	return view, nil
}

func (s *nodeService) Create(ctx context.Context, input NodeCreateInput) (*NodeView, error) {
	if s == nil || s.nodes == nil {
		return nil, fmt.Errorf("node service not configured / 节点服务未配置")
	}
	var v validator
	typ, err := protocol.ParseType(input.Type)
	if err != nil {
		v.add("protocol", "unknown protocol")
	} else if !typ.Implemented() {
		v.add("protocol", "protocol not supported")
	}
	var cred protocol.Credential
	if err == nil && typ.Implemented() {
		if len(input.Credential) == 0 {
			v.add("credential", "required")
		} else if cred, err = protocol.UnmarshalCredential(typ, input.Credential); err != nil {
			v.add("credential", "malformed credential object")
		}
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	view, err := s.persist(ctx, protocol.Node{
		Name:       input.Name,
		Type:       typ,
		Address:    input.Address,
		Port:       input.Port,
		Tags:       input.Tags,
		Credential: cred,
	}, active)
	if err != nil {
		return nil, err
	}
	s.logger.Info("node created", "node_id", view.ID, "protocol", view.Protocol, "address", view.Address)
	return view, nil
}

// persist 校验节点草稿并写入仓储。
func (s *nodeService) persist(ctx context.Context, draft protocol.Node, active bool) (*NodeView, error) {
	draft.Address = strings.TrimSpace(draft.Address)
	draft.Name = strings.TrimSpace(draft.Name)
	if draft.Name == "" {
		draft.Name = fmt.Sprintf("%s-%s:%d", draft.Type, draft.Address, draft.Port)
	}

	var v validator
	v.check(draft.Address != "", "address", "required")
	v.check(draft.Port >= 1 && draft.Port <= 65535, "port", "must be between 1 and 65535")
	if err := draft.Validate(); err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnsupportedProtocol):
			v.add("protocol", "protocol not supported")
		default:
			v.add("credential", err.Error())
		}
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	raw, err := protocol.MarshalCredential(draft.Credential)
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	row := &repository.Node{
		Name:       draft.Name,
		Type:       string(draft.Type),
		Address:    draft.Address,
		Port:       draft.Port,
		Credential: raw,
		Tags:       normalizeTags(draft.Tags),
		Active:     active,
	}
	if err := s.nodes.Create(ctx, row); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDuplicateNode
		}
		return nil, fmt.Errorf("create node: %w", err)
	}
	s.sync(ctx, row, nil)
	return newNodeView(row), nil
}

func (s *nodeService) Update(ctx context.Context, id int64, input NodeUpdateInput) (*NodeView, error) {
	if s == nil || s.nodes == nil {
		return nil, fmt.Errorf("node service not configured / 节点服务未配置")
	}
	row, err := s.nodes.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "node")
	}
	previous := *row
	previous.Tags = append([]string(nil), row.Tags...)
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, &ValidationError{Fields: map[string]string{"name": "required"}}
		}
		row.Name = name
	}
	if input.Tags != nil {
		row.Tags = normalizeTags(*input.Tags)
	}
	if input.Active != nil {
		row.Active = *input.Active
	}
	if err := s.nodes.Update(ctx, row); err != nil {
		return nil, notFound(err, "node")
	}
	updated, err := s.nodes.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "node")
	}
	s.sync(ctx, updated, &previous)
	return newNodeView(updated), nil
}

func (s *nodeService) Delete(ctx context.Context, id int64) error {
	if s == nil || s.nodes == nil {
		return fmt.Errorf("node service not configured / 节点服务未配置")
	}
	if err := s.nodes.Delete(ctx, id); err != nil {
		return notFound(err, "node")
	}
	s.logger.Info("node deleted", "node_id", id)
	return nil
}

func (s *nodeService) Get(ctx context.Context, id int64) (*NodeView, error) {
	if s == nil || s.nodes == nil {
		return nil, fmt.Errorf("node service not configured / 节点服务未配置")
	}
	row, err := s.nodes.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "node")
	}
	return newNodeView(row), nil
}

func (s *nodeService) List(ctx context.Context, input NodeListInput) ([]NodeView, error) {
	if s == nil || s.nodes == nil {
		return nil, fmt.Errorf("node service not configured / 节点服务未配置")
	}
	rows, err := s.nodes.List(ctx, repository.NodeFilter{Active: input.Active, Tag: strings.TrimSpace(input.Tag)})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	views := make([]NodeView, 0, len(rows))
	for _, row := range rows {
		views = append(views, *newNodeView(row))
	}
	return views, nil
}

func newNodeView(row *repository.Node) *NodeView {
	tags := row.Tags
	if tags == nil {
		tags = []string{}
	}
	return &NodeView{
		ID:            row.ID,
		Name:          row.Name,
		Protocol:      row.Type,
		Address:       row.Address,
		Port:          row.Port,
		Tags:          tags,
		Active:        row.Active,
		Credential:    json.RawMessage(row.Credential),
		LastCheckedAt: row.LastCheckedAt,
		LastError:     row.LastError,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}
