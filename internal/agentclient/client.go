// Package agentclient talks to the control API each proxy node exposes.
//
// Every operation absorbs remote failures: callers receive a boolean or a
// zero value and the failure is logged with node and subscription ids.
package agentclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/protocol"
)

const maxResponseBytes = 1 << 20

var errMalformedEnvelope = errors.New("agent returned malformed envelope / 节点响应格式错误")

// Account identifies one subscription's client entry on a node.
type Account struct {
	UserID         int64
	SubscriptionID int64
	// Secret is the per-user credential (user UUID) written into the inbound.
	Secret      string
	Token       string
	DeviceLimit int
	TotalBytes  int64
	ExpiresAt   int64
}

// Identifier 返回节点侧的客户端标识（email 字段）。
func (a Account) Identifier() string {
	return fmt.Sprintf("u%d-s%d", a.UserID, a.SubscriptionID)
}

// Traffic 为节点侧计数器的增量。
type Traffic struct {
	Uplink   int64
	Downlink int64
}

func (t Traffic) Total() int64 {
	return t.Uplink + t.Downlink
}

// Health 描述一次健康检查的结果。
type Health struct {
	Online         bool
	ResponseTimeMs int64
	Version        string
	Uptime         int64
	Error          string
}

// Client 是节点控制面的 HTTP 客户端。
type Client struct {
	scheme      string
	controlPort int
	token       string
	http        *http.Client
	retry       retryPolicy
	logger      *slog.Logger
}

// NewClient builds a client from the agent section of the configuration.
func NewClient(cfg config.AgentConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	scheme := strings.ToLower(strings.TrimSpace(cfg.Scheme))
	if scheme == "" {
		scheme = "http"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		scheme:      scheme,
		controlPort: cfg.ControlPort,
		token:       cfg.Token,
		http:        &http.Client{Timeout: timeout},
		retry:       newRetryPolicy(cfg.RetryAttempts, cfg.RetryInterval),
		logger:      logger.With("component", "agentclient"),
	}
}

// AddUser 在节点上创建客户端条目。
func (c *Client) AddUser(ctx context.Context, node protocol.Node, acct Account) bool {
	payload, err := addClientPayload(node, acct)
	if err != nil {
		c.fail("add_user", node, acct, err)
		return false
	}
	_, err = c.call(ctx, "add_user", node, http.MethodPost, "/api/inbounds/addClient", payload)
	if err != nil {
		c.fail("add_user", node, acct, err)
		return false
	}
	return true
}

// RemoveUser deletes the client entry. A client already absent counts as removed.
func (c *Client) RemoveUser(ctx context.Context, node protocol.Node, acct Account) bool {
	_, err := c.call(ctx, "remove_user", node, http.MethodDelete, clientPath(acct, ""), nil)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			c.logger.Debug("client already absent", "node_id", node.ID, "subscription_id", acct.SubscriptionID)
			return true
		}
		c.fail("remove_user", node, acct, err)
		return false
	}
	return true
}

// TrafficStats returns the counters accumulated since the last reset.
func (c *Client) TrafficStats(ctx context.Context, node protocol.Node, acct Account) (Traffic, bool) {
	data, err := c.call(ctx, "traffic_stats", node, http.MethodGet, clientPath(acct, "stats"), nil)
	if err != nil {
		c.fail("traffic_stats", node, acct, err)
		return Traffic{}, false
	}
	up, down := data.Get("uplink"), data.Get("downlink")
	if !up.Exists() && !down.Exists() {
		c.fail("traffic_stats", node, acct, errMalformedEnvelope)
		return Traffic{}, false
	}
	traffic := Traffic{Uplink: up.Int(), Downlink: down.Int()}
	if traffic.Uplink < 0 || traffic.Downlink < 0 {
		c.fail("traffic_stats", node, acct, fmt.Errorf("negative counters %d/%d", traffic.Uplink, traffic.Downlink))
		return Traffic{}, false
	}
	return traffic, true
}

// ConnectedIPs 返回当前在线的来源地址。
func (c *Client) ConnectedIPs(ctx context.Context, node protocol.Node, acct Account) ([]string, bool) {
	data, err := c.call(ctx, "connected_ips", node, http.MethodGet, clientPath(acct, "ips"), nil)
	if err != nil {
		c.fail("connected_ips", node, acct, err)
		return nil, false
	}
	list := data
	if data.IsObject() {
		list = data.Get("ips")
	}
	if list.Type == gjson.Null {
		return []string{}, true
	}
	if !list.IsArray() {
		c.fail("connected_ips", node, acct, errMalformedEnvelope)
		return nil, false
	}
	seen := make(map[string]struct{})
	ips := make([]string, 0, len(list.Array()))
	for _, item := range list.Array() {
		ip := strings.TrimSpace(item.String())
		if ip == "" {
			continue
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	return ips, true
}

// ResetTraffic zeroes the node-side counters after they have been persisted.
func (c *Client) ResetTraffic(ctx context.Context, node protocol.Node, acct Account) bool {
	if _, err := c.call(ctx, "reset_traffic", node, http.MethodPost, clientPath(acct, "reset"), nil); err != nil {
		c.fail("reset_traffic", node, acct, err)
		return false
	}
	return true
}

// CheckHealth 查询节点状态并记录响应耗时。
func (c *Client) CheckHealth(ctx context.Context, node protocol.Node) Health {
	start := time.Now()
	data, err := c.call(ctx, "check_health", node, http.MethodGet, "/api/server/status", nil)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.logger.Warn("node health check failed", "node_id", node.ID, "address", node.Address, "error", err)
		return Health{ResponseTimeMs: elapsed, Error: err.Error()}
	}
	return Health{
		Online:         true,
		ResponseTimeMs: elapsed,
		Version:        data.Get("version").String(),
		Uptime:         data.Get("uptime").Int(),
	}
}

func (c *Client) baseURL(node protocol.Node) string {
	return fmt.Sprintf("%s://%s", c.scheme, net.JoinHostPort(node.Address, strconv.Itoa(c.controlPort)))
}

func clientPath(acct Account, suffix string) string {
	path := "/api/inbounds/client/" + url.PathEscape(acct.Identifier())
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

// call 执行一次带重试的请求，并返回 envelope 中的 data 字段。
func (c *Client) call(ctx context.Context, operation string, node protocol.Node, method, path string, body []byte) (gjson.Result, error) {
	if c == nil {
		return gjson.Result{}, fmt.Errorf("agent client not configured / 节点客户端未配置")
	}
	endpoint := c.baseURL(node) + path
	start := time.Now()

	var data gjson.Result
	err := c.retry.do(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		if !gjson.ValidBytes(raw) {
			return &RejectedError{Message: errMalformedEnvelope.Error()}
		}
		envelope := gjson.ParseBytes(raw)
		if !envelope.Get("success").Bool() {
			return &RejectedError{Message: envelope.Get("msg").String()}
		}
		data = envelope.Get("data")
		return nil
	})
	observe(operation, err == nil, time.Since(start).Seconds())
	return data, err
}

func (c *Client) fail(operation string, node protocol.Node, acct Account, err error) {
	c.logger.Warn("agent call failed",
		"operation", operation,
		"node_id", node.ID,
		"user_id", acct.UserID,
		"subscription_id", acct.SubscriptionID,
		"client", acct.Identifier(),
		"error", err,
	)
}

// addClientPayload 组装 addClient 请求体，凭据字段随协议变化。
func addClientPayload(node protocol.Node, acct Account) ([]byte, error) {
	if acct.Secret == "" {
		return nil, fmt.Errorf("account secret is empty / 用户凭据为空")
	}
	payload := []byte(`{}`)
	set := func(path string, value any) {
		if payload == nil {
			return
		}
		out, err := sjson.SetBytes(payload, path, value)
		if err != nil {
			payload = nil
			return
		}
		payload = out
	}

	set("protocol", string(node.Type))
	set("port", node.Port)
	switch cred := node.Credential.(type) {
	case protocol.VLESSCredential:
		set("client.id", acct.Secret)
		if cred.Flow != "" {
			set("client.flow", cred.Flow)
		}
	case protocol.VMessCredential:
		set("client.id", acct.Secret)
		set("client.alterId", cred.AlterID)
	case protocol.ShadowsocksCredential:
		set("client.password", acct.Secret)
		set("client.method", cred.Method)
	case protocol.TrojanCredential:
		set("client.password", acct.Secret)
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedProtocol, node.Type)
	}
	set("client.email", acct.Identifier())
	set("client.limitIp", acct.DeviceLimit)
	set("client.totalGB", acct.TotalBytes)
	set("client.expiryTime", acct.ExpiresAt*1000)
	set("client.enable", true)
	set("client.subId", acct.Token)
	if payload == nil {
		return nil, fmt.Errorf("encode addClient payload / 序列化请求失败")
	}
	return payload, nil
}
