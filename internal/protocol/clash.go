// 文件路径: internal/protocol/clash.go
// 模块说明: 生成 Clash YAML 订阅。
package protocol

import (
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultClashProfileName = "NodeBoard"

type ClashBuilder struct{}

func NewClashBuilder() *ClashBuilder {
	return &ClashBuilder{}
}

func (b *ClashBuilder) Flags() []string {
	return []string{"clash", "mihomo", "stash"}
}

type clashGroup struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Proxies []string `yaml:"proxies"`
}

type clashConfig struct {
	MixedPort   int              `yaml:"mixed-port"`
	AllowLAN    bool             `yaml:"allow-lan"`
	Mode        string           `yaml:"mode"`
	LogLevel    string           `yaml:"log-level"`
	Proxies     []map[string]any `yaml:"proxies"`
	ProxyGroups []clashGroup     `yaml:"proxy-groups"`
	Rules       []string         `yaml:"rules"`
}

func (b *ClashBuilder) Build(req BuildRequest) (*Result, error) {
	profile := strings.TrimSpace(req.ProfileTitle)
	if profile == "" {
		profile = defaultClashProfileName
	}

	proxies := make([]map[string]any, 0, len(req.Nodes))
	names := make([]string, 0, len(req.Nodes))
	seen := make(map[string]int)
	for _, node := range req.Nodes {
		if err := node.Validate(); err != nil {
			continue
		}
		node.Name = uniqueName(node, seen)
		proxy := buildClashProxy(node)
		if proxy == nil {
			continue
		}
		proxies = append(proxies, proxy)
		names = append(names, node.Name)
	}

	config := clashConfig{
		MixedPort: 7890,
		AllowLAN:  true,
		Mode:      "rule",
		LogLevel:  "info",
		Proxies:   proxies,
		Rules:     []string{fmt.Sprintf("MATCH,%s", profile)},
	}
	// clash refuses a select group without members
	if len(names) > 0 {
		config.ProxyGroups = []clashGroup{{Name: profile, Type: "select", Proxies: names}}
	} else {
		config.Rules = []string{"MATCH,DIRECT"}
	}

	payload, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode clash config: %w", err)
	}
	headers := buildUserHeaders(req)
	headers["content-disposition"] = fmt.Sprintf("attachment;filename*=UTF-8''%s", url.PathEscape(profile))
	return &Result{
		Payload:     payload,
		ContentType: "text/yaml; charset=utf-8",
		Headers:     headers,
	}, nil
}

func uniqueName(node Node, seen map[string]int) string {
	name := strings.TrimSpace(node.Name)
	if name == "" {
		name = fmt.Sprintf("%s-%d", node.Type, node.ID)
	}
	seen[name]++
	if n := seen[name]; n > 1 {
		return fmt.Sprintf("%s (%d)", name, n)
	}
	return name
}

func buildClashProxy(node Node) map[string]any {
	switch cred := node.Credential.(type) {
	case VLESSCredential:
		return buildClashVLESS(node, cred)
	case VMessCredential:
		return buildClashVMess(node, cred)
	case ShadowsocksCredential:
		return buildClashShadowsocks(node, cred)
	case TrojanCredential:
		return buildClashTrojan(node, cred)
	default:
		return nil
	}
}

func clashBase(node Node, kind string) map[string]any {
	return map[string]any{
		"name":   node.Name,
		"type":   kind,
		"server": node.Address,
		"port":   node.Port,
		"udp":    true,
	}
}

func applyClashTransport(proxy map[string]any, network, path, host string) {
	switch strings.ToLower(network) {
	case "ws":
		proxy["network"] = "ws"
		ws := map[string]any{}
		if path != "" {
			ws["path"] = path
		}
		if host != "" {
			ws["headers"] = map[string]any{"Host": host}
		}
		if len(ws) > 0 {
			proxy["ws-opts"] = ws
		}
	case "grpc":
		proxy["network"] = "grpc"
		if path != "" {
			proxy["grpc-opts"] = map[string]any{"grpc-service-name": path}
		}
	default:
		proxy["network"] = "tcp"
	}
}

func buildClashVLESS(node Node, cred VLESSCredential) map[string]any {
	proxy := clashBase(node, "vless")
	proxy["uuid"] = cred.UUID
	if cred.Flow != "" {
		proxy["flow"] = cred.Flow
	}
	if cred.Security == "tls" || cred.Security == "reality" {
		proxy["tls"] = true
		if cred.SNI != "" {
			proxy["servername"] = cred.SNI
		}
	}
	applyClashTransport(proxy, cred.Network, cred.Path, cred.Host)
	return proxy
}

func buildClashVMess(node Node, cred VMessCredential) map[string]any {
	proxy := clashBase(node, "vmess")
	proxy["uuid"] = cred.UUID
	proxy["alterId"] = cred.AlterID
	proxy["cipher"] = defaultString(cred.Security, "auto")
	if cred.TLS == "tls" {
		proxy["tls"] = true
		if cred.SNI != "" {
			proxy["servername"] = cred.SNI
		}
	}
	applyClashTransport(proxy, cred.Network, cred.Path, cred.Host)
	return proxy
}

func buildClashShadowsocks(node Node, cred ShadowsocksCredential) map[string]any {
	proxy := clashBase(node, "ss")
	proxy["cipher"] = cred.Method
	proxy["password"] = cred.Password
	if cred.Plugin != "" {
		proxy["plugin"] = cred.Plugin
		if opts := parsePluginOptions(cred.PluginOpts); len(opts) > 0 {
			proxy["plugin-opts"] = opts
		}
	}
	return proxy
}

func buildClashTrojan(node Node, cred TrojanCredential) map[string]any {
	proxy := clashBase(node, "trojan")
	proxy["password"] = cred.Password
	if cred.SNI != "" {
		proxy["sni"] = cred.SNI
	}
	proxy["skip-cert-verify"] = cred.AllowInsecure
	applyClashTransport(proxy, cred.Network, cred.Path, cred.Host)
	return proxy
}

// parsePluginOptions splits "obfs=http;obfs-host=example.com" into a map.
func parsePluginOptions(raw string) map[string]any {
	out := map[string]any{}
	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		switch key {
		case "obfs":
			out["mode"] = value
		case "obfs-host":
			out["host"] = value
		default:
			out[key] = value
		}
	}
	return out
}
