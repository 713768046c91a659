// 文件路径: internal/protocol/types.go
// 模块说明: 协议类型与按协议区分的凭据结构。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type identifies the proxy protocol a node speaks.
type Type string

const (
	TypeVLESS       Type = "vless"
	TypeVMess       Type = "vmess"
	TypeShadowsocks Type = "shadowsocks"
	TypeTrojan      Type = "trojan"
	// Placeholders accepted by the registry; config generation rejects them.
	TypeHysteria2 Type = "hysteria2"
	TypeTUIC      Type = "tuic"
)

var (
	// ErrUnknownType 表示协议类型无法识别。
	ErrUnknownType = errors.New("protocol: unknown type / 未知协议类型")
	// ErrUnsupportedProtocol 表示协议仅为占位，无法生成配置。
	ErrUnsupportedProtocol = errors.New("protocol: unsupported protocol / 协议暂不支持")
	// ErrIncompleteCredential 表示凭据字段缺失。
	ErrIncompleteCredential = errors.New("protocol: incomplete credential / 凭据不完整")
)

// ParseType normalizes user supplied protocol names ("ss" and "shadowsocks" are equivalent).
func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "vless":
		return TypeVLESS, nil
	case "vmess":
		return TypeVMess, nil
	case "ss", "shadowsocks":
		return TypeShadowsocks, nil
	case "trojan":
		return TypeTrojan, nil
	case "hysteria2", "hy2":
		return TypeHysteria2, nil
	case "tuic":
		return TypeTUIC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
}

// Implemented reports whether credentials and URIs can be produced for t.
func (t Type) Implemented() bool {
	switch t {
	case TypeVLESS, TypeVMess, TypeShadowsocks, TypeTrojan:
		return true
	}
	return false
}

// Credential is the protocol specific part of a node. The concrete types below
// are the only implementations; switches over Credential must cover all four.
type Credential interface {
	Protocol() Type
	Validate() error
	// WithSecret returns a copy whose per-user secret (uuid or password) is replaced.
	WithSecret(secret string) Credential
	sealed()
}

// VLESSCredential mirrors the vless:// query parameters.
type VLESSCredential struct {
	UUID       string `json:"uuid"`
	Encryption string `json:"encryption,omitempty"`
	Security   string `json:"security,omitempty"`
	Network    string `json:"network,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Path       string `json:"path,omitempty"`
	Host       string `json:"host,omitempty"`
	SNI        string `json:"sni,omitempty"`
}

func (VLESSCredential) Protocol() Type { return TypeVLESS }
func (VLESSCredential) sealed()        {}

func (c VLESSCredential) Validate() error {
	if strings.TrimSpace(c.UUID) == "" {
		return fmt.Errorf("%w: vless uuid", ErrIncompleteCredential)
	}
	return nil
}

func (c VLESSCredential) WithSecret(secret string) Credential {
	c.UUID = secret
	return c
}

// VMessCredential mirrors the JSON object carried by vmess:// links.
type VMessCredential struct {
	UUID       string `json:"uuid"`
	AlterID    int    `json:"alter_id"`
	Security   string `json:"security,omitempty"`
	Network    string `json:"network,omitempty"`
	HeaderType string `json:"header_type,omitempty"`
	Host       string `json:"host,omitempty"`
	Path       string `json:"path,omitempty"`
	TLS        string `json:"tls,omitempty"`
	SNI        string `json:"sni,omitempty"`
	Version    string `json:"version,omitempty"`
}

func (VMessCredential) Protocol() Type { return TypeVMess }
func (VMessCredential) sealed()        {}

func (c VMessCredential) Validate() error {
	if strings.TrimSpace(c.UUID) == "" {
		return fmt.Errorf("%w: vmess id", ErrIncompleteCredential)
	}
	if c.AlterID < 0 {
		return fmt.Errorf("%w: vmess alterId must not be negative", ErrIncompleteCredential)
	}
	return nil
}

func (c VMessCredential) WithSecret(secret string) Credential {
	c.UUID = secret
	return c
}

// ShadowsocksCredential holds SIP002 fields.
type ShadowsocksCredential struct {
	Method     string `json:"method"`
	Password   string `json:"password"`
	Plugin     string `json:"plugin,omitempty"`
	PluginOpts string `json:"plugin_opts,omitempty"`
}

func (ShadowsocksCredential) Protocol() Type { return TypeShadowsocks }
func (ShadowsocksCredential) sealed()        {}

func (c ShadowsocksCredential) Validate() error {
	if strings.TrimSpace(c.Method) == "" {
		return fmt.Errorf("%w: shadowsocks method", ErrIncompleteCredential)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: shadowsocks password", ErrIncompleteCredential)
	}
	return nil
}

func (c ShadowsocksCredential) WithSecret(secret string) Credential {
	c.Password = secret
	return c
}

// TrojanCredential holds trojan:// fields.
type TrojanCredential struct {
	Password      string `json:"password"`
	SNI           string `json:"sni,omitempty"`
	Network       string `json:"network,omitempty"`
	Path          string `json:"path,omitempty"`
	Host          string `json:"host,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

func (TrojanCredential) Protocol() Type { return TypeTrojan }
func (TrojanCredential) sealed()        {}

func (c TrojanCredential) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("%w: trojan password", ErrIncompleteCredential)
	}
	return nil
}

func (c TrojanCredential) WithSecret(secret string) Credential {
	c.Password = secret
	return c
}

// MarshalCredential encodes the concrete credential; the protocol type is stored alongside it.
func MarshalCredential(c Credential) ([]byte, error) {
	if c == nil {
		return nil, ErrIncompleteCredential
	}
	return json.Marshal(c)
}

// UnmarshalCredential decodes raw into the credential struct matching t.
func UnmarshalCredential(t Type, raw []byte) (Credential, error) {
	switch t {
	case TypeVLESS:
		var c VLESSCredential
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode vless credential: %w", err)
		}
		return c, nil
	case TypeVMess:
		var c VMessCredential
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode vmess credential: %w", err)
		}
		return c, nil
	case TypeShadowsocks:
		var c ShadowsocksCredential
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode shadowsocks credential: %w", err)
		}
		return c, nil
	case TypeTrojan:
		var c TrojanCredential
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode trojan credential: %w", err)
		}
		return c, nil
	case TypeHysteria2, TypeTUIC:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Node is the normalized endpoint shared by the parser and the builders.
type Node struct {
	ID         int64
	Name       string
	Type       Type
	Address    string
	Port       int
	Tags       []string
	Credential Credential
}

// Validate checks the endpoint and that the credential matches the declared type.
func (n Node) Validate() error {
	if !n.Type.Implemented() {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, n.Type)
	}
	if n.Credential == nil {
		return fmt.Errorf("%w: missing credential for %s", ErrIncompleteCredential, n.Type)
	}
	if n.Credential.Protocol() != n.Type {
		return fmt.Errorf("%w: credential is %s, node is %s", ErrIncompleteCredential, n.Credential.Protocol(), n.Type)
	}
	return n.Credential.Validate()
}
