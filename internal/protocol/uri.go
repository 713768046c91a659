package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// WithClientSecret returns a copy of node whose credential carries secret as
// the per-user uuid/password. An empty secret leaves the node untouched.
func WithClientSecret(node Node, secret string) Node {
	if secret == "" || node.Credential == nil {
		return node
	}
	node.Credential = node.Credential.WithSecret(secret)
	return node
}

// BuildURI reconstructs the wire-format link for node.
func BuildURI(node Node) (string, error) {
	if err := node.Validate(); err != nil {
		return "", err
	}
	switch cred := node.Credential.(type) {
	case VLESSCredential:
		return buildVLESSURI(node, cred), nil
	case VMessCredential:
		return buildVMessURI(node, cred)
	case ShadowsocksCredential:
		return buildShadowsocksURI(node, cred), nil
	case TrojanCredential:
		return buildTrojanURI(node, cred), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedProtocol, node.Credential)
	}
}

func hostPort(node Node) string {
	return net.JoinHostPort(node.Address, strconv.Itoa(node.Port))
}

func buildVLESSURI(node Node, cred VLESSCredential) string {
	u := url.URL{
		Scheme:   "vless",
		User:     url.User(cred.UUID),
		Host:     hostPort(node),
		Fragment: node.Name,
	}
	q := url.Values{}
	q.Set("encryption", defaultString(cred.Encryption, "none"))
	q.Set("security", defaultString(cred.Security, "none"))
	q.Set("type", defaultString(cred.Network, "tcp"))
	setIfNotEmpty(q, "flow", cred.Flow)
	setIfNotEmpty(q, "path", cred.Path)
	setIfNotEmpty(q, "host", cred.Host)
	setIfNotEmpty(q, "sni", cred.SNI)
	u.RawQuery = q.Encode()
	return u.String()
}

type vmessLink struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port int    `json:"port"`
	ID   string `json:"id"`
	Aid  int    `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host,omitempty"`
	Path string `json:"path,omitempty"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni,omitempty"`
}

func buildVMessURI(node Node, cred VMessCredential) (string, error) {
	payload, err := json.Marshal(vmessLink{
		V:    defaultString(cred.Version, "2"),
		PS:   node.Name,
		Add:  node.Address,
		Port: node.Port,
		ID:   cred.UUID,
		Aid:  cred.AlterID,
		Scy:  defaultString(cred.Security, "auto"),
		Net:  defaultString(cred.Network, "tcp"),
		Type: defaultString(cred.HeaderType, "none"),
		Host: cred.Host,
		Path: cred.Path,
		TLS:  cred.TLS,
		SNI:  cred.SNI,
	})
	if err != nil {
		return "", fmt.Errorf("encode vmess link: %w", err)
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(payload), nil
}

// buildShadowsocksURI emits SIP002: ss://base64url(method:password)@host:port[?plugin=..]#name.
func buildShadowsocksURI(node Node, cred ShadowsocksCredential) string {
	userinfo := base64.RawURLEncoding.EncodeToString([]byte(cred.Method + ":" + cred.Password))
	u := url.URL{
		Scheme:   "ss",
		User:     url.User(userinfo),
		Host:     hostPort(node),
		Fragment: node.Name,
	}
	if cred.Plugin != "" {
		plugin := cred.Plugin
		if cred.PluginOpts != "" {
			plugin += ";" + cred.PluginOpts
		}
		u.RawQuery = url.Values{"plugin": {plugin}}.Encode()
	}
	return u.String()
}

func buildTrojanURI(node Node, cred TrojanCredential) string {
	u := url.URL{
		Scheme:   "trojan",
		User:     url.User(cred.Password),
		Host:     hostPort(node),
		Fragment: node.Name,
	}
	q := url.Values{}
	if cred.SNI != "" {
		q.Set("sni", cred.SNI)
		q.Set("peer", cred.SNI)
	}
	if cred.AllowInsecure {
		q.Set("allowInsecure", "1")
	}
	if cred.Network != "" && cred.Network != "tcp" {
		q.Set("type", cred.Network)
		setIfNotEmpty(q, "path", cred.Path)
		setIfNotEmpty(q, "host", cred.Host)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func setIfNotEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
