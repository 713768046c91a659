package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnknownScheme 表示 URI 前缀无法识别。
	ErrUnknownScheme = errors.New("protocol: unknown uri scheme / 无法识别的链接协议")
	// ErrUnsupportedScheme 表示该协议的链接导入尚未实现。
	ErrUnsupportedScheme = errors.New("protocol: uri import not supported for scheme / 该协议暂不支持链接导入")
)

// ParseError names the scheme and the field that made a URI unusable.
type ParseError struct {
	Scheme string
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse ")
	if e.Scheme != "" {
		b.WriteString(e.Scheme)
		b.WriteString(" ")
	}
	b.WriteString("uri")
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseURI converts a pasted proxy link into a node draft. Each scheme is handled
// by exactly one parser; a malformed vless:// link never falls through to vmess.
func ParseURI(raw string) (Node, error) {
	raw = strings.TrimSpace(raw)
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return Node{}, &ParseError{Field: "scheme", Reason: "expected vless:// or vmess://", Err: ErrUnknownScheme}
	}
	switch strings.ToLower(scheme) {
	case "vless":
		return parseVLESS(raw)
	case "vmess":
		return parseVMess(raw)
	case "ss", "trojan":
		return Node{}, &ParseError{Scheme: strings.ToLower(scheme), Field: "scheme", Reason: "link import is not implemented for this protocol, submit the node fields explicitly", Err: ErrUnsupportedScheme}
	default:
		return Node{}, &ParseError{Scheme: scheme, Field: "scheme", Reason: "expected vless:// or vmess://", Err: ErrUnknownScheme}
	}
}

// parseVLESS handles vless://uuid@host:port?params#name.
func parseVLESS(raw string) (Node, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Node{}, &ParseError{Scheme: "vless", Field: "uri", Reason: err.Error(), Err: err}
	}
	if u.User == nil || u.User.Username() == "" {
		return Node{}, &ParseError{Scheme: "vless", Field: "uuid", Reason: "missing user info"}
	}
	host := u.Hostname()
	if host == "" {
		return Node{}, &ParseError{Scheme: "vless", Field: "address", Reason: "missing host"}
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return Node{}, &ParseError{Scheme: "vless", Field: "port", Reason: err.Error()}
	}

	params := u.Query()
	cred := VLESSCredential{
		UUID:       u.User.Username(),
		Encryption: defaultString(params.Get("encryption"), "none"),
		Security:   defaultString(params.Get("security"), "none"),
		Network:    defaultString(params.Get("type"), "tcp"),
		Flow:       params.Get("flow"),
		Path:       params.Get("path"),
		Host:       params.Get("host"),
		SNI:        params.Get("sni"),
	}
	if cred.SNI == "" {
		cred.SNI = cred.Host
	}

	return Node{
		Name:       u.Fragment,
		Type:       TypeVLESS,
		Address:    host,
		Port:       port,
		Credential: cred,
	}, nil
}

// parseVMess handles vmess://base64(json).
func parseVMess(raw string) (Node, error) {
	payload := strings.TrimSpace(raw[len("vmess://"):])
	if payload == "" {
		return Node{}, &ParseError{Scheme: "vmess", Field: "payload", Reason: "empty payload"}
	}
	decoded, err := decodeBase64(payload)
	if err != nil {
		return Node{}, &ParseError{Scheme: "vmess", Field: "payload", Reason: "invalid base64", Err: err}
	}
	if !gjson.ValidBytes(decoded) {
		return Node{}, &ParseError{Scheme: "vmess", Field: "payload", Reason: "invalid JSON"}
	}
	obj := gjson.ParseBytes(decoded)
	if !obj.IsObject() {
		return Node{}, &ParseError{Scheme: "vmess", Field: "payload", Reason: "JSON payload must be an object"}
	}

	address := strings.TrimSpace(obj.Get("add").String())
	if address == "" {
		return Node{}, &ParseError{Scheme: "vmess", Field: "add", Reason: "missing address"}
	}
	portField := obj.Get("port")
	if !portField.Exists() {
		return Node{}, &ParseError{Scheme: "vmess", Field: "port", Reason: "missing port"}
	}
	port, err := parsePort(strings.TrimSpace(portField.String()))
	if err != nil {
		return Node{}, &ParseError{Scheme: "vmess", Field: "port", Reason: err.Error()}
	}
	id := strings.TrimSpace(obj.Get("id").String())
	if id == "" {
		return Node{}, &ParseError{Scheme: "vmess", Field: "id", Reason: "missing id"}
	}
	alterID := 0
	if aid := obj.Get("aid"); aid.Exists() && aid.String() != "" {
		n, err := strconv.Atoi(strings.TrimSpace(aid.String()))
		if err != nil || n < 0 {
			return Node{}, &ParseError{Scheme: "vmess", Field: "aid", Reason: "alterId must be a non-negative integer"}
		}
		alterID = n
	}

	cred := VMessCredential{
		UUID:       id,
		AlterID:    alterID,
		Security:   defaultString(obj.Get("scy").String(), "auto"),
		Network:    defaultString(obj.Get("net").String(), "tcp"),
		HeaderType: defaultString(obj.Get("type").String(), "none"),
		Host:       obj.Get("host").String(),
		Path:       obj.Get("path").String(),
		TLS:        obj.Get("tls").String(),
		SNI:        obj.Get("sni").String(),
		Version:    defaultString(obj.Get("v").String(), "2"),
	}

	name := obj.Get("ps").String()
	if name == "" {
		name = obj.Get("remarks").String()
	}

	return Node{
		Name:       name,
		Type:       TypeVMess,
		Address:    address,
		Port:       port,
		Credential: cred,
	}, nil
}

// decodeBase64 accepts the padded/unpadded standard and URL-safe alphabets clients emit.
func decodeBase64(s string) ([]byte, error) {
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(s)
		if err == nil {
			return decoded, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func parsePort(raw string) (int, error) {
	if raw == "" {
		return 0, errors.New("missing port")
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", raw)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
