package protocol

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI_VLESS(t *testing.T) {
	node, err := ParseURI("vless://uuid-1@1.2.3.4:443?security=tls&sni=example.com#MyNode")
	require.NoError(t, err)

	assert.Equal(t, TypeVLESS, node.Type)
	assert.Equal(t, "1.2.3.4", node.Address)
	assert.Equal(t, 443, node.Port)
	assert.Equal(t, "MyNode", node.Name)

	cred, ok := node.Credential.(VLESSCredential)
	require.True(t, ok)
	assert.Equal(t, "uuid-1", cred.UUID)
	assert.Equal(t, "tls", cred.Security)
	assert.Equal(t, "example.com", cred.SNI)
	assert.Equal(t, "none", cred.Encryption)
	assert.Equal(t, "tcp", cred.Network)
}

func TestParseURI_VLESSDefaults(t *testing.T) {
	t.Run("sni falls back to host header", func(t *testing.T) {
		node, err := ParseURI("vless://abc@example.org:8443?type=ws&host=cdn.example.org&path=%2Fws#Edge%20Node")
		require.NoError(t, err)
		cred := node.Credential.(VLESSCredential)
		assert.Equal(t, "cdn.example.org", cred.SNI)
		assert.Equal(t, "/ws", cred.Path)
		assert.Equal(t, "ws", cred.Network)
		assert.Equal(t, "Edge Node", node.Name)
	})

	t.Run("missing uuid", func(t *testing.T) {
		_, err := ParseURI("vless://1.2.3.4:443")
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "vless", perr.Scheme)
		assert.Equal(t, "uuid", perr.Field)
	})

	t.Run("port out of range", func(t *testing.T) {
		_, err := ParseURI("vless://abc@1.2.3.4:70000")
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "port", perr.Field)
	})

	t.Run("malformed vless never tries vmess", func(t *testing.T) {
		_, err := ParseURI("vless://" + base64.StdEncoding.EncodeToString([]byte(`{"add":"1.1.1.1","port":1,"id":"x"}`)))
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "vless", perr.Scheme)
	})
}

func TestParseURI_VMess(t *testing.T) {
	raw := `{"v":"2","ps":"HK 01","add":"hk.example.com","port":"10086","id":"b831381d-6324-4d53-ad4f-8cda48b30811","aid":"4","net":"ws","type":"none","host":"hk.example.com","path":"/ray","tls":"tls"}`

	for name, enc := range map[string]*base64.Encoding{
		"std":     base64.StdEncoding,
		"raw std": base64.RawStdEncoding,
		"url":     base64.URLEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			node, err := ParseURI("vmess://" + enc.EncodeToString([]byte(raw)))
			require.NoError(t, err)
			assert.Equal(t, TypeVMess, node.Type)
			assert.Equal(t, "hk.example.com", node.Address)
			assert.Equal(t, 10086, node.Port)
			assert.Equal(t, "HK 01", node.Name)

			cred := node.Credential.(VMessCredential)
			assert.Equal(t, "b831381d-6324-4d53-ad4f-8cda48b30811", cred.UUID)
			assert.Equal(t, 4, cred.AlterID)
			assert.Equal(t, "auto", cred.Security)
			assert.Equal(t, "ws", cred.Network)
			assert.Equal(t, "/ray", cred.Path)
			assert.Equal(t, "tls", cred.TLS)
		})
	}

	t.Run("numeric port and remarks", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString([]byte(`{"add":"1.2.3.4","port":443,"id":"u","remarks":"fallback"}`))
		node, err := ParseURI("vmess://" + payload)
		require.NoError(t, err)
		assert.Equal(t, 443, node.Port)
		assert.Equal(t, "fallback", node.Name)
		assert.Equal(t, 0, node.Credential.(VMessCredential).AlterID)
	})
}

func TestParseURI_VMessErrors(t *testing.T) {
	cases := map[string]struct {
		uri   string
		field string
	}{
		"invalid base64":  {uri: "vmess://not-valid-base64!!!", field: "payload"},
		"invalid json":    {uri: "vmess://" + base64.StdEncoding.EncodeToString([]byte("{nope")), field: "payload"},
		"json array":      {uri: "vmess://" + base64.StdEncoding.EncodeToString([]byte(`[1,2]`)), field: "payload"},
		"missing address": {uri: "vmess://" + base64.StdEncoding.EncodeToString([]byte(`{"port":1,"id":"u"}`)), field: "add"},
		"missing port":    {uri: "vmess://" + base64.StdEncoding.EncodeToString([]byte(`{"add":"a","id":"u"}`)), field: "port"},
		"missing id":      {uri: "vmess://" + base64.StdEncoding.EncodeToString([]byte(`{"add":"a","port":1}`)), field: "id"},
		"bad aid":         {uri: "vmess://" + base64.StdEncoding.EncodeToString([]byte(`{"add":"a","port":1,"id":"u","aid":"x"}`)), field: "aid"},
		"empty payload":   {uri: "vmess://", field: "payload"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseURI(tc.uri)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "vmess", perr.Scheme)
			assert.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestParseURI_UnsupportedSchemes(t *testing.T) {
	for _, uri := range []string{"ss://YWVzLTI1Ni1nY206cGFzcw@1.2.3.4:8388", "trojan://pw@1.2.3.4:443"} {
		_, err := ParseURI(uri)
		assert.True(t, errors.Is(err, ErrUnsupportedScheme), uri)
	}
	_, err := ParseURI("http://example.com")
	assert.ErrorIs(t, err, ErrUnknownScheme)
	_, err = ParseURI("garbage")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestVLESSRoundTrip(t *testing.T) {
	inputs := []string{
		"vless://uuid-1@1.2.3.4:443?security=tls&sni=example.com#MyNode",
		"vless://7f1c@[2001:db8::1]:8443?type=grpc&flow=xtls-rprx-vision&security=reality",
		"vless://abc@host.example:80",
	}
	for _, in := range inputs {
		first, err := ParseURI(in)
		require.NoError(t, err, in)

		out, err := BuildURI(first)
		require.NoError(t, err)

		second, err := ParseURI(out)
		require.NoError(t, err, out)
		assert.Equal(t, first.Address, second.Address)
		assert.Equal(t, first.Port, second.Port)
		assert.Equal(t, first.Name, second.Name)
		assert.Equal(t, first.Credential, second.Credential)
	}
}

func TestVMessRoundTrip(t *testing.T) {
	raw := `{"ps":"n","add":"10.0.0.1","port":"443","id":"id-1","aid":"2","net":"tcp","sni":"s.example"}`
	first, err := ParseURI("vmess://" + base64.StdEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)

	out, err := BuildURI(first)
	require.NoError(t, err)
	second, err := ParseURI(out)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", second.Address)
	assert.Equal(t, 443, second.Port)
	assert.Equal(t, "id-1", second.Credential.(VMessCredential).UUID)
	assert.Equal(t, 2, second.Credential.(VMessCredential).AlterID)
	assert.Equal(t, first.Credential, second.Credential)
}

func TestBuildURI_ShadowsocksAndTrojan(t *testing.T) {
	ss := Node{Name: "ss node", Type: TypeShadowsocks, Address: "1.1.1.1", Port: 8388,
		Credential: ShadowsocksCredential{Method: "aes-256-gcm", Password: "secret"}}
	uri, err := BuildURI(ss)
	require.NoError(t, err)
	assert.Equal(t, "ss://"+base64.RawURLEncoding.EncodeToString([]byte("aes-256-gcm:secret"))+"@1.1.1.1:8388#ss%20node", uri)

	tj := Node{Name: "tj", Type: TypeTrojan, Address: "t.example", Port: 443,
		Credential: TrojanCredential{Password: "pw", SNI: "t.example"}}
	uri, err = BuildURI(tj)
	require.NoError(t, err)
	assert.Equal(t, "trojan://pw@t.example:443?peer=t.example&sni=t.example#tj", uri)
}

func TestBuildURI_Rejects(t *testing.T) {
	_, err := BuildURI(Node{Type: TypeHysteria2, Address: "a", Port: 1})
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	_, err = BuildURI(Node{Type: TypeVLESS, Address: "a", Port: 1, Credential: VLESSCredential{}})
	assert.ErrorIs(t, err, ErrIncompleteCredential)

	_, err = BuildURI(Node{Type: TypeVMess, Address: "a", Port: 1, Credential: VLESSCredential{UUID: "x"}})
	assert.ErrorIs(t, err, ErrIncompleteCredential)
}

func TestWithClientSecret(t *testing.T) {
	node := Node{Type: TypeVLESS, Address: "a", Port: 1, Credential: VLESSCredential{UUID: "node-uuid"}}
	swapped := WithClientSecret(node, "user-uuid")
	assert.Equal(t, "user-uuid", swapped.Credential.(VLESSCredential).UUID)
	assert.Equal(t, "node-uuid", node.Credential.(VLESSCredential).UUID)
	assert.Equal(t, node, WithClientSecret(node, ""))
}

func TestCredentialMarshalling(t *testing.T) {
	cred := TrojanCredential{Password: "p", SNI: "s", AllowInsecure: true}
	raw, err := MarshalCredential(cred)
	require.NoError(t, err)
	decoded, err := UnmarshalCredential(TypeTrojan, raw)
	require.NoError(t, err)
	assert.Equal(t, cred, decoded)

	_, err = UnmarshalCredential(Type("bogus"), raw)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("SS")
	require.NoError(t, err)
	assert.Equal(t, TypeShadowsocks, typ)
	_, err = ParseType("wireguard")
	assert.ErrorIs(t, err, ErrUnknownType)
}
