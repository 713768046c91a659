package agentclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/support/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, protocol.Node) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	client := NewClient(config.AgentConfig{
		Scheme:        "http",
		ControlPort:   port,
		Token:         "agent-token",
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
		RetryInterval: time.Millisecond,
	}, logging.Discard())
	node := protocol.Node{
		ID:         7,
		Type:       protocol.TypeVLESS,
		Address:    u.Hostname(),
		Port:       443,
		Credential: protocol.VLESSCredential{UUID: "node-uuid", Flow: "xtls-rprx-vision"},
	}
	return client, node
}

func testAccount() Account {
	return Account{
		UserID:         3,
		SubscriptionID: 9,
		Secret:         "user-uuid",
		Token:          "sub-token",
		DeviceLimit:    2,
		TotalBytes:     10 << 30,
		ExpiresAt:      1700000000,
	}
}

func TestAddUser(t *testing.T) {
	var body []byte
	client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/inbounds/addClient", r.URL.Path)
		assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	require.True(t, client.AddUser(context.Background(), node, testAccount()))

	doc := gjson.ParseBytes(body)
	assert.Equal(t, "vless", doc.Get("protocol").String())
	assert.Equal(t, int64(443), doc.Get("port").Int())
	assert.Equal(t, "user-uuid", doc.Get("client.id").String())
	assert.Equal(t, "xtls-rprx-vision", doc.Get("client.flow").String())
	assert.Equal(t, "u3-s9", doc.Get("client.email").String())
	assert.Equal(t, int64(2), doc.Get("client.limitIp").Int())
	assert.Equal(t, int64(10<<30), doc.Get("client.totalGB").Int())
	assert.Equal(t, int64(1700000000000), doc.Get("client.expiryTime").Int())
	assert.True(t, doc.Get("client.enable").Bool())
	assert.Equal(t, "sub-token", doc.Get("client.subId").String())
}

func TestAddUserPasswordProtocols(t *testing.T) {
	var body []byte
	client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	node.Type = protocol.TypeShadowsocks
	node.Credential = protocol.ShadowsocksCredential{Method: "aes-256-gcm", Password: "node-pass"}

	require.True(t, client.AddUser(context.Background(), node, testAccount()))
	doc := gjson.ParseBytes(body)
	assert.Equal(t, "user-uuid", doc.Get("client.password").String())
	assert.Equal(t, "aes-256-gcm", doc.Get("client.method").String())
	assert.False(t, doc.Get("client.id").Exists())
}

func TestAddUserUnsupportedProtocolSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	node.Type = protocol.TypeHysteria2
	node.Credential = nil

	assert.False(t, client.AddUser(context.Background(), node, testAccount()))
	assert.Equal(t, int32(0), hits.Load())
}

func TestRetryBudget(t *testing.T) {
	t.Run("server errors use all attempts", func(t *testing.T) {
		var hits atomic.Int32
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		})
		assert.False(t, client.ResetTraffic(context.Background(), node, testAccount()))
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("recovers on later attempt", func(t *testing.T) {
		var hits atomic.Int32
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"success":true}`))
		})
		assert.True(t, client.ResetTraffic(context.Background(), node, testAccount()))
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var hits atomic.Int32
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		})
		assert.False(t, client.AddUser(context.Background(), node, testAccount()))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("success false is not retried", func(t *testing.T) {
		var hits atomic.Int32
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			_, _ = w.Write([]byte(`{"success":false,"msg":"duplicate email"}`))
		})
		assert.False(t, client.AddUser(context.Background(), node, testAccount()))
		assert.Equal(t, int32(1), hits.Load())
	})
}

func TestRemoveUser(t *testing.T) {
	t.Run("deletes by identifier", func(t *testing.T) {
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			assert.Equal(t, "/api/inbounds/client/u3-s9", r.URL.Path)
			_, _ = w.Write([]byte(`{"success":true}`))
		})
		assert.True(t, client.RemoveUser(context.Background(), node, testAccount()))
	})

	t.Run("missing client counts as removed", func(t *testing.T) {
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		assert.True(t, client.RemoveUser(context.Background(), node, testAccount()))
	})

	t.Run("forbidden is a failure", func(t *testing.T) {
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		assert.False(t, client.RemoveUser(context.Background(), node, testAccount()))
	})
}

func TestTrafficStats(t *testing.T) {
	client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/inbounds/client/u3-s9/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"data":{"uplink":1024,"downlink":4096}}`))
	})
	traffic, ok := client.TrafficStats(context.Background(), node, testAccount())
	require.True(t, ok)
	assert.Equal(t, Traffic{Uplink: 1024, Downlink: 4096}, traffic)
	assert.Equal(t, int64(5120), traffic.Total())
}

func TestTrafficStatsMalformed(t *testing.T) {
	client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	})
	traffic, ok := client.TrafficStats(context.Background(), node, testAccount())
	assert.False(t, ok)
	assert.Equal(t, Traffic{}, traffic)
}

func TestConnectedIPs(t *testing.T) {
	for name, payload := range map[string]string{
		"bare list":   `{"success":true,"data":["1.1.1.1","2.2.2.2","1.1.1.1"]}`,
		"wrapped":     `{"success":true,"data":{"ips":["1.1.1.1","2.2.2.2"]}}`,
		"with blanks": `{"success":true,"data":["1.1.1.1",""," 2.2.2.2 "]}`,
	} {
		t.Run(name, func(t *testing.T) {
			client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/inbounds/client/u3-s9/ips", r.URL.Path)
				_, _ = w.Write([]byte(payload))
			})
			ips, ok := client.ConnectedIPs(context.Background(), node, testAccount())
			require.True(t, ok)
			assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, ips)
		})
	}

	t.Run("null data means nobody online", func(t *testing.T) {
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"data":null}`))
		})
		ips, ok := client.ConnectedIPs(context.Background(), node, testAccount())
		require.True(t, ok)
		assert.Empty(t, ips)
	})
}

func TestCheckHealth(t *testing.T) {
	t.Run("online", func(t *testing.T) {
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/server/status", r.URL.Path)
			_, _ = w.Write([]byte(`{"success":true,"data":{"version":"1.8.4","uptime":3600}}`))
		})
		health := client.CheckHealth(context.Background(), node)
		assert.True(t, health.Online)
		assert.Equal(t, "1.8.4", health.Version)
		assert.Equal(t, int64(3600), health.Uptime)
		assert.Empty(t, health.Error)
		assert.GreaterOrEqual(t, health.ResponseTimeMs, int64(0))
	})

	t.Run("offline", func(t *testing.T) {
		client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		health := client.CheckHealth(context.Background(), node)
		assert.False(t, health.Online)
		assert.Contains(t, health.Error, "500")
	})
}

func TestCancelledContextStopsRetries(t *testing.T) {
	var hits atomic.Int32
	client, node := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, client.ResetTraffic(ctx, node, testAccount()))
	assert.LessOrEqual(t, hits.Load(), int32(1))
}
