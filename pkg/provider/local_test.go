package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
	"github.com/eugenenazirov/kapeta-config/pkg/transport"
)

const testPlan = `{
  "data": {
    "kind": "core/plan",
    "metadata": {"name": "kapeta/shop"},
    "spec": {
      "blocks": [
        {"id": "inst-1", "name": "self", "block": {"ref": "kapeta/self:1.0.0"}},
        {"id": "inst-2", "name": "users", "block": {"ref": "kapeta/users:1.0.0"}},
        {"id": "inst-3", "name": "web", "block": {"ref": "kapeta/web:1.0.0"}}
      ],
      "connections": [
        {"consumer": {"blockId": "inst-1", "resourceName": "users"}, "provider": {"blockId": "inst-2", "resourceName": "api"}},
        {"consumer": {"blockId": "inst-3", "resourceName": "feed"}, "provider": {"blockId": "inst-1", "resourceName": "events"}},
        {"consumer": {"blockId": "inst-2", "resourceName": "audit"}, "provider": {"blockId": "inst-1", "resourceName": "events"}},
        {"consumer": {"blockId": "inst-2", "resourceName": "audit2"}, "provider": {"blockId": "inst-1", "resourceName": "events"}}
      ]
    }
  }
}`

type fakeDaemon struct {
	mu             sync.Mutex
	instanceConfig string
	portCalls      int
	lastHeaders    http.Header
	registered     string
	deregistered   bool
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeaders = r.Header.Clone()

	switch {
	case r.URL.Path == "/config/identity":
		_, _ = io.WriteString(w, `{"systemId":"sys-1","instanceId":"inst-1"}`)
	case r.URL.Path == "/config/provides/rest":
		d.portCalls++
		_, _ = io.WriteString(w, "8080\n")
	case r.URL.Path == "/config/consumes/users/rest":
		_, _ = io.WriteString(w, "http://users:80/")
	case r.URL.Path == "/config/consumes/resource/sqldb/postgres/maindb":
		_, _ = io.WriteString(w, `{"host":"db","port":5432,"type":"sqldb","protocol":"postgres","credentials":{"username":"u"}}`)
	case r.URL.Path == "/config/operator/op-1":
		_, _ = io.WriteString(w, `{"hostname":"mq","ports":{"amqp":{"protocol":"amqp","port":5672}},"credentials":{"username":"guest","password":"pw"},"options":{"vhost":"/"}}`)
	case r.URL.Path == "/config/instance":
		_, _ = io.WriteString(w, d.instanceConfig)
	case r.URL.Path == "/instances/sys-1/inst-2/address/public":
		_, _ = io.WriteString(w, "users.local")
	case r.URL.Path == "/assets/read":
		switch r.URL.Query().Get("ref") {
		case "sys-1":
			_, _ = io.WriteString(w, testPlan)
		case "kapeta/users:1.0.0":
			_, _ = io.WriteString(w, `{"data":{"kind":"core/block-type","metadata":{"name":"kapeta/users"}}}`)
		case "kapeta/web:1.0.0":
			_, _ = io.WriteString(w, `{"data":{"kind":"core/block-type","metadata":{"name":"kapeta/web"}}}`)
		default:
			http.NotFound(w, r)
		}
	case r.URL.Path == "/instances" && r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		d.registered = string(data)
	case r.URL.Path == "/instances" && r.Method == http.MethodDelete:
		d.deregistered = true
	default:
		http.NotFound(w, r)
	}
}

func daemonEnv(t *testing.T, srv *httptest.Server, extra map[string]string) env.Lookup {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	vars := map[string]string{
		EnvLocalClusterHost: u.Hostname(),
		EnvLocalClusterPort: u.Port(),
	}
	for k, v := range extra {
		vars[k] = v
	}
	return env.FromMap(vars)
}

func newTestLocal(t *testing.T, extraEnv map[string]string) (*Local, *fakeDaemon) {
	t.Helper()
	daemon := &fakeDaemon{instanceConfig: "server:\n  name: users\nlog:\n  level: debug\n"}
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)

	l, err := NewLocal(context.Background(), Options{
		Identity: Identity{BlockRef: "kapeta/self:local"},
		Env:      daemonEnv(t, srv, extraEnv),
		HomeDir:  t.TempDir(),
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, daemon
}

func TestLocalResolvesIdentity(t *testing.T) {
	l, daemon := newTestLocal(t, nil)

	assert.Equal(t, Identity{SystemID: "sys-1", InstanceID: "inst-1", BlockRef: "kapeta/self:local"}, l.Identity())
	assert.Equal(t, "sys-1", l.SystemID())

	_, err := l.ServiceAddress(context.Background(), "users", "")
	require.NoError(t, err)
	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Equal(t, "sys-1", daemon.lastHeaders.Get(transport.HeaderSystem))
	assert.Equal(t, "inst-1", daemon.lastHeaders.Get(transport.HeaderInstance))
	assert.Equal(t, "kapeta/self:local", daemon.lastHeaders.Get(transport.HeaderBlock))
}

func TestLocalIdentityFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	lookup := daemonEnv(t, srv, nil)
	srv.Close()

	_, err := NewLocal(context.Background(), Options{Env: lookup, HomeDir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrServiceUnavailable)
}

func TestLocalServerPortIsCached(t *testing.T) {
	l, daemon := newTestLocal(t, nil)

	for range 3 {
		port, err := l.ServerPort(context.Background(), "rest")
		require.NoError(t, err)
		assert.Equal(t, 8080, port)
	}
	port, err := l.ServerPort(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Equal(t, 1, daemon.portCalls)
}

func TestLocalServerPortFromEnv(t *testing.T) {
	l, daemon := newTestLocal(t, map[string]string{"KAPETA_LOCAL_SERVER_PORT_REST": "9999"})

	port, err := l.ServerPort(context.Background(), "rest")
	require.NoError(t, err)
	assert.Equal(t, 9999, port)

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	assert.Zero(t, daemon.portCalls)
}

func TestLocalServerHost(t *testing.T) {
	l, _ := newTestLocal(t, nil)
	assert.Equal(t, DefaultLocalServerHost, l.ServerHost())

	l, _ = newTestLocal(t, map[string]string{EnvLocalServer: "0.0.0.0"})
	assert.Equal(t, "0.0.0.0", l.ServerHost())
}

func TestLocalServiceAddress(t *testing.T) {
	l, _ := newTestLocal(t, nil)

	address, err := l.ServiceAddress(context.Background(), "Users", "rest")
	require.NoError(t, err)
	assert.Equal(t, "http://users:80/", address)

	_, err = l.ServiceAddress(context.Background(), "billing", "rest")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalResourceInfo(t *testing.T) {
	l, _ := newTestLocal(t, nil)

	info, err := l.ResourceInfo(context.Background(), "sqldb", "postgres", "maindb")
	require.NoError(t, err)
	assert.Equal(t, "db", info.Host)
	assert.Equal(t, Port("5432"), info.Port)
	assert.Equal(t, 5432, info.Port.Int())
	assert.Equal(t, "u", info.Credentials["username"])
}

func TestLocalInstanceHost(t *testing.T) {
	l, _ := newTestLocal(t, nil)

	host, err := l.InstanceHost(context.Background(), "inst-2")
	require.NoError(t, err)
	assert.Equal(t, "users.local", host)
}

func TestLocalInstanceConfig(t *testing.T) {
	l, daemon := newTestLocal(t, nil)

	doc, err := l.InstanceConfig(context.Background())
	require.NoError(t, err)
	props := flatten.Flatten(doc, nil)
	assert.Equal(t, []string{"server.name", "log.level"}, props.Keys())

	daemon.mu.Lock()
	daemon.instanceConfig = ""
	daemon.mu.Unlock()

	doc, err = l.InstanceConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, doc.IsEmpty())
}

func TestLocalOperator(t *testing.T) {
	l, _ := newTestLocal(t, nil)

	op, err := DefaultOperator(context.Background(), l, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "mq", op.Hostname)
	assert.Equal(t, 5672, op.Ports["amqp"].Port)
	assert.Equal(t, DefaultCredentials{Username: "guest", Password: "pw"}, op.Credentials)
	assert.Equal(t, "/", op.Options["vhost"])
}

func TestLocalInstanceForConsumer(t *testing.T) {
	l, _ := newTestLocal(t, nil)

	details, err := ConsumerInstance[BlockDefinition](context.Background(), l, "users")
	require.NoError(t, err)
	assert.Equal(t, "inst-2", details.InstanceID)
	assert.Equal(t, "kapeta/users", details.Block.Metadata.Name)
	require.Len(t, details.Connections, 1)
	assert.Equal(t, "api", details.Connections[0].Provider.ResourceName)

	_, err = ConsumerInstance[BlockDefinition](context.Background(), l, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalInstancesForProviderGroupsByConsumer(t *testing.T) {
	l, _ := newTestLocal(t, nil)

	list, err := ProviderInstances[BlockDefinition](context.Background(), l, "events")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "inst-3", list[0].InstanceID)
	assert.Equal(t, "kapeta/web", list[0].Block.Metadata.Name)
	assert.Len(t, list[0].Connections, 1)

	assert.Equal(t, "inst-2", list[1].InstanceID)
	assert.Len(t, list[1].Connections, 2)

	list, err = ProviderInstances[BlockDefinition](context.Background(), l, "nothing")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLocalLifecycle(t *testing.T) {
	l, daemon := newTestLocal(t, nil)

	require.NoError(t, l.OnInstanceStarted(context.Background(), "/.kapeta/health"))
	l.OnInstanceStopped(context.Background())

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	var info InstanceInfo
	require.NoError(t, json.Unmarshal([]byte(daemon.registered), &info))
	assert.Equal(t, "/.kapeta/health", info.Health)
	assert.NotEmpty(t, info.PID)
	assert.True(t, daemon.deregistered)
}

func TestLocalStoppedNeverFails(t *testing.T) {
	l, _ := newTestLocal(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() { l.OnInstanceStopped(ctx) })
}

func TestLocalProviderID(t *testing.T) {
	l, _ := newTestLocal(t, nil)
	assert.Equal(t, l.BaseURL(), l.ProviderID())
	assert.Contains(t, l.ProviderID(), "http://127.0.0.1:")
}
