package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/kapeta-config/internal/api"
	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/provider"
	"github.com/eugenenazirov/kapeta-config/pkg/propertysource"
)

const plan = `{"data":{"kind":"core/plan","metadata":{"name":"kapeta/shop"},"spec":{
  "blocks":[
    {"id":"inst-1","name":"orders","block":{"ref":"kapeta/orders:local"}},
    {"id":"inst-2","name":"users","block":{"ref":"kapeta/users:1.0.0"}}
  ],
  "connections":[
    {"consumer":{"blockId":"inst-1","resourceName":"users"},"provider":{"blockId":"inst-2","resourceName":"api"}}
  ]}}}`

// daemon stands in for the local cluster service.
type daemon struct {
	mu             sync.Mutex
	instanceConfig string
}

func (d *daemon) setInstanceConfig(body string) {
	d.mu.Lock()
	d.instanceConfig = body
	d.mu.Unlock()
}

func (d *daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case r.URL.Path == "/config/identity":
		_, _ = io.WriteString(w, `{"systemId":"sys-1","instanceId":"inst-1"}`)
	case r.URL.Path == "/config/provides/rest":
		_, _ = io.WriteString(w, "40001")
	case r.URL.Path == "/config/consumes/users/rest":
		_, _ = io.WriteString(w, "http://127.0.0.1:40002/")
	case r.URL.Path == "/config/instance":
		_, _ = io.WriteString(w, d.instanceConfig)
	case r.URL.Path == "/assets/read" && r.URL.Query().Get("ref") == "sys-1":
		_, _ = io.WriteString(w, plan)
	case r.URL.Path == "/assets/read" && r.URL.Query().Get("ref") == "kapeta/users:1.0.0":
		_, _ = io.WriteString(w, `{"data":{"kind":"core/block-type","metadata":{"name":"kapeta/users"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func newLocal(t *testing.T, d *daemon) *provider.Local {
	t.Helper()

	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse daemon url: %v", err)
	}
	local, err := provider.NewLocal(context.Background(), provider.Options{
		Identity: provider.Identity{BlockRef: "kapeta/orders:local"},
		Env: env.FromMap(map[string]string{
			provider.EnvLocalClusterHost: u.Hostname(),
			provider.EnvLocalClusterPort: u.Port(),
		}),
		HomeDir: t.TempDir(),
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })
	return local
}

func performRequest(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func property(t *testing.T, handler http.Handler, key string) string {
	t.Helper()

	rec := performRequest(t, handler, api.ConfigPath+"/"+key)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: expected 200, got %d", key, rec.Code)
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode property: %v", err)
	}
	return resp.Value
}

func TestLocalBlockFlow(t *testing.T) {
	d := &daemon{instanceConfig: `
db:
  password: "%DB_PASSWORD%"
  pool: 5
hosts: [a, b]
`}
	local := newLocal(t, d)

	source := propertysource.New(propertysource.Options{
		Provider:   local,
		SystemType: provider.DefaultSystemType,
		Overrides:  map[string]string{"db.pool": "10"},
		Env: env.FromMap(map[string]string{
			"DB_PASSWORD": "s3cret",
		}),
		Environ: env.EnvironFromMap(map[string]string{"KAPETA_FEATURE_FLAGS": "on"}),
		Logger:  zaptest.NewLogger(t),
	})
	if err := source.Load(context.Background()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	router := api.NewRouter(api.NewHandler(source, local), zaptest.NewLogger(t), api.WithLogging(false))

	if rec := performRequest(t, router, "/.kapeta/health"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}

	for key, want := range map[string]string{
		"db.password":        "s3cret",
		"db.pool":            "10",
		"hosts[0]":           "a",
		"hosts[1]":           "b",
		"feature.flags":      "on",
		"server.port":        "40001",
		"server.host":        "127.0.0.1",
		"kapeta.instance.id": "inst-1",
		"kapeta.system.id":   "sys-1",
		"kapeta.block.ref":   "kapeta/orders:local",
		"kapeta.system.type": "development",
	} {
		if got := property(t, router, url.PathEscape(key)); got != want {
			t.Fatalf("%s: expected %q, got %q", key, want, got)
		}
	}

	address, err := local.ServiceAddress(context.Background(), "users", "")
	if err != nil {
		t.Fatalf("ServiceAddress returned error: %v", err)
	}
	if address != "http://127.0.0.1:40002/" {
		t.Fatalf("unexpected service address: %s", address)
	}

	users, err := provider.ConsumerInstance[provider.BlockDefinition](context.Background(), local, "users")
	if err != nil {
		t.Fatalf("ConsumerInstance returned error: %v", err)
	}
	if users.InstanceID != "inst-2" || users.Block.Metadata.Name != "kapeta/users" {
		t.Fatalf("unexpected consumer instance: %+v", users)
	}

	d.setInstanceConfig(`{"db":{"password":"rotated","pool":5}}`)
	if !source.Reload(context.Background()) {
		t.Fatalf("expected reload to be applied")
	}
	if got := property(t, router, "db.password"); got != "rotated" {
		t.Fatalf("expected rotated password after reload, got %q", got)
	}
	if rec := performRequest(t, router, api.ConfigPath+"/hosts%5B0%5D"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected hosts to disappear after reload, got %d", rec.Code)
	}
}

func TestOrchestratedBlockFlow(t *testing.T) {
	lookup := env.FromMap(map[string]string{
		provider.EnvProviderHost:                "10.0.0.7",
		provider.EnvProviderPortPrefix + "REST": "8080",
		provider.EnvInstanceConfig:              `{"cache":{"ttl":"30s"}}`,
		provider.EnvBlockHosts:                  `{"inst-2":"users.default.svc"}`,
		"KAPETA_CONSUMER_SERVICE_USERS_REST":    "http://users.default.svc/",
	})
	orchestrated := provider.NewOrchestrated(provider.Options{
		Identity: provider.Identity{SystemID: "sys-1", InstanceID: "inst-1", BlockRef: "kapeta/orders:1.0.0"},
		Env:      lookup,
		Logger:   zaptest.NewLogger(t),
	})

	source := propertysource.New(propertysource.Options{
		Provider:   orchestrated,
		SystemType: "kubernetes",
		Env:        lookup,
		Environ:    env.EnvironFromMap(nil),
		Logger:     zaptest.NewLogger(t),
	})
	if err := source.Load(context.Background()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	router := api.NewRouter(api.NewHandler(source, orchestrated), zaptest.NewLogger(t), api.WithLogging(false))

	rec := performRequest(t, router, api.ConfigPath)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from config, got %d", rec.Code)
	}
	var resp struct {
		Provider   string            `json:"provider"`
		Properties map[string]string `json:"properties"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if resp.Provider != "kubernetes" {
		t.Fatalf("unexpected provider id: %s", resp.Provider)
	}
	if resp.Properties["cache.ttl"] != "30s" || resp.Properties["server.port"] != "8080" || resp.Properties["server.host"] != "10.0.0.7" {
		t.Fatalf("unexpected properties: %v", resp.Properties)
	}

	host, err := orchestrated.InstanceHost(context.Background(), "inst-2")
	if err != nil || host != "users.default.svc" {
		t.Fatalf("unexpected instance host %q (%v)", host, err)
	}
	address, err := orchestrated.ServiceAddress(context.Background(), "users", "rest")
	if err != nil || address != "http://users.default.svc/" {
		t.Fatalf("unexpected service address %q (%v)", address, err)
	}
}
