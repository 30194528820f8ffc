package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
	"github.com/eugenenazirov/kapeta-config/pkg/transport"
)

const (
	// EnvLocalServer overrides the host this process binds to.
	EnvLocalServer = "KAPETA_LOCAL_SERVER"
	// EnvLocalServerPortPrefix followed by the upper-cased port type
	// short-circuits the daemon port lookup.
	EnvLocalServerPortPrefix = "KAPETA_LOCAL_SERVER_PORT_"

	DefaultLocalServerHost = "127.0.0.1"
)

// Local resolves everything by asking the discovery daemon running on the
// developer machine.
type Local struct {
	baseURL string
	client  *transport.Client
	env     env.Lookup
	logger  *zap.Logger

	mu    sync.Mutex
	ports map[string]int
}

var _ Lifecycle = (*Local)(nil)

// NewLocal locates the daemon and asks it who this process is. Failing to
// reach the daemon is fatal.
func NewLocal(ctx context.Context, opts Options) (*Local, error) {
	lookup := opts.lookup()
	logger := opts.logger().Named("local-provider")

	baseURL, err := ClusterServiceURL(userHomeDir(opts.HomeDir), lookup)
	if err != nil {
		return nil, err
	}

	client := transport.New(transport.Options{
		Environment: lookup.Get(transport.EnvEnvironmentType),
		BlockRef:    opts.Identity.BlockRef,
		SystemID:    opts.Identity.SystemID,
		InstanceID:  opts.Identity.InstanceID,
		HTTPClient:  opts.HTTPClient,
		Logger:      logger,
		Observer:    opts.Observer,
	})

	l := &Local{
		baseURL: baseURL,
		client:  client,
		env:     lookup,
		logger:  logger,
		ports:   make(map[string]int),
	}
	if err := l.resolveIdentity(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return l, nil
}

func (l *Local) resolveIdentity(ctx context.Context) error {
	body, err := l.client.Get(ctx, l.configURL("identity"))
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("resolve identity: invalid response %q", string(body))
	}

	systemID := gjson.GetBytes(body, "systemId").String()
	instanceID := gjson.GetBytes(body, "instanceId").String()
	l.client.SetIdentity(systemID, instanceID)

	l.logger.Info("identity resolved",
		zap.String("block_ref", l.client.BlockRef()),
		zap.String("system_id", systemID),
		zap.String("instance_id", instanceID),
	)
	return nil
}

// BaseURL is the daemon address this provider talks to.
func (l *Local) BaseURL() string {
	return l.baseURL
}

func (l *Local) ServerPort(ctx context.Context, portType string) (int, error) {
	portType = portTypeOrDefault(portType)

	if v, ok := l.env.NonEmpty(EnvLocalServerPortPrefix + strings.ToUpper(portType)); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, configError("%s%s=%q is not a port", EnvLocalServerPortPrefix, strings.ToUpper(portType), v)
		}
		return port, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if port, ok := l.ports[portType]; ok {
		return port, nil
	}

	body, err := l.fetchRequired(ctx, l.configURL("provides", portType), "server port "+portType)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, fmt.Errorf("server port %s: invalid response %q", portType, string(body))
	}
	l.ports[portType] = port
	return port, nil
}

func (l *Local) ServerHost() string {
	if v, ok := l.env.NonEmpty(EnvLocalServer); ok {
		return v
	}
	return DefaultLocalServerHost
}

func (l *Local) SystemID() string {
	return l.client.SystemID()
}

func (l *Local) Identity() Identity {
	return Identity{
		SystemID:   l.client.SystemID(),
		InstanceID: l.client.InstanceID(),
		BlockRef:   l.client.BlockRef(),
	}
}

func (l *Local) ServiceAddress(ctx context.Context, serviceName, portType string) (string, error) {
	portType = portTypeOrDefault(portType)
	what := fmt.Sprintf("service address %s/%s", serviceName, portType)
	body, err := l.fetchRequired(ctx, l.configURL("consumes", serviceName, portType), what)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (l *Local) ResourceInfo(ctx context.Context, resourceType, portType, resourceName string) (*ResourceInfo, error) {
	portType = portTypeOrDefault(portType)
	what := fmt.Sprintf("resource %s/%s/%s", resourceType, portType, resourceName)
	body, err := l.fetchRequired(ctx, l.configURL("consumes", "resource", resourceType, portType, resourceName), what)
	if err != nil {
		return nil, err
	}

	var info ResourceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", what, err)
	}
	return &info, nil
}

func (l *Local) InstanceHost(ctx context.Context, instanceID string) (string, error) {
	target := l.baseURL + "/instances/" + encodeSegment(l.client.SystemID()) + "/" + encodeSegment(instanceID) + "/address/public"
	body, err := l.fetchRequired(ctx, target, "instance host "+instanceID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (l *Local) InstanceConfig(ctx context.Context) (flatten.Document, error) {
	body, err := l.fetch(ctx, l.configURL("instance"), "instance config")
	if errors.Is(err, ErrNotFound) {
		return flatten.Empty(), nil
	}
	if err != nil {
		return flatten.Document{}, err
	}

	doc, err := flatten.Parse(body)
	if err != nil {
		return flatten.Document{}, fmt.Errorf("instance config: %w", err)
	}
	if doc.IsNull() {
		return flatten.Empty(), nil
	}
	return doc, nil
}

// ProviderID is the daemon base URL.
func (l *Local) ProviderID() string {
	return l.baseURL
}

func (l *Local) InstanceOperatorRaw(ctx context.Context, instanceID string) (*RawOperator, error) {
	what := "operator " + instanceID
	body, err := l.fetchRequired(ctx, l.configURL("operator", instanceID), what)
	if err != nil {
		return nil, err
	}

	var op RawOperator
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", what, err)
	}
	return &op, nil
}

func (l *Local) InstanceForConsumerRaw(ctx context.Context, resourceName string) (*RawBlockInstance, error) {
	plan, err := l.Plan(ctx)
	if err != nil {
		return nil, err
	}

	instanceID := l.client.InstanceID()
	for _, conn := range plan.Spec.Connections {
		if conn.Consumer.BlockID != instanceID || conn.Consumer.ResourceName != resourceName {
			continue
		}
		block, err := l.planBlockAsset(ctx, plan, conn.Provider.BlockID)
		if err != nil {
			return nil, err
		}
		return &RawBlockInstance{
			InstanceID:  conn.Provider.BlockID,
			Block:       block,
			Connections: []Connection{conn},
		}, nil
	}
	return nil, notFound("no connection for consumer resource %q of instance %s", resourceName, instanceID)
}

// InstancesForProviderRaw groups every connection to the provider resource
// by consuming instance, in the order the plan lists them.
func (l *Local) InstancesForProviderRaw(ctx context.Context, resourceName string) ([]RawBlockInstance, error) {
	plan, err := l.Plan(ctx)
	if err != nil {
		return nil, err
	}

	instanceID := l.client.InstanceID()
	out := []RawBlockInstance{}
	index := make(map[string]int)
	for _, conn := range plan.Spec.Connections {
		if conn.Provider.BlockID != instanceID || conn.Provider.ResourceName != resourceName {
			continue
		}
		consumerID := conn.Consumer.BlockID
		if i, ok := index[consumerID]; ok {
			out[i].Connections = append(out[i].Connections, conn)
			continue
		}
		block, err := l.planBlockAsset(ctx, plan, consumerID)
		if err != nil {
			return nil, err
		}
		index[consumerID] = len(out)
		out = append(out, RawBlockInstance{
			InstanceID:  consumerID,
			Block:       block,
			Connections: []Connection{conn},
		})
	}
	return out, nil
}

// Plan reads the plan of the current system.
func (l *Local) Plan(ctx context.Context) (*Plan, error) {
	return Asset[Plan](ctx, l, l.client.SystemID())
}

// Asset reads the asset ref from the daemon and decodes its data into T.
func Asset[T any](ctx context.Context, l *Local, ref string) (*T, error) {
	raw, err := l.assetRaw(ctx, ref)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("asset %s: decode: %w", ref, err)
	}
	return &out, nil
}

func (l *Local) assetRaw(ctx context.Context, ref string) (json.RawMessage, error) {
	what := "asset " + ref
	body, err := l.fetchRequired(ctx, l.baseURL+"/assets/read?ref="+encodeSegment(ref), what)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: invalid response", what)
	}
	data := gjson.GetBytes(body, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return nil, notFound("%s has no data", what)
	}
	return json.RawMessage(data.Raw), nil
}

func (l *Local) planBlockAsset(ctx context.Context, plan *Plan, blockID string) (json.RawMessage, error) {
	block, ok := plan.block(blockID)
	if !ok {
		return nil, notFound("block instance %s is not in plan %s", blockID, plan.Metadata.Name)
	}
	return l.assetRaw(ctx, block.Block.Ref)
}

// OnInstanceStarted registers this process and its health path with the
// daemon.
func (l *Local) OnInstanceStarted(ctx context.Context, healthPath string) error {
	payload, err := json.Marshal(InstanceInfo{
		PID:    strconv.Itoa(os.Getpid()),
		Health: healthPath,
	})
	if err != nil {
		return fmt.Errorf("encode instance info: %w", err)
	}
	if _, err := l.client.Put(ctx, l.baseURL+"/instances", payload); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	l.logger.Info("instance registered", zap.String("health", healthPath))
	return nil
}

func (l *Local) OnInstanceStopped(ctx context.Context) {
	if _, err := l.client.Delete(ctx, l.baseURL+"/instances"); err != nil {
		l.logger.Warn("failed to deregister instance", zap.Error(err))
		return
	}
	l.logger.Info("instance deregistered")
}

// Close releases the underlying HTTP connections.
func (l *Local) Close() error {
	return l.client.Close()
}

func (l *Local) configURL(segments ...string) string {
	var b strings.Builder
	b.WriteString(l.baseURL)
	b.WriteString("/config")
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(encodeSegment(s))
	}
	return b.String()
}

// fetch maps a 404 to ErrNotFound and keeps every other transport error
// wrapped as is.
func (l *Local) fetch(ctx context.Context, target, what string) ([]byte, error) {
	body, err := l.client.Get(ctx, target)
	if err != nil {
		if transport.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, what, err)
		}
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return body, nil
}

// fetchRequired is fetch that also treats an empty body as not found.
func (l *Local) fetchRequired(ctx context.Context, target, what string) ([]byte, error) {
	body, err := l.fetch(ctx, target, what)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, notFound("%s: empty response", what)
	}
	return body, nil
}

func encodeSegment(s string) string {
	return url.QueryEscape(strings.ToLower(s))
}
