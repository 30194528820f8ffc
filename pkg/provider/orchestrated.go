package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
)

const (
	EnvProviderHost         = "KAPETA_PROVIDER_HOST"
	EnvProviderPortPrefix   = "KAPETA_PROVIDER_PORT_"
	EnvConsumerService      = "KAPETA_CONSUMER_SERVICE_%s_%s"
	EnvConsumerResource     = "KAPETA_CONSUMER_RESOURCE_%s_%s"
	EnvInstanceOperator     = "KAPETA_INSTANCE_OPERATOR_%s"
	EnvInstanceForConsumer  = "KAPETA_INSTANCE_FOR_CONSUMER_%s"
	EnvInstancesForProvider = "KAPETA_INSTANCES_FOR_PROVIDER_%s"
	EnvInstanceConfig       = "KAPETA_INSTANCE_CONFIG"
	EnvBlockHosts           = "KAPETA_BLOCK_HOSTS"

	DefaultOrchestratedPort = 80
	DefaultOrchestratedHost = "0.0.0.0"

	OrchestratedProviderID = "kubernetes"
)

var envNameReplacer = strings.NewReplacer(".", "_", ",", "_", "-", "_")

// EnvName normalizes a name for use inside an environment variable name.
func EnvName(name string) string {
	return envNameReplacer.Replace(strings.TrimSpace(strings.ToUpper(name)))
}

// Orchestrated resolves everything from environment variables injected by
// the orchestrator. It never talks to the network.
type Orchestrated struct {
	identity Identity
	env      env.Lookup
	logger   *zap.Logger

	mu    sync.Mutex
	hosts map[string]string
}

// NewOrchestrated builds a provider reading opts.Env.
func NewOrchestrated(opts Options) *Orchestrated {
	return &Orchestrated{
		identity: opts.Identity,
		env:      opts.lookup(),
		logger:   opts.logger().Named("orchestrated-provider"),
	}
}

func (o *Orchestrated) ServerPort(_ context.Context, portType string) (int, error) {
	name := EnvProviderPortPrefix + EnvName(portTypeOrDefault(portType))
	v, ok := o.env.NonEmpty(name)
	if !ok {
		return DefaultOrchestratedPort, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, configError("%s=%q is not a port", name, v)
	}
	return port, nil
}

func (o *Orchestrated) ServerHost() string {
	if v, ok := o.env.NonEmpty(EnvProviderHost); ok {
		return v
	}
	return DefaultOrchestratedHost
}

func (o *Orchestrated) SystemID() string {
	return o.identity.SystemID
}

func (o *Orchestrated) Identity() Identity {
	return o.identity
}

func (o *Orchestrated) ServiceAddress(_ context.Context, serviceName, portType string) (string, error) {
	return o.require(fmt.Sprintf(EnvConsumerService, EnvName(serviceName), EnvName(portTypeOrDefault(portType))))
}

// ResourceInfo ignores the resource type; the orchestrator injects one
// variable per consumed resource name.
func (o *Orchestrated) ResourceInfo(_ context.Context, _, portType, resourceName string) (*ResourceInfo, error) {
	name := fmt.Sprintf(EnvConsumerResource, EnvName(resourceName), EnvName(portTypeOrDefault(portType)))
	var info ResourceInfo
	if err := o.requireJSON(name, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// InstanceHost looks instanceID up in the host table, which is parsed once.
func (o *Orchestrated) InstanceHost(_ context.Context, instanceID string) (string, error) {
	hosts, err := o.blockHosts()
	if err != nil {
		return "", err
	}
	host, ok := hosts[instanceID]
	if !ok {
		return "", fmt.Errorf("%w: %w: unknown instance id %q in %s", ErrConfiguration, ErrNotFound, instanceID, EnvBlockHosts)
	}
	return host, nil
}

func (o *Orchestrated) blockHosts() (map[string]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hosts != nil {
		return o.hosts, nil
	}

	hosts := make(map[string]string)
	if err := o.requireJSON(EnvBlockHosts, &hosts); err != nil {
		return nil, err
	}
	o.hosts = hosts
	return hosts, nil
}

// InstanceConfig parses the injected configuration document. A missing
// variable yields an empty document.
func (o *Orchestrated) InstanceConfig(_ context.Context) (flatten.Document, error) {
	v, ok := o.env.NonEmpty(EnvInstanceConfig)
	if !ok {
		o.logger.Warn("instance config not set, using empty configuration", zap.String("env", EnvInstanceConfig))
		return flatten.Empty(), nil
	}
	doc, err := flatten.Parse([]byte(v))
	if err != nil {
		return flatten.Document{}, configError("%s: %v", EnvInstanceConfig, err)
	}
	if doc.IsNull() {
		return flatten.Empty(), nil
	}
	return doc, nil
}

func (o *Orchestrated) ProviderID() string {
	return OrchestratedProviderID
}

func (o *Orchestrated) InstanceOperatorRaw(_ context.Context, instanceID string) (*RawOperator, error) {
	var op RawOperator
	if err := o.requireJSON(fmt.Sprintf(EnvInstanceOperator, EnvName(instanceID)), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (o *Orchestrated) InstanceForConsumerRaw(_ context.Context, resourceName string) (*RawBlockInstance, error) {
	var details RawBlockInstance
	if err := o.requireJSON(fmt.Sprintf(EnvInstanceForConsumer, EnvName(resourceName)), &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (o *Orchestrated) InstancesForProviderRaw(_ context.Context, resourceName string) ([]RawBlockInstance, error) {
	var list []RawBlockInstance
	if err := o.requireJSON(fmt.Sprintf(EnvInstancesForProvider, EnvName(resourceName)), &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []RawBlockInstance{}
	}
	return list, nil
}

func (o *Orchestrated) require(name string) (string, error) {
	v, ok := o.env.NonEmpty(name)
	if !ok {
		return "", configError("missing environment variable %s", name)
	}
	return v, nil
}

func (o *Orchestrated) requireJSON(name string, v any) error {
	raw, err := o.require(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return configError("%s is not valid JSON: %v", name, err)
		}
		return configError("decode %s: %v", name, err)
	}
	return nil
}
