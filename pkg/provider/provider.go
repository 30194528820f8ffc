// Package provider resolves what a running block needs to know about its
// surroundings: its own port and identity, the addresses of services it
// consumes, resource credentials and operator connection details.
//
// Two strategies exist. Local asks a discovery daemon over HTTP; Orchestrated
// reads variables injected by the orchestrator. Static is a canned provider
// for tests.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
	"github.com/eugenenazirov/kapeta-config/pkg/transport"
)

// DefaultPortType is used whenever a caller passes an empty port type.
const DefaultPortType = "rest"

type (
	// RawOperator carries undecoded options and credentials.
	RawOperator = InstanceOperator[json.RawMessage, json.RawMessage]
	// RawBlockInstance carries an undecoded block definition.
	RawBlockInstance = BlockInstanceDetails[json.RawMessage]
)

// Provider is the common contract of every resolution strategy.
type Provider interface {
	// ServerPort is the port this process should listen on for portType.
	ServerPort(ctx context.Context, portType string) (int, error)
	// ServerHost is the interface this process should bind to.
	ServerHost() string
	SystemID() string
	Identity() Identity
	// ServiceAddress is the base URL of the service this block consumes
	// under serviceName.
	ServiceAddress(ctx context.Context, serviceName, portType string) (string, error)
	ResourceInfo(ctx context.Context, resourceType, portType, resourceName string) (*ResourceInfo, error)
	// InstanceHost is the public host of another block instance.
	InstanceHost(ctx context.Context, instanceID string) (string, error)
	// InstanceConfig is the configuration document of this instance. A
	// missing document is returned as an empty one.
	InstanceConfig(ctx context.Context) (flatten.Document, error)
	// ProviderID names the provider for diagnostics.
	ProviderID() string

	InstanceOperatorRaw(ctx context.Context, instanceID string) (*RawOperator, error)
	InstanceForConsumerRaw(ctx context.Context, resourceName string) (*RawBlockInstance, error)
	InstancesForProviderRaw(ctx context.Context, resourceName string) ([]RawBlockInstance, error)
}

// Lifecycle is implemented by providers that want to hear about process
// start and stop.
type Lifecycle interface {
	OnInstanceStarted(ctx context.Context, healthPath string) error
	// OnInstanceStopped must not fail; problems are logged.
	OnInstanceStopped(ctx context.Context)
}

// Operator resolves the operator instance id and decodes its options and
// credentials into O and C.
func Operator[O, C any](ctx context.Context, p Provider, instanceID string) (*InstanceOperator[O, C], error) {
	raw, err := p.InstanceOperatorRaw(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := &InstanceOperator[O, C]{
		Hostname: raw.Hostname,
		Ports:    raw.Ports,
		Path:     raw.Path,
		Query:    raw.Query,
		Hash:     raw.Hash,
	}
	if err := decodeRaw(raw.Options, &out.Options); err != nil {
		return nil, fmt.Errorf("decode operator %s options: %w", instanceID, err)
	}
	if err := decodeRaw(raw.Credentials, &out.Credentials); err != nil {
		return nil, fmt.Errorf("decode operator %s credentials: %w", instanceID, err)
	}
	return out, nil
}

// DefaultOperator is Operator with the default option and credential shapes.
func DefaultOperator(ctx context.Context, p Provider, instanceID string) (*InstanceOperator[DefaultOptions, DefaultCredentials], error) {
	return Operator[DefaultOptions, DefaultCredentials](ctx, p, instanceID)
}

// ConsumerInstance returns the instance that provides the consumer resource
// resourceName, with its block decoded into B.
func ConsumerInstance[B any](ctx context.Context, p Provider, resourceName string) (*BlockInstanceDetails[B], error) {
	raw, err := p.InstanceForConsumerRaw(ctx, resourceName)
	if err != nil {
		return nil, err
	}
	out, err := decodeInstance[B](*raw)
	if err != nil {
		return nil, fmt.Errorf("decode block for consumer %s: %w", resourceName, err)
	}
	return &out, nil
}

// ProviderInstances returns every instance consuming the provider resource
// resourceName, with blocks decoded into B.
func ProviderInstances[B any](ctx context.Context, p Provider, resourceName string) ([]BlockInstanceDetails[B], error) {
	raws, err := p.InstancesForProviderRaw(ctx, resourceName)
	if err != nil {
		return nil, err
	}
	out := make([]BlockInstanceDetails[B], 0, len(raws))
	for _, raw := range raws {
		decoded, err := decodeInstance[B](raw)
		if err != nil {
			return nil, fmt.Errorf("decode block for provider %s: %w", resourceName, err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

func decodeInstance[B any](raw RawBlockInstance) (BlockInstanceDetails[B], error) {
	out := BlockInstanceDetails[B]{
		InstanceID:  raw.InstanceID,
		Connections: raw.Connections,
	}
	err := decodeRaw(raw.Block, &out.Block)
	return out, err
}

func decodeRaw(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, v)
}

// Options configures the built-in providers.
type Options struct {
	// Identity holds what is known about this process at startup. Local may
	// replace the system and instance ids with those the daemon reports.
	Identity Identity
	// Env defaults to the process environment.
	Env env.Lookup
	// HomeDir locates the cluster-service file; defaults to the user's home.
	HomeDir    string
	HTTPClient *http.Client
	Logger     *zap.Logger
	Observer   transport.Observer
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) lookup() env.Lookup {
	if o.Env == nil {
		return env.OS()
	}
	return o.Env
}

// New builds the provider for t.
func New(ctx context.Context, t SystemType, opts Options) (Provider, error) {
	switch t {
	case SystemTypeLocal:
		local, err := NewLocal(ctx, opts)
		if err != nil {
			return nil, err
		}
		return local, nil
	case SystemTypeOrchestrated:
		return NewOrchestrated(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSystemType, t)
	}
}

func portTypeOrDefault(portType string) string {
	if portType == "" {
		return DefaultPortType
	}
	return portType
}
