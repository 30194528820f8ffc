package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
)

const (
	StaticProviderID = "test"

	DefaultStaticBlockRef = "test/block:0.0.1"
	DefaultStaticSystemID = "test/system:0.0.1"
)

// Static answers every lookup from values registered up front. It is meant
// for tests of code that depends on a Provider.
type Static struct {
	mu sync.RWMutex

	serverPort int
	serverHost string
	identity   Identity

	serviceAddresses  map[string]string
	resourceInfos     map[string]ResourceInfo
	instanceConfig    map[string]any
	instanceHosts     map[string]string
	instanceOperators map[string]any
	consumerInstances map[string]any
	providerInstances map[string][]any
}

// NewStatic returns a provider listening on 0.0.0.0:80 with a random
// instance id.
func NewStatic() *Static {
	return &Static{
		serverPort: DefaultOrchestratedPort,
		serverHost: DefaultOrchestratedHost,
		identity: Identity{
			SystemID:   DefaultStaticSystemID,
			InstanceID: uuid.NewString(),
			BlockRef:   DefaultStaticBlockRef,
		},
		serviceAddresses:  make(map[string]string),
		resourceInfos:     make(map[string]ResourceInfo),
		instanceConfig:    make(map[string]any),
		instanceHosts:     make(map[string]string),
		instanceOperators: make(map[string]any),
		consumerInstances: make(map[string]any),
		providerInstances: make(map[string][]any),
	}
}

func (s *Static) WithServerPort(port int) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverPort = port
	return s
}

func (s *Static) WithServerHost(host string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverHost = host
	return s
}

func (s *Static) WithInstanceID(id string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.InstanceID = id
	return s
}

func (s *Static) WithBlockRef(ref string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.BlockRef = ref
	return s
}

func (s *Static) WithSystemID(id string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.SystemID = id
	return s
}

func (s *Static) WithServiceAddress(serviceName, portType, address string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceAddresses[staticKey(serviceName, portType)] = address
	return s
}

func (s *Static) WithResourceInfo(resourceName, portType string, info ResourceInfo) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceInfos[staticKey(resourceName, portType)] = info
	return s
}

// WithInstanceConfigValue sets one top-level configuration entry.
func (s *Static) WithInstanceConfigValue(key string, value any) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instanceConfig[key] = value
	return s
}

// WithInstanceConfig replaces the whole configuration.
func (s *Static) WithInstanceConfig(config map[string]any) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instanceConfig = make(map[string]any, len(config))
	for k, v := range config {
		s.instanceConfig[k] = v
	}
	return s
}

func (s *Static) WithInstanceHost(instanceID, host string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instanceHosts[instanceID] = host
	return s
}

// WithInstanceOperator registers an operator. op is typically an
// InstanceOperator of any option and credential types.
func (s *Static) WithInstanceOperator(instanceID string, op any) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instanceOperators[instanceID] = op
	return s
}

// WithConsumerInstance registers the instance behind a consumer resource.
// details is typically a BlockInstanceDetails of any block type.
func (s *Static) WithConsumerInstance(resourceName string, details any) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerInstances[resourceName] = details
	return s
}

// WithProviderInstance appends one consumer of a provider resource.
func (s *Static) WithProviderInstance(resourceName string, details any) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerInstances[resourceName] = append(s.providerInstances[resourceName], details)
	return s
}

func (s *Static) ServerPort(context.Context, string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverPort, nil
}

func (s *Static) ServerHost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverHost
}

func (s *Static) SystemID() string {
	return s.Identity().SystemID
}

func (s *Static) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Static) ServiceAddress(_ context.Context, serviceName, portType string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	address, ok := s.serviceAddresses[staticKey(serviceName, portType)]
	if !ok {
		return "", notFound("service %s with port type %s", serviceName, portTypeOrDefault(portType))
	}
	return address, nil
}

func (s *Static) ResourceInfo(_ context.Context, _, portType, resourceName string) (*ResourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.resourceInfos[staticKey(resourceName, portType)]
	if !ok {
		return nil, notFound("resource %s with port type %s", resourceName, portTypeOrDefault(portType))
	}
	return &info, nil
}

func (s *Static) InstanceHost(_ context.Context, instanceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	host, ok := s.instanceHosts[instanceID]
	if !ok {
		return "", notFound("instance %s", instanceID)
	}
	return host, nil
}

func (s *Static) InstanceConfig(context.Context) (flatten.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.instanceConfig) == 0 {
		return flatten.Empty(), nil
	}
	return flatten.FromValue(s.instanceConfig)
}

func (s *Static) ProviderID() string {
	return StaticProviderID
}

func (s *Static) InstanceOperatorRaw(_ context.Context, instanceID string) (*RawOperator, error) {
	s.mu.RLock()
	op, ok := s.instanceOperators[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("operator %s", instanceID)
	}

	var raw RawOperator
	if err := recode(op, &raw); err != nil {
		return nil, fmt.Errorf("operator %s: %w", instanceID, err)
	}
	return &raw, nil
}

func (s *Static) InstanceForConsumerRaw(_ context.Context, resourceName string) (*RawBlockInstance, error) {
	s.mu.RLock()
	details, ok := s.consumerInstances[resourceName]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("instance for consumer resource %s", resourceName)
	}

	var raw RawBlockInstance
	if err := recode(details, &raw); err != nil {
		return nil, fmt.Errorf("consumer resource %s: %w", resourceName, err)
	}
	return &raw, nil
}

func (s *Static) InstancesForProviderRaw(_ context.Context, resourceName string) ([]RawBlockInstance, error) {
	s.mu.RLock()
	list, ok := s.providerInstances[resourceName]
	list = append([]any(nil), list...)
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("instances for provider resource %s", resourceName)
	}

	out := make([]RawBlockInstance, 0, len(list))
	for _, details := range list {
		var raw RawBlockInstance
		if err := recode(details, &raw); err != nil {
			return nil, fmt.Errorf("provider resource %s: %w", resourceName, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func staticKey(name, portType string) string {
	return name + "\x00" + portTypeOrDefault(portType)
}

// recode turns a typed value into its raw form through JSON.
func recode(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
