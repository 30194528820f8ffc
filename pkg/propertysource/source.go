// Package propertysource merges everything a provider knows into the one flat
// property space the rest of the process reads from.
//
// Layers are applied in this order, later layers winning:
//
//  1. the flattened instance configuration document
//  2. server.port and server.host
//  3. kapeta.block.ref, kapeta.system.id, kapeta.instance.id, kapeta.system.type
//  4. explicit process overrides
//  5. KAPETA_<SECTION>_<KEY> environment variables, as <section>.<key>
package propertysource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
	"github.com/eugenenazirov/kapeta-config/pkg/provider"
)

const (
	KeyServerPort = "server.port"
	KeyServerHost = "server.host"

	KeyBlockRef   = "kapeta.block.ref"
	KeySystemID   = "kapeta.system.id"
	KeyInstanceID = "kapeta.instance.id"
	KeySystemType = "kapeta.system.type"

	envOverridePrefix = "KAPETA_"
)

// ErrNotLoaded is returned by accessors used before the first Load.
var ErrNotLoaded = errors.New("property source not loaded")

// ReloadObserver is told about every Reload outcome: "applied", "empty" or
// "failed".
type ReloadObserver interface {
	ObserveReload(outcome string)
}

// Options configures a Source.
type Options struct {
	Provider provider.Provider
	// SystemType is published as kapeta.system.type.
	SystemType string
	// Overrides are explicit process overrides such as command line flags.
	Overrides map[string]string
	// Env resolves %TOKEN% placeholders. Defaults to the process environment.
	Env env.Lookup
	// Environ lists the variables scanned for KAPETA_ overrides. Defaults to
	// the process environment.
	Environ  env.Environ
	Logger   *zap.Logger
	Observer ReloadObserver
}

// Source holds the current property snapshot. Load and Reload serialize;
// readers see either the old or the new snapshot, never a mix.
type Source struct {
	provider   provider.Provider
	systemType string
	overrides  *flatten.Properties
	env        env.Lookup
	environ    env.Environ
	logger     *zap.Logger
	observer   ReloadObserver

	mu       sync.Mutex
	snapshot atomic.Pointer[flatten.Properties]
	// configured is whether the current snapshot holds instance
	// configuration entries. Guarded by mu.
	configured bool
}

// New returns an unloaded Source.
func New(opts Options) *Source {
	s := &Source{
		provider:   opts.Provider,
		systemType: opts.SystemType,
		overrides:  flatten.PropertiesFromMap(opts.Overrides),
		env:        opts.Env,
		environ:    opts.Environ,
		logger:     opts.Logger,
		observer:   opts.Observer,
	}
	if s.env == nil {
		s.env = env.OS()
	}
	if s.environ == nil {
		s.environ = env.OSEnviron()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Name identifies where the properties came from.
func (s *Source) Name() string {
	return s.provider.ProviderID()
}

// Load resolves the property space and installs it. Any failure is returned
// and leaves the previous snapshot, if any, in place.
func (s *Source) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	props, configured, err := s.build(ctx)
	if err != nil {
		return err
	}
	s.snapshot.Store(props)
	s.configured = configured
	s.logger.Info("properties loaded",
		zap.String("source", s.Name()),
		zap.Int("count", props.Len()),
	)
	return nil
}

// Reload resolves the property space again and swaps it in only when it
// succeeded and the instance configuration did not come back empty after a
// non-empty one. Otherwise the last good snapshot is kept. It reports
// whether the new snapshot was applied.
func (s *Source) Reload(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	props, configured, err := s.build(ctx)
	if err != nil {
		s.logger.Warn("reload failed, keeping previous properties", zap.Error(err))
		s.observe("failed")
		return false
	}
	if !configured && s.configured {
		s.logger.Warn("reload returned an empty instance configuration, keeping previous properties")
		s.observe("empty")
		return false
	}

	s.snapshot.Store(props)
	s.configured = configured
	s.logger.Info("properties reloaded", zap.Int("count", props.Len()))
	s.observe("applied")
	return true
}

func (s *Source) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveReload(outcome)
	}
}

// build resolves every layer. configured reports whether the instance
// configuration layer contributed any entry.
func (s *Source) build(ctx context.Context) (props *flatten.Properties, configured bool, err error) {
	doc, err := s.provider.InstanceConfig(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("instance config: %w", err)
	}

	props = flatten.NewProperties()
	if !doc.IsEmpty() {
		props = flatten.Flatten(doc, s.env)
	}
	configured = props.Len() > 0

	port, err := s.provider.ServerPort(ctx, provider.DefaultPortType)
	if err != nil {
		return nil, false, fmt.Errorf("server port: %w", err)
	}
	props.Set(KeyServerPort, strconv.Itoa(port))
	props.Set(KeyServerHost, s.provider.ServerHost())

	identity := s.provider.Identity()
	props.Set(KeyBlockRef, identity.BlockRef)
	props.Set(KeySystemID, identity.SystemID)
	props.Set(KeyInstanceID, identity.InstanceID)
	props.Set(KeySystemType, s.systemType)

	props.Merge(s.overrides)
	props.Merge(EnvOverrides(s.environ))
	return props, configured, nil
}

// EnvOverrides turns every KAPETA_<SECTION>_<KEY> variable into
// <section>.<key>. Only the first underscore after the prefix separates
// section from key.
func EnvOverrides(environ env.Environ) *flatten.Properties {
	out := flatten.NewProperties()
	if environ == nil {
		return out
	}
	for _, kv := range environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envOverridePrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(name[len(envOverridePrefix):]), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		out.Set(section+"."+key, value)
	}
	return out
}

// Snapshot returns a copy of the current properties, or nil before Load.
func (s *Source) Snapshot() *flatten.Properties {
	props := s.snapshot.Load()
	if props == nil {
		return nil
	}
	return props.Clone()
}

// Get returns the value of key in the current snapshot.
func (s *Source) Get(key string) (string, bool) {
	return s.snapshot.Load().Get(key)
}

// String returns the value of key, or def when it is not set.
func (s *Source) String(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Int parses the value of key. Unset keys yield def.
func (s *Source) Int(key string, def int) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		if s.snapshot.Load() == nil {
			return def, ErrNotLoaded
		}
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("property %s: %w", key, err)
	}
	return n, nil
}

// Bool parses the value of key. Unset keys yield def.
func (s *Source) Bool(key string, def bool) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		if s.snapshot.Load() == nil {
			return def, ErrNotLoaded
		}
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("property %s: %w", key, err)
	}
	return b, nil
}
