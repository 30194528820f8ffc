package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenenazirov/kapeta-config/internal/api"
	"github.com/eugenenazirov/kapeta-config/internal/config"
	"github.com/eugenenazirov/kapeta-config/internal/metrics"
	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/provider"
	"github.com/eugenenazirov/kapeta-config/pkg/propertysource"
)

// Option customises New, primarily for tests.
type Option func(*options)

type options struct {
	provider provider.Provider
	lookup   env.Lookup
	environ  env.Environ
	homeDir  string
}

// WithProvider skips provider selection and uses p.
func WithProvider(p provider.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithEnv replaces the process environment for lookups and KAPETA_ overrides.
func WithEnv(lookup env.Lookup, environ env.Environ) Option {
	return func(o *options) {
		o.lookup = lookup
		o.environ = environ
	}
}

// WithHomeDir sets where the local cluster-service file is looked up.
func WithHomeDir(dir string) Option {
	return func(o *options) {
		o.homeDir = dir
	}
}

// App encapsulates the provider, the property source and the block's HTTP server.
type App struct {
	cfg       config.Bootstrap
	provider  provider.Provider
	lifecycle provider.Lifecycle
	source    *propertysource.Source
	metrics   *metrics.Metrics
	handler   *api.Handler
	router    http.Handler
	logger    *zap.Logger
	server    *http.Server

	mu         sync.Mutex
	listener   net.Listener
	registered bool
}

// New selects the provider for cfg.Kind, loads the property space and
// prepares (but does not start) the HTTP server.
func New(ctx context.Context, cfg config.Bootstrap, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New(nil)

	p := o.provider
	if p == nil {
		var err error
		p, err = provider.New(ctx, cfg.Kind, provider.Options{
			Identity: cfg.Identity(),
			Env:      o.lookup,
			HomeDir:  o.homeDir,
			Logger:   logger,
			Observer: m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Kind, err)
		}
	}

	source := propertysource.New(propertysource.Options{
		Provider:   p,
		SystemType: cfg.SystemType,
		Overrides:  cfg.Overrides,
		Env:        o.lookup,
		Environ:    o.environ,
		Logger:     logger,
		Observer:   m,
	})
	if err := source.Load(ctx); err != nil {
		closeProvider(p, logger)
		return nil, fmt.Errorf("failed to load properties: %w", err)
	}

	addr, err := listenAddr(cfg, source)
	if err != nil {
		closeProvider(p, logger)
		return nil, err
	}

	handler := api.NewHandler(source, p)
	router := api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithHealthPath(cfg.HealthPath),
		api.WithMetrics(m.Handler()),
	)

	app := &App{
		cfg:      cfg,
		provider: p,
		source:   source,
		metrics:  m,
		handler:  handler,
		router:   router,
		logger:   logger,
		server:   NewServer(cfg, addr, router),
	}
	if lc, ok := p.(provider.Lifecycle); ok {
		app.lifecycle = lc
	}
	return app, nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Bootstrap, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// listenAddr is the explicit listen address or the resolved server.host and
// server.port properties, so a server.port override moves the listener too.
func listenAddr(cfg config.Bootstrap, source *propertysource.Source) (string, error) {
	if cfg.ListenAddr != "" {
		return cfg.ListenAddr, nil
	}
	port, err := source.Int(propertysource.KeyServerPort, 0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrConfiguration, err)
	}
	host := source.String(propertysource.KeyServerHost, "")
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Start binds the listener, serves in the background and registers the
// instance with the provider when it supports lifecycle callbacks.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}()

	if a.lifecycle == nil {
		return nil
	}
	if err := a.lifecycle.OnInstanceStarted(ctx, a.cfg.HealthPath); err != nil {
		_ = a.server.Close()
		return fmt.Errorf("failed to notify provider: %w", err)
	}
	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()
	return nil
}

// Reload re-resolves the property space; see propertysource.Source.Reload.
func (a *App) Reload(ctx context.Context) bool {
	return a.source.Reload(ctx)
}

// Shutdown deregisters the instance, then drains the server. The provider
// is closed last.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	registered := a.registered
	a.registered = false
	a.mu.Unlock()

	if registered {
		a.lifecycle.OnInstanceStopped(ctx)
	}

	err := a.server.Shutdown(ctx)
	if err != nil {
		a.logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := a.server.Close(); closeErr != nil {
			a.logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
	closeProvider(a.provider, a.logger)
	return err
}

// Close releases the provider without touching the server, for runs that
// never call Start.
func (a *App) Close() {
	closeProvider(a.provider, a.logger)
}

// Addr is the bound address once started, otherwise the configured one.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Properties returns the merged property source.
func (a *App) Properties() *propertysource.Source {
	return a.source
}

// Provider returns the selected configuration provider.
func (a *App) Provider() provider.Provider {
	return a.provider
}

func closeProvider(p provider.Provider, logger *zap.Logger) {
	c, ok := p.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("failed to close provider", zap.Error(err))
	}
}
