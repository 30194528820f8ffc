package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/provider"
)

const (
	EnvSystemType = "KAPETA_SYSTEM_TYPE"
	EnvSystemID   = "KAPETA_SYSTEM_ID"
	EnvBlockRef   = "KAPETA_BLOCK_REF"
	EnvInstanceID = "KAPETA_INSTANCE_ID"
	EnvBaseDir    = "KAPETA_BASE_DIR"

	// DefaultHealthPath is registered with the discovery daemon and served by
	// the block.
	DefaultHealthPath = "/.kapeta/health"

	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
)

// Bootstrap is everything needed before a provider can be built.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Bootstrap struct {
	SystemType string              `validate:"required"`
	Kind       provider.SystemType `validate:"required"`
	SystemID   string
	BlockRef   string `validate:"required"`
	InstanceID string
	BaseDir    string `validate:"required"`

	HealthPath string `validate:"required,startswith=/"`
	// ListenAddr overrides the host:port the block serves on. Empty means
	// the provider's server host and port.
	ListenAddr string `validate:"omitempty,hostname_port"`

	ShutdownGracePeriod  time.Duration `validate:"gt=0"`
	ReadHeaderTimeout    time.Duration `validate:"gt=0"`
	WriteTimeout         time.Duration `validate:"gt=0"`
	IdleTimeout          time.Duration `validate:"gt=0"`
	EnableRequestLogging bool
	RateLimitRPS         float64 `validate:"gte=0"`
	RateLimitBurst       int     `validate:"gte=0"`

	LogLevel string
	LogFile  string

	// Overrides are explicit key=value properties handed to the property
	// source.
	Overrides map[string]string
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	SystemType           string            `yaml:"system_type"`
	SystemID             string            `yaml:"system_id"`
	BlockRef             string            `yaml:"block_ref"`
	InstanceID           string            `yaml:"instance_id"`
	BaseDir              string            `yaml:"base_dir"`
	HealthPath           string            `yaml:"health_path"`
	Listen               string            `yaml:"listen"`
	ShutdownGracePeriod  string            `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string            `yaml:"read_header_timeout"`
	WriteTimeout         string            `yaml:"write_timeout"`
	IdleTimeout          string            `yaml:"idle_timeout"`
	EnableRequestLogging *bool             `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit     `yaml:"rate_limit"`
	Log                  yamlLog           `yaml:"log"`
	Properties           map[string]string `yaml:"properties"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

type yamlLog struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	SystemType     *string
	SystemID       *string
	BlockRef       *string
	InstanceID     *string
	BaseDir        *string
	Listen         *string
	LogLevel       *string
	LogFile        *string
	RateLimitRPS   *float64
	RateLimitBurst *int
	// Set holds repeated --set key=value flags.
	Set map[string]string
}

var validate = validator.New()

// Load resolves the bootstrap configuration with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides, lookup env.Lookup) (Bootstrap, error) {
	if lookup == nil {
		lookup = env.OS()
	}

	cfg, err := defaultConfig()
	if err != nil {
		return Bootstrap{}, err
	}

	applyEnvConfig(&cfg, lookup)

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Bootstrap{}, fmt.Errorf("load YAML config: %w", err)
		}
		applyYAMLConfig(&cfg, yamlCfg)
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	cfg.SystemType = strings.ToLower(strings.TrimSpace(cfg.SystemType))
	kind, err := provider.ParseSystemType(cfg.SystemType)
	if err != nil {
		return Bootstrap{}, err
	}
	cfg.Kind = kind

	if cfg.BlockRef == "" {
		ref, err := BlockRefFromManifest(cfg.BaseDir)
		if err != nil {
			return Bootstrap{}, err
		}
		cfg.BlockRef = ref
	}

	if err := validateConfig(cfg); err != nil {
		return Bootstrap{}, err
	}
	return cfg, nil
}

// Identity is the identity known before any provider has been asked.
func (b Bootstrap) Identity() provider.Identity {
	return provider.Identity{
		SystemID:   b.SystemID,
		InstanceID: b.InstanceID,
		BlockRef:   b.BlockRef,
	}
}

// defaultConfig returns a Bootstrap with default values.
func defaultConfig() (Bootstrap, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Bootstrap{}, fmt.Errorf("resolve working directory: %w", err)
	}
	return Bootstrap{
		SystemType:           provider.DefaultSystemType,
		BaseDir:              wd,
		HealthPath:           DefaultHealthPath,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		Overrides:            map[string]string{},
	}, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// applyYAMLConfig applies YAML configuration to the Bootstrap struct.
func applyYAMLConfig(cfg *Bootstrap, yamlCfg *yamlConfig) {
	setString(&cfg.SystemType, yamlCfg.SystemType)
	setString(&cfg.SystemID, yamlCfg.SystemID)
	setString(&cfg.BlockRef, yamlCfg.BlockRef)
	setString(&cfg.InstanceID, yamlCfg.InstanceID)
	setString(&cfg.BaseDir, yamlCfg.BaseDir)
	setString(&cfg.HealthPath, yamlCfg.HealthPath)
	setString(&cfg.ListenAddr, yamlCfg.Listen)
	setString(&cfg.LogLevel, yamlCfg.Log.Level)
	setString(&cfg.LogFile, yamlCfg.Log.File)

	setDuration(&cfg.ShutdownGracePeriod, yamlCfg.ShutdownGracePeriod)
	setDuration(&cfg.ReadHeaderTimeout, yamlCfg.ReadHeaderTimeout)
	setDuration(&cfg.WriteTimeout, yamlCfg.WriteTimeout)
	setDuration(&cfg.IdleTimeout, yamlCfg.IdleTimeout)

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}
	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}
	for k, v := range yamlCfg.Properties {
		cfg.Overrides[k] = v
	}
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Bootstrap, lookup env.Lookup) {
	setString(&cfg.SystemType, lookup.Get(EnvSystemType))
	setString(&cfg.SystemID, lookup.Get(EnvSystemID))
	setString(&cfg.BlockRef, lookup.Get(EnvBlockRef))
	setString(&cfg.InstanceID, lookup.Get(EnvInstanceID))
	setString(&cfg.BaseDir, lookup.Get(EnvBaseDir))

	if rps := strings.TrimSpace(lookup.Get("RATE_LIMIT_RPS")); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}

	if burst := strings.TrimSpace(lookup.Get("RATE_LIMIT_BURST")); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Bootstrap, overrides *CLIOverrides) {
	for dst, src := range map[*string]*string{
		&cfg.SystemType: overrides.SystemType,
		&cfg.SystemID:   overrides.SystemID,
		&cfg.BlockRef:   overrides.BlockRef,
		&cfg.InstanceID: overrides.InstanceID,
		&cfg.BaseDir:    overrides.BaseDir,
		&cfg.ListenAddr: overrides.Listen,
		&cfg.LogLevel:   overrides.LogLevel,
		&cfg.LogFile:    overrides.LogFile,
	} {
		if src != nil {
			setString(dst, *src)
		}
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}

	for k, v := range overrides.Set {
		cfg.Overrides[k] = v
	}
}

// validateConfig validates the final configuration.
func validateConfig(cfg Bootstrap) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrConfiguration, err)
	}
	return nil
}

// ParseOverride splits a key=value flag.
func ParseOverride(raw string) (string, string, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid override %q, want key=value", raw)
	}
	return key, value, nil
}
