// Package config provides shared configuration functionality using Viper
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "TOOLVISOR"

type RateLimitMode string

const (
	RateLimitGlobal RateLimitMode = "global"
	RateLimitMethod RateLimitMode = "method"
)

type SupervisorConfig struct {
	ServersFile       string        `mapstructure:"servers_file"`
	Only              []string      `mapstructure:"only"`
	Exclude           []string      `mapstructure:"exclude"`
	MaxRestarts       int           `mapstructure:"max_restarts"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxUptime         time.Duration `mapstructure:"max_uptime"`
	LogFile           string        `mapstructure:"log_file"`
	ExitCodeOnGiveUp  int           `mapstructure:"exit_code_on_giveup"` // negative means unset
	FailFast          bool          `mapstructure:"fail_fast"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StatusAddr        string        `mapstructure:"status_addr"`
	EventsURL         string        `mapstructure:"events_url"`
	EventsToken       string        `mapstructure:"events_token"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Capacity int           `mapstructure:"capacity"`
	Refill   time.Duration `mapstructure:"refill"`
	Mode     RateLimitMode `mapstructure:"mode"`
}

type HarnessConfig struct {
	MaxLineBytes   int             `mapstructure:"max_line_bytes"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	ErrorMetrics   bool            `mapstructure:"error_metrics"`
	MetricsEnabled bool            `mapstructure:"metrics_enabled"`
	HealthAddr     string          `mapstructure:"health_addr"`
	ErrorsVerbose  string          `mapstructure:"errors_verbose"` // "", "full" or a line count
	CallTimeout    time.Duration   `mapstructure:"call_timeout"`
	EventsURL      string          `mapstructure:"events_url"`
	EventsToken    string          `mapstructure:"events_token"`
}

type GatewayConfig struct {
	Port              int           `mapstructure:"port"`
	Hostname          string        `mapstructure:"hostname"`
	Version           string        `mapstructure:"version"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RingCapacity      int           `mapstructure:"ring_capacity"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	IngestToken       string        `mapstructure:"ingest_token"`
	SubscribeToken    string        `mapstructure:"subscribe_token"`
	// HMACSecret enables a per-event signature frame when set.
	HMACSecret        string        `mapstructure:"hmac_secret"`
}

// Config holds common configuration values shared across all services
type Config struct {
	// Basic configuration
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Harness    HarnessConfig    `mapstructure:"harness"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

func setSupervisorDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.servers_file", "")
	v.SetDefault("supervisor.only", []string{})
	v.SetDefault("supervisor.exclude", []string{})
	v.SetDefault("supervisor.max_restarts", 3)
	v.SetDefault("supervisor.backoff_min", 500*time.Millisecond)
	v.SetDefault("supervisor.backoff_max", 4*time.Second)
	v.SetDefault("supervisor.max_uptime", time.Duration(0))
	v.SetDefault("supervisor.log_file", "")
	v.SetDefault("supervisor.exit_code_on_giveup", -1)
	v.SetDefault("supervisor.fail_fast", false)
	v.SetDefault("supervisor.heartbeat_interval", time.Duration(0))
	v.SetDefault("supervisor.status_addr", "")
	v.SetDefault("supervisor.events_url", "")
	v.SetDefault("supervisor.events_token", "")
}

func setHarnessDefaults(v *viper.Viper) {
	v.SetDefault("harness.max_line_bytes", 200000)
	v.SetDefault("harness.rate_limit.enabled", false)
	v.SetDefault("harness.rate_limit.capacity", 30)
	v.SetDefault("harness.rate_limit.refill", time.Minute)
	v.SetDefault("harness.rate_limit.mode", RateLimitMethod)
	v.SetDefault("harness.error_metrics", false)
	v.SetDefault("harness.metrics_enabled", false)
	v.SetDefault("harness.health_addr", "")
	v.SetDefault("harness.errors_verbose", "")
	v.SetDefault("harness.call_timeout", 30*time.Second)
	v.SetDefault("harness.events_url", "")
	v.SetDefault("harness.events_token", "")
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("gateway.port", 39300)
	v.SetDefault("gateway.hostname", "")
	v.SetDefault("gateway.version", "2024-11-05")
	v.SetDefault("gateway.heartbeat_interval", 15*time.Second)
	v.SetDefault("gateway.ring_capacity", 1000)
	v.SetDefault("gateway.queue_size", 256)
	v.SetDefault("gateway.max_body_bytes", 200000)
	v.SetDefault("gateway.ingest_token", "")
	v.SetDefault("gateway.subscribe_token", "")
	v.SetDefault("gateway.hmac_secret", "")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	setSupervisorDefaults(v)
	setHarnessDefaults(v)
	setGatewayDefaults(v)
}

// New returns a Viper instance with defaults and environment lookup wired.
// We pull config from env variables with a `TOOLVISOR_` prefix, so
// harness.rate_limit.enabled becomes TOOLVISOR_HARNESS_RATE_LIMIT_ENABLED.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName("config")
	v.AddConfigPath(".")
	setDefaults(v)
	return v
}

// Load reads the optional config file, applies overrides and decodes the
// result. overrideStr is a comma-separated list of key:value pairs and has the
// highest precedence.
func Load(v *viper.Viper, configPath string, overrideStr string) (*Config, error) {
	// If a custom config path is provided, use it
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Ignore file not found errors (config is optional) unless the file was asked for
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("read config file %q: %w", v.ConfigFileUsed(), err)
		}
	}

	if overrideStr != "" {
		for _, pair := range strings.Split(overrideStr, ",") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid override %q: expected key:value", pair)
			}
			v.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BindFlags binds pflags to viper keys. bindFlags is a map of pflag names to viper keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, bindFlags map[string]string) error {
	for flagName, viperKey := range bindFlags {
		flag := fs.Lookup(flagName)
		if flag == nil {
			return fmt.Errorf("bind flag %q: not defined", flagName)
		}
		if err := v.BindPFlag(viperKey, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", flagName, err)
		}
	}
	return nil
}

// Validate rejects combinations that cannot work at runtime.
func (c *Config) Validate() error {
	s := c.Supervisor
	if s.BackoffMin < 0 || s.BackoffMax < s.BackoffMin {
		return fmt.Errorf("supervisor backoff window [%s,%s] is invalid", s.BackoffMin, s.BackoffMax)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must be >= 0, got %d", s.MaxRestarts)
	}
	rl := c.Harness.RateLimit
	if rl.Enabled && (rl.Capacity < 1 || rl.Refill <= 0) {
		return fmt.Errorf("harness.rate_limit needs capacity >= 1 and a positive refill")
	}
	switch rl.Mode {
	case RateLimitGlobal, RateLimitMethod:
	default:
		return fmt.Errorf("harness.rate_limit.mode %q: expected global or method", rl.Mode)
	}
	if c.Gateway.RingCapacity < 1 {
		return fmt.Errorf("gateway.ring_capacity must be >= 1, got %d", c.Gateway.RingCapacity)
	}
	return nil
}
