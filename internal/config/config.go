// Package config handles loading and validation of the agent configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/puppetlabs/pcp-client-go/identity"
)

const (
	// DefaultConfigPath is the default location for the agent configuration file.
	DefaultConfigPath = "/etc/puppetlabs/pcp-agent/pcp-agent.yaml"

	// DefaultDataDir is the default directory for agent state files.
	DefaultDataDir = "/var/lib/puppetlabs/pcp-agent"
)

// Config holds everything needed to build an identity.ClientIdentity and a
// Connector (spec.md §3 ClientIdentity, §4.6 Monitor Task timing).
type Config struct {
	// Brokers is the ordered list of broker WebSocket URIs tried on connect
	// and failover (spec.md §4.1).
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`

	// ClientType identifies this client's role in the broker URI and, for
	// v2, the WebSocket path (spec.md §6).
	ClientType string `mapstructure:"client_type" yaml:"client_type"`

	// Protocol selects "v1" (Session Association) or "v2" (path-based).
	Protocol string `mapstructure:"protocol" yaml:"protocol"`

	CAPath   string `mapstructure:"ca_path" yaml:"ca_path"`
	CertPath string `mapstructure:"cert_path" yaml:"cert_path"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path"`
	CRLPath  string `mapstructure:"crl_path" yaml:"crl_path"`
	ProxyURI string `mapstructure:"proxy" yaml:"proxy"`

	WSConnectionTimeout     time.Duration `mapstructure:"ws_connection_timeout" yaml:"ws_connection_timeout"`
	WSPongTimeout           time.Duration `mapstructure:"ws_pong_timeout" yaml:"ws_pong_timeout"`
	PongTimeoutsBeforeRetry uint32        `mapstructure:"pong_timeouts_before_retry" yaml:"pong_timeouts_before_retry"`
	AssociationTimeout      time.Duration `mapstructure:"association_timeout" yaml:"association_timeout"`
	AssociationRequestTTL   time.Duration `mapstructure:"association_request_ttl" yaml:"association_request_ttl"`

	// MonitorCheckInterval is the Monitor Task's tick period (spec.md §4.6).
	MonitorCheckInterval time.Duration `mapstructure:"monitor_check_interval" yaml:"monitor_check_interval"`
	// MonitorMaxAttempts bounds reconnect attempts per Monitor Task tick;
	// 0 means unbounded (spec.md §4.1 "connect").
	MonitorMaxAttempts int `mapstructure:"monitor_max_attempts" yaml:"monitor_max_attempts"`

	// DataDir is the directory where the agent stores state files.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// LogLevel controls the logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables override file
// values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("protocol", "v1")
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("ws_connection_timeout", 5000*time.Millisecond)
	v.SetDefault("ws_pong_timeout", 5000*time.Millisecond)
	v.SetDefault("pong_timeouts_before_retry", 2)
	v.SetDefault("association_timeout", 15*time.Second)
	v.SetDefault("association_request_ttl", 15*time.Second)
	v.SetDefault("monitor_check_interval", 15*time.Second)
	v.SetDefault("monitor_max_attempts", 0)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("PCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"brokers":                    "PCP_BROKERS",
		"client_type":                "PCP_CLIENT_TYPE",
		"protocol":                   "PCP_PROTOCOL",
		"ca_path":                    "PCP_CA_PATH",
		"cert_path":                  "PCP_CERT_PATH",
		"key_path":                   "PCP_KEY_PATH",
		"crl_path":                   "PCP_CRL_PATH",
		"proxy":                      "PCP_PROXY",
		"ws_connection_timeout":      "PCP_WS_CONNECTION_TIMEOUT",
		"ws_pong_timeout":            "PCP_WS_PONG_TIMEOUT",
		"pong_timeouts_before_retry": "PCP_PONG_TIMEOUTS_BEFORE_RETRY",
		"association_timeout":       "PCP_ASSOCIATION_TIMEOUT",
		"association_request_ttl":   "PCP_ASSOCIATION_REQUEST_TTL",
		"monitor_check_interval":    "PCP_MONITOR_CHECK_INTERVAL",
		"monitor_max_attempts":      "PCP_MONITOR_MAX_ATTEMPTS",
		"data_dir":                  "PCP_DATA_DIR",
		"log_level":                 "PCP_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are present and
// well-formed.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers is required")
	}
	if c.ClientType == "" {
		return fmt.Errorf("client_type is required")
	}
	if c.Protocol != "v1" && c.Protocol != "v2" {
		return fmt.Errorf("protocol must be %q or %q, got %q", "v1", "v2", c.Protocol)
	}
	if c.CertPath == "" || c.KeyPath == "" || c.CAPath == "" {
		return fmt.Errorf("ca_path, cert_path, and key_path are required")
	}
	if c.MonitorCheckInterval <= c.WSPongTimeout {
		return fmt.Errorf("monitor_check_interval is too small relative to ws_pong_timeout")
	}

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", c.DataDir, err)
	}

	return nil
}

// Timeouts maps the flat config fields onto identity.Timeouts.
func (c *Config) Timeouts() identity.Timeouts {
	return identity.Timeouts{
		WSConnectionTimeout:     c.WSConnectionTimeout,
		WSPongTimeout:           c.WSPongTimeout,
		PongTimeoutsBeforeRetry: c.PongTimeoutsBeforeRetry,
		AssociationTimeout:      c.AssociationTimeout,
		AssociationRequestTTL:   c.AssociationRequestTTL,
	}
}

// WatchConfig re-invokes onChange whenever the config file on disk changes,
// mirroring viper's fsnotify-backed reload hook.
func WatchConfig(configPath string, onChange func(*Config)) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(configPath)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
