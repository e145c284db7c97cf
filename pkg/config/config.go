package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. HPCAGENT_LISTEN_ADDRESS
const EnvPrefix = "hpcagent"

// LogConfig configures logging
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// NamingConfig configures the naming resolver
type NamingConfig struct {
	ServiceURIs []string      `mapstructure:"service_uris" yaml:"service_uris"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ReportConfig configures one standing reporter
type ReportConfig struct {
	URI      string        `mapstructure:"uri" yaml:"uri"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// CallbackConfig configures task completion callbacks
type CallbackConfig struct {
	Retries int           `mapstructure:"retries" yaml:"retries"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Config is the agent configuration
type Config struct {
	NodeName      string `mapstructure:"node_name" yaml:"node_name"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	Debug         bool   `mapstructure:"debug" yaml:"debug"`
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	ScratchDir    string `mapstructure:"scratch_dir" yaml:"scratch_dir"`

	// NetworkName selects the interface the monitor reports; empty picks
	// the first one with an address.
	NetworkName string `mapstructure:"network_name" yaml:"network_name"`

	Log LogConfig `mapstructure:"log" yaml:"log"`

	ClusterAuthenticationKey string `mapstructure:"cluster_authentication_key" yaml:"cluster_authentication_key"`

	Naming    NamingConfig `mapstructure:"naming" yaml:"naming"`
	Heartbeat ReportConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Metric    ReportConfig `mapstructure:"metric" yaml:"metric"`
	Register  ReportConfig `mapstructure:"register" yaml:"register"`

	MetricInstanceIDsURI string `mapstructure:"metric_instance_ids_uri" yaml:"metric_instance_ids_uri"`

	Callback CallbackConfig `mapstructure:"callback" yaml:"callback"`

	NodeUUID string `mapstructure:"node_uuid" yaml:"node_uuid"`
}

// SetDefaults registers every key with its default. Keys must be known to
// v for environment overrides to show up in AllSettings.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node_name", "")
	v.SetDefault("listen_address", ":40000")
	v.SetDefault("debug", false)
	v.SetDefault("data_dir", "/var/lib/hpcagent")
	v.SetDefault("scratch_dir", "")
	v.SetDefault("network_name", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("cluster_authentication_key", "")
	v.SetDefault("naming.service_uris", []string{})
	v.SetDefault("naming.interval", "1s")
	v.SetDefault("heartbeat.uri", "")
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("metric.uri", "")
	v.SetDefault("metric.interval", "1s")
	v.SetDefault("register.uri", "")
	v.SetDefault("register.interval", "300s")
	v.SetDefault("metric_instance_ids_uri", "")
	v.SetDefault("callback.retries", 3)
	v.SetDefault("callback.timeout", "10s")
	v.SetDefault("node_uuid", "")
}

// New creates a viper instance with defaults, environment overrides and
// the hpcagent.yaml search path.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("hpcagent")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/hpcagent/")
	v.AddConfigPath("$HOME/.config/hpcagent")
	v.AddConfigPath(".")
	return v
}

// Load reads the config file, if any, and decodes and validates the
// result. A missing file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := UnmarshalConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if c.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = host
		}
	}
	if c.ScratchDir == "" && c.DataDir != "" {
		c.ScratchDir = filepath.Join(c.DataDir, "tasks")
	}
}

// Validate checks the decoded configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen_address must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}

	intervals := []struct {
		key string
		d   time.Duration
	}{
		{"naming.interval", c.Naming.Interval},
		{"heartbeat.interval", c.Heartbeat.Interval},
		{"metric.interval", c.Metric.Interval},
		{"register.interval", c.Register.Interval},
		{"callback.timeout", c.Callback.Timeout},
	}
	for _, iv := range intervals {
		if iv.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", iv.key, iv.d)
		}
	}

	if c.Callback.Retries < 0 {
		return fmt.Errorf("callback.retries must not be negative, got %d", c.Callback.Retries)
	}
	if c.NodeUUID != "" {
		if _, err := uuid.Parse(c.NodeUUID); err != nil {
			return fmt.Errorf("node_uuid: %w", err)
		}
	}
	return nil
}

// ResolveNodeUUID returns the configured node uuid, or one derived from
// the machine id so it is stable across restarts.
func (c *Config) ResolveNodeUUID() (uuid.UUID, error) {
	if c.NodeUUID != "" {
		return uuid.Parse(c.NodeUUID)
	}
	id, err := machineid.ProtectedID("hpcagent")
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read machine id: %w", err)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)), nil
}

// YAML renders the effective configuration with the key redacted
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.ClusterAuthenticationKey != "" {
		out.ClusterAuthenticationKey = "<redacted>"
	}
	return yaml.Marshal(out)
}
