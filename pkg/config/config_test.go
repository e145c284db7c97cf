package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.AddConfigPath(t.TempDir())
	v.SetConfigName("hpcagent")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":40000", cfg.ListenAddress)
	assert.Equal(t, "/var/lib/hpcagent", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/hpcagent", "tasks"), cfg.ScratchDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Naming.Interval)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, time.Second, cfg.Metric.Interval)
	assert.Equal(t, 300*time.Second, cfg.Register.Interval)
	assert.Equal(t, 3, cfg.Callback.Retries)
	assert.Equal(t, 10*time.Second, cfg.Callback.Timeout)
	assert.NotEmpty(t, cfg.NodeName, "defaults to the hostname")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpcagent.yaml")
	content := `
node_name: node7
listen_address: 127.0.0.1:40001
debug: true
data_dir: /tmp/hpcagent
naming:
  service_uris:
    - http://head1/naming/
    - http://head2/naming/
  interval: 2s
heartbeat:
  uri: "{NodeManagerService}/api/nodes/report"
metric:
  uri: udp://{MonitoringService}:9894
callback:
  retries: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v := New()
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "node7", cfg.NodeName)
	assert.Equal(t, "127.0.0.1:40001", cfg.ListenAddress)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"http://head1/naming/", "http://head2/naming/"}, cfg.Naming.ServiceURIs)
	assert.Equal(t, 2*time.Second, cfg.Naming.Interval)
	assert.Equal(t, "{NodeManagerService}/api/nodes/report", cfg.Heartbeat.URI)
	assert.Equal(t, "udp://{MonitoringService}:9894", cfg.Metric.URI)
	assert.Equal(t, 5, cfg.Callback.Retries)
	assert.Equal(t, "/tmp/hpcagent/tasks", cfg.ScratchDir)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("HPCAGENT_LISTEN_ADDRESS", ":41000")
	t.Setenv("HPCAGENT_DEBUG", "yes")
	t.Setenv("HPCAGENT_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("HPCAGENT_CALLBACK_RETRIES", "7")
	t.Setenv("HPCAGENT_NAMING_SERVICE_URIS", "http://a/,http://b/")

	path := filepath.Join(t.TempDir(), "hpcagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_name: envnode\n"), 0o644))

	v := New()
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":41000", cfg.ListenAddress)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 7, cfg.Callback.Retries)
	assert.Equal(t, []string{"http://a/", "http://b/"}, cfg.Naming.ServiceURIs)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			ListenAddress: ":40000",
			DataDir:       "/var/lib/hpcagent",
			Naming:        NamingConfig{Interval: time.Second},
			Heartbeat:     ReportConfig{Interval: 30 * time.Second},
			Metric:        ReportConfig{Interval: time.Second},
			Register:      ReportConfig{Interval: 300 * time.Second},
			Callback:      CallbackConfig{Retries: 3, Timeout: 10 * time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty listen address", func(c *Config) { c.ListenAddress = " " }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"zero heartbeat", func(c *Config) { c.Heartbeat.Interval = 0 }, true},
		{"negative metric", func(c *Config) { c.Metric.Interval = -time.Second }, true},
		{"negative retries", func(c *Config) { c.Callback.Retries = -1 }, true},
		{"bad node uuid", func(c *Config) { c.NodeUUID = "not-a-uuid" }, true},
		{"node uuid", func(c *Config) { c.NodeUUID = uuid.NewString() }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveNodeUUID_Configured(t *testing.T) {
	id := uuid.New()
	cfg := Config{NodeUUID: id.String()}

	got, err := cfg.ResolveNodeUUID()
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestYAML_RedactsKey(t *testing.T) {
	cfg := Config{NodeName: "node1", ClusterAuthenticationKey: "secret"}

	data, err := cfg.YAML()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, "node1", out["node_name"])
	assert.Equal(t, "<redacted>", out["cluster_authentication_key"])
	assert.Equal(t, "secret", cfg.ClusterAuthenticationKey)
}

func TestStringToBoolHookFunc(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"YES", true, false},
		{"0", false, false},
		{"off", false, false},
		{"maybe", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var out struct{ Flag bool }
			v := viper.New()
			v.Set("flag", tt.in)
			err := UnmarshalConfig(v, &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Flag)
		})
	}
}
