package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
connector:
  hosts: ["192.168.1.10", "hub.local"]
  key: "0123456789abcdef"
  interface: "eth0"
  refresh_schedule: "*/30 * * * *"
  discovery:
    inter_request_delay_ms: 250
    detail_query: read_device
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	c := cfg.Connector
	if len(c.Hosts) != 2 || c.Hosts[1] != "hub.local" {
		t.Errorf("Connector.Hosts = %v", c.Hosts)
	}
	if c.Interface != "eth0" || c.RefreshSchedule != "*/30 * * * *" {
		t.Errorf("Connector = %+v", c)
	}
	if got := c.Discovery.GetInterRequestDelay(); got != 250*time.Millisecond {
		t.Errorf("GetInterRequestDelay() = %v, want 250ms", got)
	}
	if !c.Discovery.UseReadDevice() {
		t.Error("UseReadDevice() = false, want true")
	}

	// Untouched keys keep their defaults
	if c.MulticastGroup != "238.0.0.18" || c.SendPort != 32100 || c.ReceivePort != 32101 {
		t.Errorf("group = %s:%d/%d", c.MulticastGroup, c.SendPort, c.ReceivePort)
	}
	if c.Discovery.MaxRounds != 3 || c.Discovery.GetInitialDelay() != 3*time.Second {
		t.Errorf("Discovery = %+v", c.Discovery)
	}
	if err := c.ValidateRun(); err != nil {
		t.Errorf("ValidateRun() error = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
database:
  path: "/tmp/test.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults", modify: func(*Config) {}},
		{
			name:    "missing site ID",
			modify:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "missing database path",
			modify:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid QoS",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid api port",
			modify:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name: "api port ignored when disabled",
			modify: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
		{
			name:    "influxdb without url",
			modify:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "short key",
			modify:  func(c *Config) { c.Connector.Key = "short" },
			wantErr: "connector.key",
		},
		{
			name:    "unicast group",
			modify:  func(c *Config) { c.Connector.MulticastGroup = "192.168.1.1" },
			wantErr: "connector.multicast_group",
		},
		{
			name:    "ipv6 group",
			modify:  func(c *Config) { c.Connector.MulticastGroup = "ff02::1" },
			wantErr: "connector.multicast_group",
		},
		{
			name:    "invalid send port",
			modify:  func(c *Config) { c.Connector.SendPort = 0 },
			wantErr: "connector.send_port",
		},
		{
			name:    "invalid receive port",
			modify:  func(c *Config) { c.Connector.ReceivePort = 65536 },
			wantErr: "connector.receive_port",
		},
		{
			name:    "zero health interval",
			modify:  func(c *Config) { c.Connector.HealthInterval = 0 },
			wantErr: "connector.health_interval",
		},
		{
			name:    "bad refresh schedule",
			modify:  func(c *Config) { c.Connector.RefreshSchedule = "hourly please" },
			wantErr: "connector.refresh_schedule",
		},
		{
			name:    "negative discovery delay",
			modify:  func(c *Config) { c.Connector.Discovery.InterRequestDelayMS = -1 },
			wantErr: "connector.discovery",
		},
		{
			name:    "unknown detail query",
			modify:  func(c *Config) { c.Connector.Discovery.DetailQuery = "ping" },
			wantErr: "detail_query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestConnectorConfig_ValidateRun(t *testing.T) {
	c := defaultConfig().Connector
	err := c.ValidateRun()
	if err == nil {
		t.Fatal("ValidateRun() error = nil for config without hosts and key")
	}
	if !strings.Contains(err.Error(), "connector.hosts") || !strings.Contains(err.Error(), "connector.key") {
		t.Errorf("ValidateRun() error = %v", err)
	}

	c.Hosts = []string{"192.168.1.10"}
	c.Key = testKey
	if err := c.ValidateRun(); err != nil {
		t.Errorf("ValidateRun() error = %v", err)
	}
}

func TestConnectorConfig_RedactsKey(t *testing.T) {
	c := defaultConfig().Connector
	c.Key = testKey

	if s := c.String(); strings.Contains(s, testKey) || !strings.Contains(s, redacted) {
		t.Errorf("String() = %s", s)
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), testKey) {
		t.Errorf("MarshalJSON() leaked key: %s", data)
	}

	// Marshalling must not clear the key on the original
	if c.Key != testKey {
		t.Errorf("Key = %q after marshal", c.Key)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Connector: ConnectorConfig{
			HealthInterval: 15,
			Discovery:      ConnectorDiscoveryConfig{ReadyTimeout: 20},
		},
	}

	if got := cfg.API.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.API.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.API.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.Connector.GetHealthInterval(); got != 15*time.Second {
		t.Errorf("GetHealthInterval() = %v, want 15s", got)
	}
	if got := cfg.Connector.Discovery.GetReadyTimeout(); got != 20*time.Second {
		t.Errorf("GetReadyTimeout() = %v, want 20s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_API_PORT", "9000")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_LOG_LEVEL", "debug")
	t.Setenv("GRAYLOGIC_CONNECTOR_KEY", testKey)
	t.Setenv("GRAYLOGIC_CONNECTOR_HOSTS", "192.168.1.10, 192.168.1.11,,")
	t.Setenv("GRAYLOGIC_CONNECTOR_INTERFACE", "wlan0")

	applyEnvOverrides(cfg)

	checks := []struct {
		name, got, want string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Connector.Key", cfg.Connector.Key, testKey},
		{"Connector.Interface", cfg.Connector.Interface, "wlan0"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}

	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if len(cfg.Connector.Hosts) != 2 || cfg.Connector.Hosts[1] != "192.168.1.11" {
		t.Errorf("Connector.Hosts = %v", cfg.Connector.Hosts)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.Connector.RefreshSchedule != "@every 1h" {
		t.Errorf("defaultConfig RefreshSchedule = %q", cfg.Connector.RefreshSchedule)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig should validate: %v", err)
	}
}
