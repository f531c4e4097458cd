package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Connector bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Connector ConnectorConfig `yaml:"connector"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains the diagnostics HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ConnectorConfig configures the multicast engine and the MQTT bridge.
type ConnectorConfig struct {
	// Hosts lists hub IPs or hostnames. Datagrams from other senders are ignored.
	Hosts []string `yaml:"hosts"`

	// Key is the 16 character key shown in the vendor app.
	// Prefer GRAYLOGIC_CONNECTOR_KEY over storing it in the file.
	Key string `yaml:"key"`

	// Interface is the interface name or IPv4 address used for the group join.
	// Empty lets the system choose.
	Interface string `yaml:"interface"`

	MulticastGroup string `yaml:"multicast_group"`
	SendPort       int    `yaml:"send_port"`
	ReceivePort    int    `yaml:"receive_port"`

	// HealthInterval is the health publish period in seconds.
	HealthInterval int `yaml:"health_interval"`

	// RefreshSchedule is a cron spec for polling two-way blinds.
	// Default: "@every 1h"
	RefreshSchedule string `yaml:"refresh_schedule"`

	Discovery ConnectorDiscoveryConfig `yaml:"discovery"`
}

// ConnectorDiscoveryConfig controls sub-device resolution.
type ConnectorDiscoveryConfig struct {
	InitialDelayMS      int `yaml:"initial_delay_ms"`
	InterRequestDelayMS int `yaml:"inter_request_delay_ms"`
	MaxRounds           int `yaml:"max_rounds"`

	// ReadyTimeout is the wait for the device list in seconds.
	ReadyTimeout int `yaml:"ready_timeout"`

	// DetailQuery selects the detail request: "write_device" (operation 5)
	// or the legacy "read_device".
	DetailQuery string `yaml:"detail_query"`
}

// Detail query modes.
const (
	DetailQueryWriteDevice = "write_device"
	DetailQueryReadDevice  = "read_device"
)

const (
	connectorKeyLength = 16
	redacted           = "[REDACTED]"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_CONNECTOR_KEY
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/connector.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-connector",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Connector: ConnectorConfig{
			MulticastGroup:  "238.0.0.18",
			SendPort:        32100,
			ReceivePort:     32101,
			HealthInterval:  30,
			RefreshSchedule: "@every 1h",
			Discovery: ConnectorDiscoveryConfig{
				InitialDelayMS:      3000,
				InterRequestDelayMS: 500,
				MaxRounds:           3,
				ReadyTimeout:        20,
				DetailQuery:         DetailQueryWriteDevice,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Connector - the key should never live in a committed config file
	if v := os.Getenv("GRAYLOGIC_CONNECTOR_KEY"); v != "" {
		cfg.Connector.Key = v
	}
	if v := os.Getenv("GRAYLOGIC_CONNECTOR_HOSTS"); v != "" {
		cfg.Connector.Hosts = splitList(v)
	}
	if v := os.Getenv("GRAYLOGIC_CONNECTOR_INTERFACE"); v != "" {
		cfg.Connector.Interface = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	errs = append(errs, c.Connector.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *ConnectorConfig) validate() []string {
	var errs []string

	// The key is used directly as an AES-128 key
	if c.Key != "" && len(c.Key) != connectorKeyLength {
		errs = append(errs, "connector.key must be exactly 16 characters")
	}

	if ip := net.ParseIP(c.MulticastGroup); ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		errs = append(errs, "connector.multicast_group must be an IPv4 multicast address")
	}
	if c.SendPort < 1 || c.SendPort > 65535 {
		errs = append(errs, "connector.send_port must be between 1 and 65535")
	}
	if c.ReceivePort < 1 || c.ReceivePort > 65535 {
		errs = append(errs, "connector.receive_port must be between 1 and 65535")
	}
	if c.HealthInterval < 1 {
		errs = append(errs, "connector.health_interval must be at least 1 second")
	}

	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("connector.refresh_schedule is invalid: %v", err))
		}
	}

	d := c.Discovery
	if d.InitialDelayMS < 0 || d.InterRequestDelayMS < 0 || d.MaxRounds < 0 || d.ReadyTimeout < 0 {
		errs = append(errs, "connector.discovery values must not be negative")
	}
	switch d.DetailQuery {
	case "", DetailQueryWriteDevice, DetailQueryReadDevice:
	default:
		errs = append(errs, "connector.discovery.detail_query must be write_device or read_device")
	}

	return errs
}

// ValidateRun checks the settings the long-running bridge needs beyond
// Validate: at least one hub host and the key.
func (c *ConnectorConfig) ValidateRun() error {
	var errs []string
	if len(c.Hosts) == 0 {
		errs = append(errs, "connector.hosts needs at least one hub address")
	}
	if c.Key == "" {
		errs = append(errs, "connector.key is required (set GRAYLOGIC_CONNECTOR_KEY environment variable)")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// String renders the connector settings with the key redacted.
func (c ConnectorConfig) String() string {
	return fmt.Sprintf("connector{hosts=%v key=%s interface=%q group=%s:%d/%d}",
		c.Hosts, c.redactedKey(), c.Interface, c.MulticastGroup, c.SendPort, c.ReceivePort)
}

// MarshalJSON encodes the connector settings with the key redacted.
func (c ConnectorConfig) MarshalJSON() ([]byte, error) {
	type alias ConnectorConfig
	out := alias(c)
	out.Key = c.redactedKey()
	return json.Marshal(out)
}

func (c ConnectorConfig) redactedKey() string {
	if c.Key == "" {
		return ""
	}
	return redacted
}

// GetHealthInterval returns the health publish interval as a Duration.
func (c *ConnectorConfig) GetHealthInterval() time.Duration {
	return time.Duration(c.HealthInterval) * time.Second
}

// GetInitialDelay returns the discovery start delay as a Duration.
func (d *ConnectorDiscoveryConfig) GetInitialDelay() time.Duration {
	return time.Duration(d.InitialDelayMS) * time.Millisecond
}

// GetInterRequestDelay returns the detail query spacing as a Duration.
func (d *ConnectorDiscoveryConfig) GetInterRequestDelay() time.Duration {
	return time.Duration(d.InterRequestDelayMS) * time.Millisecond
}

// GetReadyTimeout returns the device list wait as a Duration.
func (d *ConnectorDiscoveryConfig) GetReadyTimeout() time.Duration {
	return time.Duration(d.ReadyTimeout) * time.Second
}

// UseReadDevice reports whether the legacy ReadDevice query is selected.
func (d *ConnectorDiscoveryConfig) UseReadDevice() bool {
	return d.DetailQuery == DetailQueryReadDevice
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
