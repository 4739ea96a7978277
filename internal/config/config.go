// Package config handles bambu configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bambu/config.yaml, /etc/bambu/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bambu", "config.yaml"))
	}

	paths = append(paths, "/etc/bambu/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bambu configuration.
type Config struct {
	Printer   PrinterConfig `yaml:"printer"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Listen    ListenConfig  `yaml:"listen"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// PrinterConfig identifies the printer and how to reach its embedded
// broker. The access code is shown on the printer's network settings
// screen and doubles as the MQTT password in LAN mode.
type PrinterConfig struct {
	Host       string `yaml:"host"`
	Serial     string `yaml:"serial"`
	AccessCode string `yaml:"access_code"`
	// TLS selects the encrypted listener on 8883. Defaults to true
	// because current firmware no longer serves plaintext MQTT.
	TLS *bool `yaml:"tls"`
	// Port overrides the port implied by TLS. Zero means default.
	Port int `yaml:"port"`
	// MaxMessagesPerSec drops inbound reports above this rate. Zero
	// disables the limit.
	MaxMessagesPerSec int `yaml:"max_messages_per_sec"`
}

// UseTLS reports whether the TLS listener should be used.
func (p PrinterConfig) UseTLS() bool {
	return p.TLS == nil || *p.TLS
}

// MQTTConfig defines the optional Home Assistant bridge broker. When
// configured, printer telemetry is republished there with HA discovery.
type MQTTConfig struct {
	Broker             string         `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string         `yaml:"username"`
	Password           string         `yaml:"password"`
	DeviceName         string         `yaml:"device_name"`
	DiscoveryPrefix    string         `yaml:"discovery_prefix"`
	PublishIntervalSec int            `yaml:"publish_interval_sec"`
	Sensors            []SensorConfig `yaml:"sensors"`
}

// Configured reports whether the bridge has enough settings to start.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// SensorConfig maps one telemetry field to a Home Assistant sensor. Key
// is the field name inside the printer's print payload; it is treated as
// an opaque string.
type SensorConfig struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Unit        string `yaml:"unit"`
	Icon        string `yaml:"icon"`
	DeviceClass string `yaml:"device_class"`
	StateClass  string `yaml:"state_class"`
}

// ListenConfig defines the HTTP status API settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the API
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references before parsing and filling defaults afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every optional field populated.
// Printer identity is left empty and must come from the file.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 30
	}
	if c.MQTT.DeviceName == "" && c.Printer.Serial != "" {
		c.MQTT.DeviceName = "bambu-" + strings.ToLower(c.Printer.Serial)
	}
	for i := range c.MQTT.Sensors {
		if c.MQTT.Sensors[i].Name == "" {
			c.MQTT.Sensors[i].Name = c.MQTT.Sensors[i].Key
		}
	}
}

// Validate checks the loaded configuration for errors that would only
// surface later as confusing connection failures.
func (c *Config) Validate() error {
	if c.Printer.Host == "" {
		return fmt.Errorf("printer.host is required")
	}
	if c.Printer.Serial == "" {
		return fmt.Errorf("printer.serial is required")
	}
	if c.Printer.UseTLS() && c.Printer.AccessCode == "" {
		return fmt.Errorf("printer.access_code is required when printer.tls is enabled")
	}
	if c.Printer.Port < 0 || c.Printer.Port > 65535 {
		return fmt.Errorf("printer.port %d out of range", c.Printer.Port)
	}
	if c.Printer.MaxMessagesPerSec < 0 {
		return fmt.Errorf("printer.max_messages_per_sec must not be negative")
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}

	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			return fmt.Errorf("mqtt.device_name is required")
		}
		seen := make(map[string]bool, len(c.MQTT.Sensors))
		for i, s := range c.MQTT.Sensors {
			if s.Key == "" {
				return fmt.Errorf("mqtt.sensors[%d].key is required", i)
			}
			if seen[s.Key] {
				return fmt.Errorf("mqtt.sensors: duplicate key %q", s.Key)
			}
			seen[s.Key] = true
		}
	}

	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
