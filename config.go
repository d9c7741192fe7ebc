package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Serial     SerialConfig     `yaml:"serial"`
	UDP        UDPConfig        `yaml:"udp"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tasks      TasksConfig      `yaml:"tasks"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Listen         string `yaml:"listen"`          // Listen address (default: ":8080")
	MaxConnections int    `yaml:"max_connections"` // Maximum concurrent HTTP connections (default: 100)
	EnableCORS     bool   `yaml:"enable_cors"`     // Allow cross-origin requests (default: true)
	Debug          bool   `yaml:"debug"`           // Log every HTTP request (default: false)
}

// SerialConfig contains USB serial transport settings
type SerialConfig struct {
	DeviceLabel string `yaml:"device_label"` // Product string that marks a robot's serial port (default: "Feather M0")
	Baud        int    `yaml:"baud"`         // Serial line speed (default: 9600)
}

// UDPConfig contains WiFi transport settings
type UDPConfig struct {
	ListenPort    int `yaml:"listen_port"`    // Port robots send datagrams to (default: 2122)
	DiscoveryPort int `yaml:"discovery_port"` // Broadcast port robots listen on (default: 2121)
}

// LoggingConfig contains session log settings
type LoggingConfig struct {
	Directory string `yaml:"directory"` // Root directory for session logs (default: "./SessionLogs")
	Archive   bool   `yaml:"archive"`   // Compress finished session logs with zstd (default: false)
}

// TasksConfig points at the curriculum task catalog
type TasksConfig struct {
	File string `yaml:"file"` // Task catalog JSON file (default: "tasks.json")
}

// WebRTCConfig contains peer connection settings
type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers"` // STUN server URLs (empty = host candidates only, fine on a LAN)
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"` // Enable/disable the /metrics endpoint
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`          // Enable/disable MQTT event publishing
	Broker          string `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string `yaml:"username"`         // MQTT authentication username
	Password        string `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string `yaml:"topic_prefix"`     // Topic prefix for events and metrics
	PublishInterval int    `yaml:"publish_interval"` // Metric snapshot interval in seconds
	QoS             byte   `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool   `yaml:"retain"`           // Retain flag for MQTT messages
}

// MCPConfig contains Model Context Protocol server settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"` // Enable/disable MCP endpoint
}

// LoadConfig loads configuration from a YAML file. A missing file is
// not an error: the server runs on defaults.
func LoadConfig(filename string) (*Config, error) {
	var config Config
	// YAML only touches keys present in the file, so booleans that
	// default to true are seeded before parsing. An explicit
	// enable_cors: false survives.
	config.Server.EnableCORS = true

	data, err := os.ReadFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	if config.Server.Listen == "" {
		config.Server.Listen = ":8080"
	}
	if config.Server.MaxConnections == 0 {
		config.Server.MaxConnections = 100
	}
	if config.Serial.DeviceLabel == "" {
		config.Serial.DeviceLabel = "Feather M0"
	}
	if config.Serial.Baud == 0 {
		config.Serial.Baud = 9600
	}
	if config.UDP.ListenPort == 0 {
		config.UDP.ListenPort = 2122
	}
	if config.UDP.DiscoveryPort == 0 {
		config.UDP.DiscoveryPort = 2121
	}
	if config.Logging.Directory == "" {
		config.Logging.Directory = "./SessionLogs"
	}
	if config.Tasks.File == "" {
		config.Tasks.File = "tasks.json"
	}
	if config.MQTT.TopicPrefix == "" {
		config.MQTT.TopicPrefix = "edmo"
	}
	if config.MQTT.PublishInterval == 0 {
		config.MQTT.PublishInterval = 60 // 60 seconds default
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be at least 1")
	}
	if c.Serial.Baud < 300 {
		return fmt.Errorf("serial.baud must be at least 300")
	}
	if c.UDP.ListenPort < 1 || c.UDP.ListenPort > 65535 {
		return fmt.Errorf("udp.listen_port must be between 1 and 65535")
	}
	if c.UDP.DiscoveryPort < 1 || c.UDP.DiscoveryPort > 65535 {
		return fmt.Errorf("udp.discovery_port must be between 1 and 65535")
	}
	if c.UDP.ListenPort == c.UDP.DiscoveryPort {
		return fmt.Errorf("udp.listen_port and udp.discovery_port must differ")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
