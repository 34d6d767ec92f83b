// Package core provides the configuration layer and the service that wires
// obhub together.
//
// The service owns every table in the runtime — the connection registry,
// the pending-call table, both command tables, the group-enable map, and
// the waiting-session table — and tears them down when it stops. Nothing
// is reachable through global state except the logger.
//
// # Configuration
//
// Configuration is loaded from a YAML file with the following sections:
//
//   - server: listener address, per-role websocket paths, access token,
//     heartbeat and API-call timeouts
//   - security: superuser and blocked-user id lists
//   - commands: command subsystem toggle and error-handling flags
//   - logging: log configuration
//
// # Example configuration
//
//	server:
//	  host: 0.0.0.0
//	  port: 6700
//	  heartbeat_timeout: 15s
//	security:
//	  superusers: [123456]
//	commands:
//	  reply_on_error: true
package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 6700
	DefaultUniversalPath    = "/"
	DefaultEventPath        = "/event"
	DefaultAPIPath          = "/api"
	DefaultHeartbeatTimeout = "15s"
	DefaultAPITimeout       = "30s"

	DefaultLogLevel        = "info"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAge       = 30 // days
	DefaultLogCompress     = true
	DefaultLogEnableStdout = true
)

// Config represents the complete obhub configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Commands CommandsConfig `yaml:"commands"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig represents the websocket listener configuration
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	UniversalPath    string `yaml:"universal_path"`
	EventPath        string `yaml:"event_path"`
	APIPath          string `yaml:"api_path"`
	AccessToken      string `yaml:"access_token"`
	HeartbeatTimeout string `yaml:"heartbeat_timeout"` // e.g. "15s"
	APITimeout       string `yaml:"api_timeout"`       // e.g. "30s"
}

// SecurityConfig represents access control configuration
type SecurityConfig struct {
	Superusers   []int64 `yaml:"superusers"`
	BlockedUsers []int64 `yaml:"blocked_users"`
}

// CommandsConfig represents command subsystem configuration
type CommandsConfig struct {
	Disabled        bool `yaml:"disabled"`
	ReplyOnError    bool `yaml:"reply_on_error"`
	PropagateErrors bool `yaml:"propagate_errors"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     bool   `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStdout bool   `yaml:"enable_stdout"` // Also output to stdout (default: true)
}

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig fills defaults and rejects invalid values
func validateConfig(config *Config) error {
	if config.Server.Host == "" {
		config.Server.Host = DefaultHost
	}
	if config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}
	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535 (got %d)", config.Server.Port)
	}
	if config.Server.UniversalPath == "" {
		config.Server.UniversalPath = DefaultUniversalPath
	}
	if config.Server.EventPath == "" {
		config.Server.EventPath = DefaultEventPath
	}
	if config.Server.APIPath == "" {
		config.Server.APIPath = DefaultAPIPath
	}
	for _, p := range []string{config.Server.UniversalPath, config.Server.EventPath, config.Server.APIPath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("websocket paths must start with '/' (got %q)", p)
		}
	}

	if config.Server.HeartbeatTimeout == "" {
		config.Server.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	heartbeat, err := time.ParseDuration(config.Server.HeartbeatTimeout)
	if err != nil {
		return fmt.Errorf("invalid server.heartbeat_timeout: %w", err)
	}
	if heartbeat < time.Second {
		return fmt.Errorf("server.heartbeat_timeout must be at least 1s (got %v)", heartbeat)
	}

	if config.Server.APITimeout == "" {
		config.Server.APITimeout = DefaultAPITimeout
	}
	apiTimeout, err := time.ParseDuration(config.Server.APITimeout)
	if err != nil {
		return fmt.Errorf("invalid server.api_timeout: %w", err)
	}
	if apiTimeout < 100*time.Millisecond {
		return fmt.Errorf("server.api_timeout must be at least 100ms (got %v)", apiTimeout)
	}

	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}

	return nil
}

// HeartbeatTimeout returns the parsed heartbeat timeout. The value has been
// validated at load time.
func (c *Config) HeartbeatTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.HeartbeatTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultHeartbeatTimeout)
	}
	return d
}

// APITimeout returns the parsed API call timeout.
func (c *Config) APITimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.APITimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultAPITimeout)
	}
	return d
}

// IsSuperuser checks whether a user id is a configured superuser
func (c *Config) IsSuperuser(userID int64) bool {
	for _, id := range c.Security.Superusers {
		if id == userID {
			return true
		}
	}
	return false
}

// IsBlocked checks whether a user id is on the global block list
func (c *Config) IsBlocked(userID int64) bool {
	for _, id := range c.Security.BlockedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
