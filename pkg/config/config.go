package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Node NodeConfig `yaml:"node"`
	Log  LogConfig  `yaml:"log"`
}

// NodeConfig node configuration (hosting, discovery and calling)
type NodeConfig struct {
	// Hosting configuration
	BindAddr  string `yaml:"bind_addr"`  // Call listener bind address; empty host means all interfaces, port 0 means any free port (e.g., ":0" or "0.0.0.0:7411")
	LocalOnly bool   `yaml:"local_only"` // Bind and advertise on 127.0.0.1 only

	// Discovery configuration
	ServiceTag string `yaml:"service_tag"` // mDNS service type to advertise/browse (default "_lanrpc._tcp")
	Domain     string `yaml:"domain"`      // mDNS domain (default "local.")

	// Call configuration (seconds unless noted)
	PollTimeout       int `yaml:"poll_timeout"`        // How long a call waits for a reply before the service is considered lost
	ResolveIntervalMs int `yaml:"resolve_interval_ms"` // Directory polling interval while waiting for a name (milliseconds)
	RecoverInterval   int `yaml:"recover_interval"`    // Directory re-check interval while recovering a lost service
	WaitTimeout       int `yaml:"wait_timeout"`        // Default timeout for WaitProxy when the caller passes none
	DialTimeout       int `yaml:"dial_timeout"`        // TCP dial timeout per attempt
	DialAttempts      int `yaml:"dial_attempts"`       // Dial attempts before a channel is reported unavailable

	// Telemetry
	ListenAddress string `yaml:"listen_address"` // Metrics listener address
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path

	// Built-in services exposed by the bundled binary
	Expose []ExposeConfig `yaml:"expose"`
}

// ExposeConfig names a built-in diagnostic object to host under a service name.
type ExposeConfig struct {
	Name string `yaml:"name"` // Service name to advertise
	Kind string `yaml:"kind"` // Built-in kind: "echo" or "sysinfo"
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Node.BindAddr == "" {
		c.Node.BindAddr = ":0" // Any free port; the node learns the bound port after listen
	}
	if c.Node.ServiceTag == "" {
		c.Node.ServiceTag = "_lanrpc._tcp"
	}
	if c.Node.Domain == "" {
		c.Node.Domain = "local."
	}
	if c.Node.PollTimeout == 0 {
		c.Node.PollTimeout = 5
	}
	if c.Node.ResolveIntervalMs == 0 {
		c.Node.ResolveIntervalMs = 300
	}
	if c.Node.RecoverInterval == 0 {
		c.Node.RecoverInterval = 1
	}
	if c.Node.WaitTimeout == 0 {
		c.Node.WaitTimeout = 31622400 // One year; waiting callers expect membership to self-heal
	}
	if c.Node.DialTimeout == 0 {
		c.Node.DialTimeout = 5
	}
	if c.Node.DialAttempts == 0 {
		c.Node.DialAttempts = 5
	}
	if c.Node.ListenAddress == "" {
		c.Node.ListenAddress = ":9090"
	}
	if c.Node.TelemetryPath == "" {
		c.Node.TelemetryPath = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// GetPollTimeout gets the per-call reply timeout
func (c *Config) GetPollTimeout() time.Duration {
	return time.Duration(c.Node.PollTimeout) * time.Second
}

// GetResolveInterval gets the directory polling interval
func (c *Config) GetResolveInterval() time.Duration {
	return time.Duration(c.Node.ResolveIntervalMs) * time.Millisecond
}

// GetRecoverInterval gets the recovery re-check interval
func (c *Config) GetRecoverInterval() time.Duration {
	return time.Duration(c.Node.RecoverInterval) * time.Second
}

// GetWaitTimeout gets the default WaitProxy timeout
func (c *Config) GetWaitTimeout() time.Duration {
	return time.Duration(c.Node.WaitTimeout) * time.Second
}

// GetDialTimeout gets the per-attempt dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Node.DialTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("NODE_BIND_ADDR"); val != "" {
		c.Node.BindAddr = val
	}
	if val := os.Getenv("NODE_LOCAL_ONLY"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Node.LocalOnly = b
		}
	}
	if val := os.Getenv("NODE_SERVICE_TAG"); val != "" {
		c.Node.ServiceTag = val
	}
	if val := os.Getenv("NODE_DOMAIN"); val != "" {
		c.Node.Domain = val
	}
	if val := os.Getenv("NODE_POLL_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.PollTimeout = i
		}
	}
	if val := os.Getenv("NODE_RESOLVE_INTERVAL_MS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.ResolveIntervalMs = i
		}
	}
	if val := os.Getenv("NODE_RECOVER_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.RecoverInterval = i
		}
	}
	if val := os.Getenv("NODE_WAIT_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.WaitTimeout = i
		}
	}
	if val := os.Getenv("NODE_DIAL_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.DialTimeout = i
		}
	}
	if val := os.Getenv("NODE_DIAL_ATTEMPTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.DialAttempts = i
		}
	}
	if val := os.Getenv("NODE_LISTEN_ADDRESS"); val != "" {
		c.Node.ListenAddress = val
	}
	if val := os.Getenv("NODE_TELEMETRY_PATH"); val != "" {
		c.Node.TelemetryPath = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}
