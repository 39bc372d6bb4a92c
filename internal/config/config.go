package config

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// Config represents the runtime configuration document (config.json).
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey   string `json:"apiKey"`
	AdminKey string `json:"adminKey"`

	// Logging and debugging
	Debug bool `json:"debug"`

	// Server configuration
	Port           int    `json:"port"`
	Host           string `json:"host"`
	AllowLanAccess bool   `json:"allowLanAccess"`

	// Flow monitor
	MaxFlowEntries int `json:"maxFlowEntries"`

	// Telemetry passthrough toggle
	Telemetry bool `json:"telemetry"`

	// Redis (optional usage-stats sink)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		APIKey:         "",
		AdminKey:       "",
		Debug:          false,
		Port:           DefaultPort,
		Host:           "127.0.0.1",
		AllowLanAccess: false,
		MaxFlowEntries: FlowEntriesDefault,
		Telemetry:      false,
		RedisAddr:      "",
		RedisPassword:  "",
		RedisDB:        0,
	}
}

// Global config instance
var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from file and environment
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(ConfigDir); err != nil {
		utils.Warn("[Config] Failed to create config directory: %v", err)
	}

	if utils.FileExists(ConfigFilePath) {
		if err := c.loadFromFile(ConfigFilePath); err != nil {
			utils.Warn("[Config] Failed to load config from %s: %v", ConfigFilePath, err)
		}
	}

	c.loadFromEnv()
	c.clampLocked()

	utils.SetDebug(c.Debug)

	return nil
}

// loadFromFile merges a JSON file over the defaults, field by field
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Unmarshal into a default-initialized config so missing fields keep
	// their defaults.
	tempConfig := DefaultConfig()
	if err := json.Unmarshal(data, tempConfig); err != nil {
		return err
	}

	c.APIKey = tempConfig.APIKey
	c.AdminKey = tempConfig.AdminKey
	c.Debug = tempConfig.Debug
	c.Port = tempConfig.Port
	c.Host = tempConfig.Host
	c.AllowLanAccess = tempConfig.AllowLanAccess
	c.MaxFlowEntries = tempConfig.MaxFlowEntries
	c.Telemetry = tempConfig.Telemetry
	c.RedisAddr = tempConfig.RedisAddr
	c.RedisPassword = tempConfig.RedisPassword
	c.RedisDB = tempConfig.RedisDB

	return nil
}

// loadFromEnv applies environment variable overrides
func (c *Config) loadFromEnv() {
	if v := utils.CoalesceString(os.Getenv("ANTIGRAVITY_PORT"), os.Getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			c.Port = port
		}
	}
	if v := os.Getenv("ANTIGRAVITY_HOST"); v != "" {
		c.Host = v
		c.AllowLanAccess = true
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
}

func (c *Config) clampLocked() {
	if c.MaxFlowEntries < FlowEntriesMin {
		c.MaxFlowEntries = FlowEntriesMin
	}
	if c.MaxFlowEntries > FlowEntriesMax {
		c.MaxFlowEntries = FlowEntriesMax
	}
	if c.Port <= 0 || c.Port >= 65536 {
		c.Port = DefaultPort
	}
}

// Save writes the current configuration to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	if err := utils.EnsureDir(ConfigDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigFilePath, data, 0644)
}

// UpdateResult reports what an admin config update changed.
type UpdateResult struct {
	RequiresRestart bool `json:"requiresRestart"`
}

// Update applies the admin-editable subset and saves. Only allowLanAccess,
// maxFlowEntries and telemetry are accepted; anything else is ignored.
// Changing allowLanAccess requires a restart to rebind the listener.
func (c *Config) Update(updates map[string]interface{}) (*UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &UpdateResult{}

	for key, value := range updates {
		switch key {
		case "allowLanAccess":
			if v, ok := value.(bool); ok && v != c.AllowLanAccess {
				c.AllowLanAccess = v
				result.RequiresRestart = true
			}
		case "maxFlowEntries":
			if v, ok := value.(float64); ok {
				c.MaxFlowEntries = int(v)
			}
		case "telemetry":
			if v, ok := value.(bool); ok {
				c.Telemetry = v
			}
		}
	}

	c.clampLocked()

	if err := c.saveLocked(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetPublic returns a copy of the config with sensitive fields redacted
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":         redact(c.APIKey),
		"adminKey":       redact(c.AdminKey),
		"debug":          c.Debug,
		"port":           c.Port,
		"host":           c.Host,
		"allowLanAccess": c.AllowLanAccess,
		"maxFlowEntries": c.MaxFlowEntries,
		"telemetry":      c.Telemetry,
		"redisAddr":      c.RedisAddr,
		"redisPassword":  redact(c.RedisPassword),
		"redisDB":        c.RedisDB,
	}
}

// ListenAddr returns the host:port the server should bind to. LAN access
// off forces loopback regardless of the configured host.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	host := c.Host
	if !c.AllowLanAccess {
		host = "127.0.0.1"
	} else if host == "" || host == "127.0.0.1" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// GetPort returns the configured port
func (c *Config) GetPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Port
}

// GetAPIKey returns the configured API key ("" = auth disabled)
func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.APIKey
}

// GetAdminKey returns the configured admin key ("" = admin surface open)
func (c *Config) GetAdminKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AdminKey
}

// GetMaxFlowEntries returns the flow ring capacity
func (c *Config) GetMaxFlowEntries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxFlowEntries
}

// GetRedisAddr returns the redis address ("" = redis disabled)
func (c *Config) GetRedisAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RedisAddr
}

// GetRedisPassword returns the redis password
func (c *Config) GetRedisPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RedisPassword
}

// GetRedisDB returns the redis database number
func (c *Config) GetRedisDB() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RedisDB
}

// redact returns "********" if the string is non-empty, otherwise empty string
func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
