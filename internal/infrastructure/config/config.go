package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for packflow.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers ProvidersConfig `yaml:"providers"`
	Engine    EngineConfig    `yaml:"engine"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServiceConfig identifies this engine instance.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	InstanceID string `yaml:"instance_id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// MQTT is optional: when disabled, events arrive only through the RPC surface.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
// Write must cover a synchronous trigger run, so it defaults well above Read.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	PrettyPrint bool   `yaml:"pretty_print"`
}

// ProvidersConfig holds credentials and endpoints for each model backend.
// A backend with an empty API key stays unconfigured; calls routed to it fail
// with a configuration error at first use rather than at startup.
type ProvidersConfig struct {
	Gemini    ProviderConfig `yaml:"gemini"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`

	// Timeout bounds a single candidate call, in seconds.
	Timeout int `yaml:"timeout"`

	// Budget bounds all candidates of one logical request together, in seconds.
	Budget int `yaml:"budget"`

	// MaxTokens is the default completion limit when a step does not set one.
	MaxTokens int `yaml:"max_tokens"`

	// Families maps a model family ("fast", "reasoning") to an ordered
	// candidate list. Each entry is "provider:model".
	Families map[string][]string `yaml:"families"`
}

// ProviderConfig contains settings for one model backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// EngineConfig contains automation engine runtime settings.
type EngineConfig struct {
	// SweepInterval is the period between pending-work sweeps in seconds. 0 disables the loop.
	SweepInterval int `yaml:"sweep_interval"`

	// SweepBatch caps how many pending executions one sweep picks up.
	SweepBatch int `yaml:"sweep_batch"`

	// SweepConcurrency caps how many executions a sweep runs at once.
	SweepConcurrency int `yaml:"sweep_concurrency"`

	// MaxExecutionTime bounds one execution run, in seconds.
	MaxExecutionTime int `yaml:"max_execution_time"`

	// PackCacheTTL is how long a cached pack is served before it is
	// re-read, in seconds. 0 disables caching.
	PackCacheTTL int `yaml:"pack_cache_ttl"`

	// StaleAfter is how long an execution may stay running before a sweep
	// fails it, in seconds. 0 means twice MaxExecutionTime; negative
	// disables abandoning.
	StaleAfter int `yaml:"stale_after"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains the shared secret used to verify caller tokens.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PACKFLOW_SECTION_KEY
// For example: PACKFLOW_DATABASE_PATH, PACKFLOW_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// Used when no config file is present.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:       "packflow",
			InstanceID: "packflow-001",
		},
		Database: DatabaseConfig{
			Path:        "./data/packflow.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "packflow-engine",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "packflow",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 300,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "packflow",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "packflow",
		},
		Providers: ProvidersConfig{
			Timeout:   60,
			Budget:    120,
			MaxTokens: 4096,
			Families: map[string][]string{
				"fast":      {"gemini:gemini-2.0-flash", "anthropic:claude-sonnet-4-5-20250514"},
				"reasoning": {"anthropic:claude-opus-4-5-20250514", "gemini:gemini-2.5-pro"},
			},
		},
		Engine: EngineConfig{
			SweepInterval:    15,
			SweepBatch:       25,
			SweepConcurrency: 4,
			MaxExecutionTime: 600,
			PackCacheTTL:     60,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PACKFLOW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("PACKFLOW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PACKFLOW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PACKFLOW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PACKFLOW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("PACKFLOW_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PACKFLOW_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Engine
	if v := os.Getenv("PACKFLOW_ENGINE_STALE_AFTER"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Engine.StaleAfter = secs
		}
	}

	// InfluxDB
	if v := os.Getenv("PACKFLOW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Providers. The unprefixed names match what the hosted runtime exported.
	cfg.Providers.Gemini.APIKey = firstEnv(cfg.Providers.Gemini.APIKey, "PACKFLOW_GEMINI_API_KEY", "GEMINI_API_KEY")
	cfg.Providers.Anthropic.APIKey = firstEnv(cfg.Providers.Anthropic.APIKey, "PACKFLOW_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	cfg.Providers.OpenAI.APIKey = firstEnv(cfg.Providers.OpenAI.APIKey, "PACKFLOW_OPENAI_API_KEY", "OPENAI_API_KEY")

	// Security - JWT secret (always override in production)
	if v := os.Getenv("PACKFLOW_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// firstEnv returns the first non-empty environment variable among keys,
// or current when none is set.
func firstEnv(current string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return current
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.Name == "" {
		errs = append(errs, "service.name is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Providers.Timeout <= 0 {
		errs = append(errs, "providers.timeout must be positive")
	}
	if c.Providers.Budget < c.Providers.Timeout {
		errs = append(errs, "providers.budget must be at least providers.timeout")
	}
	for _, family := range []string{"fast", "reasoning"} {
		candidates := c.Providers.Families[family]
		if len(candidates) == 0 {
			errs = append(errs, fmt.Sprintf("providers.families.%s needs at least one candidate", family))
		}
		for _, cand := range candidates {
			if provider, model, ok := strings.Cut(cand, ":"); !ok || provider == "" || model == "" {
				errs = append(errs, fmt.Sprintf("providers.families.%s: %q is not provider:model", family, cand))
			}
		}
	}

	if c.Engine.SweepInterval < 0 {
		errs = append(errs, "engine.sweep_interval must not be negative")
	}
	if c.Engine.PackCacheTTL < 0 {
		errs = append(errs, "engine.pack_cache_ttl must not be negative")
	}
	if c.Engine.SweepConcurrency < 1 {
		errs = append(errs, "engine.sweep_concurrency must be at least 1")
	}

	// Tokens carry the caller scope that partitions every read and write,
	// so a forgeable secret would expose other tenants' data.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set PACKFLOW_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// SweepInterval returns the engine sweep period as a Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepInterval) * time.Second
}

// MaxExecutionTime returns the per-execution run bound as a Duration.
func (c *Config) MaxExecutionTime() time.Duration {
	return time.Duration(c.Engine.MaxExecutionTime) * time.Second
}

// StaleAfter returns the stuck-execution threshold as a Duration. Zero
// leaves the sweeper's default in place and a negative value disables it.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Engine.StaleAfter) * time.Second
}

// PackCacheTTL returns the pack cache lifetime as a Duration.
func (c *Config) PackCacheTTL() time.Duration {
	return time.Duration(c.Engine.PackCacheTTL) * time.Second
}

// ProviderTimeout returns the per-candidate call bound as a Duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Providers.Timeout) * time.Second
}

// ProviderBudget returns the shared bound across candidates as a Duration.
func (c *Config) ProviderBudget() time.Duration {
	return time.Duration(c.Providers.Budget) * time.Second
}
