package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Agents     AgentConfig      `mapstructure:"agents"`
	Search     SearchConfig     `mapstructure:"search"`
	Market     MarketConfig     `mapstructure:"market"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings (post cache)
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LLMConfig contains LLM provider settings and the rate-limit budget
// shared by every caller in the process.
type LLMConfig struct {
	Endpoint               string  `mapstructure:"endpoint"`
	APIKey                 string  `mapstructure:"api_key"`
	Model                  string  `mapstructure:"model"`
	Temperature            float64 `mapstructure:"temperature"`
	MaxTokens              int     `mapstructure:"max_tokens"`
	Timeout                int     `mapstructure:"timeout"` // ms
	MaxRequestsPerMinute   int     `mapstructure:"max_requests_per_minute"`
	MaxConcurrentRequests  int     `mapstructure:"max_concurrent_requests"`
	RateLimitRetryAttempts int     `mapstructure:"rate_limit_retry_attempts"`
	RateLimitBaseDelay     float64 `mapstructure:"rate_limit_base_delay"` // seconds
}

// AgentConfig contains agent runtime settings
type AgentConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRetries     int `mapstructure:"max_retries"`
}

// SearchConfig contains social-search service settings
type SearchConfig struct {
	Endpoint          string `mapstructure:"endpoint"`
	BearerToken       string `mapstructure:"bearer_token"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	MaxFetch          int    `mapstructure:"max_fetch"`
	LookbackDays      int    `mapstructure:"lookback_days"`
	CacheTTL          int    `mapstructure:"cache_ttl"` // seconds
}

// MarketConfig contains market maker parameters
type MarketConfig struct {
	RiskAversion   float64 `mapstructure:"risk_aversion"`
	LiquidityParam float64 `mapstructure:"liquidity_param"`
	TerminalTime   float64 `mapstructure:"terminal_time"`
	VolatilityBase float64 `mapstructure:"volatility_base"`
	MinSpread      float64 `mapstructure:"min_spread"`
	MaxInventory   int     `mapstructure:"max_inventory"`
}

// SimulationConfig contains trading simulation settings
type SimulationConfig struct {
	RoundInterval int `mapstructure:"round_interval"` // seconds between rounds
	OrderSpread   int `mapstructure:"order_spread"`   // cents between an agent's bid and ask
	OrderQuantity int `mapstructure:"order_quantity"` // contracts per quote
	RecentTrades  int `mapstructure:"recent_trades"`  // trades shown to agents each round
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("FORESIGHT")

	// Bare env names used by deployment, bound without the prefix
	bindEnvAliases(v)

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnvAliases binds the conventional environment variable names to their
// config keys so deployments can set LLM_API_KEY instead of FORESIGHT_LLM_API_KEY.
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.max_requests_per_minute", "LLM_MAX_REQUESTS_PER_MINUTE")
	_ = v.BindEnv("llm.max_concurrent_requests", "LLM_MAX_CONCURRENT_REQUESTS")
	_ = v.BindEnv("llm.rate_limit_retry_attempts", "LLM_RATE_LIMIT_RETRY_ATTEMPTS")
	_ = v.BindEnv("agents.timeout_seconds", "AGENT_TIMEOUT_SECONDS")
	_ = v.BindEnv("agents.max_retries", "MAX_RETRIES")
	_ = v.BindEnv("search.bearer_token", "XSEARCH_BEARER_TOKEN")
	_ = v.BindEnv("nats.url", "NATS_URL")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "Foresight")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "foresight")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	// NATS defaults
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.enabled", false)

	// LLM defaults
	v.SetDefault("llm.endpoint", "https://api.x.ai/v1/chat/completions")
	v.SetDefault("llm.model", "grok-3")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 120000)
	v.SetDefault("llm.max_requests_per_minute", 60)
	v.SetDefault("llm.max_concurrent_requests", 10)
	v.SetDefault("llm.rate_limit_retry_attempts", 5)
	v.SetDefault("llm.rate_limit_base_delay", 1.0)

	// Agent runtime defaults
	v.SetDefault("agents.timeout_seconds", 300)
	v.SetDefault("agents.max_retries", 3)

	// Search defaults. Endpoint is the bare host; the client appends the
	// recent-search and user-timeline paths.
	v.SetDefault("search.endpoint", "https://api.x.com")
	v.SetDefault("search.requests_per_minute", 30)
	v.SetDefault("search.max_fetch", 200)
	v.SetDefault("search.lookback_days", 7)
	v.SetDefault("search.cache_ttl", 300)

	// Market maker defaults
	v.SetDefault("market.risk_aversion", 0.003)
	v.SetDefault("market.liquidity_param", 1.2)
	v.SetDefault("market.terminal_time", 60.0)
	v.SetDefault("market.volatility_base", 3.5)
	v.SetDefault("market.min_spread", 2.0)
	v.SetDefault("market.max_inventory", 100)

	// Simulation defaults
	v.SetDefault("simulation.round_interval", 60)
	v.SetDefault("simulation.order_spread", 4)
	v.SetDefault("simulation.order_quantity", 100)
	v.SetDefault("simulation.recent_trades", 20)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the LLM request timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// AgentTimeout returns the per-attempt agent timeout as time.Duration
func (c *AgentConfig) AgentTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
