package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration value
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all validation failures
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "configuration invalid:\n  " + strings.Join(msgs, "\n  ")
}

// Validate checks the configuration for values that would break at runtime.
// It returns all problems at once rather than failing on the first.
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		add("app.environment", fmt.Sprintf("must be development, staging, or production, got %q", c.App.Environment))
	}

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		add("database.port", fmt.Sprintf("must be in 1..65535, got %d", c.Database.Port))
	}
	if c.Database.PoolSize <= 0 {
		add("database.pool_size", "must be positive")
	}

	if c.LLM.Endpoint == "" {
		add("llm.endpoint", "must not be empty")
	}
	if c.LLM.MaxRequestsPerMinute <= 0 {
		add("llm.max_requests_per_minute", "must be positive")
	}
	if c.LLM.MaxConcurrentRequests <= 0 {
		add("llm.max_concurrent_requests", "must be positive")
	}
	if c.LLM.RateLimitRetryAttempts < 0 {
		add("llm.rate_limit_retry_attempts", "must not be negative")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature", fmt.Sprintf("must be in [0,2], got %g", c.LLM.Temperature))
	}

	if c.Agents.TimeoutSeconds <= 0 {
		add("agents.timeout_seconds", "must be positive")
	}
	if c.Agents.MaxRetries <= 0 {
		add("agents.max_retries", "must be positive")
	}

	if c.Market.RiskAversion <= 0 {
		add("market.risk_aversion", "must be positive")
	}
	if c.Market.LiquidityParam <= 0 {
		add("market.liquidity_param", "must be positive")
	}
	if c.Market.TerminalTime <= 0 {
		add("market.terminal_time", "must be positive")
	}
	if c.Market.MinSpread < 1 {
		add("market.min_spread", "must be at least 1 cent")
	}

	if c.Simulation.OrderSpread <= 0 {
		add("simulation.order_spread", "must be positive")
	}
	if c.Simulation.OrderQuantity <= 0 {
		add("simulation.order_quantity", "must be positive")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		add("api.port", fmt.Sprintf("must be in 1..65535, got %d", c.API.Port))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
