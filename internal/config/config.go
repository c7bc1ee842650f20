// Package config loads service configuration from an optional YAML file and
// environment overrides. The file is looked up via CONFIG_PATH, then
// /app/config/cosilium.yaml, then ./config/cosilium.yaml; every field has a
// sensible default so the service starts with nothing but API keys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cosilium-ai/cosilium/internal/providers"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Gemini    ProviderConfig `mapstructure:"gemini"`
	DeepSeek  ProviderConfig `mapstructure:"deepseek"`
}

type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type EngineConfig struct {
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	AgentConcurrency  int           `mapstructure:"agent_concurrency"`
	ProviderRPS       float64       `mapstructure:"provider_rps"`
	MaxTokensPerCall  int           `mapstructure:"max_tokens_per_call"`
	SyncWaitLimit     time.Duration `mapstructure:"sync_wait_limit"`
	DefaultIterations int           `mapstructure:"default_iterations"`
	DefaultThreshold  float64       `mapstructure:"default_threshold"`
	DefaultBudgetUSD  float64       `mapstructure:"default_budget_usd"`
	DefaultTemp       float64       `mapstructure:"default_temperature"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "cosilium")
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("engine.call_timeout", 60*time.Second)
	v.SetDefault("engine.max_retries", 2)
	v.SetDefault("engine.retry_backoff", 500*time.Millisecond)
	v.SetDefault("engine.agent_concurrency", 4)
	v.SetDefault("engine.provider_rps", 5.0)
	v.SetDefault("engine.max_tokens_per_call", 4096)
	v.SetDefault("engine.sync_wait_limit", 10*time.Minute)
	v.SetDefault("engine.default_iterations", 3)
	v.SetDefault("engine.default_threshold", 0.75)
	v.SetDefault("engine.default_budget_usd", 1.0)
	v.SetDefault("engine.default_temperature", 0.7)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

func configFile() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	for _, p := range []string{"/app/config/cosilium.yaml", "./config/cosilium.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load builds the configuration from defaults, the optional YAML file and
// environment variables. Env keys are upper snake case with a COSILIUM
// prefix, e.g. COSILIUM_SERVER_PORT, COSILIUM_PROVIDERS_OPENAI_API_KEY.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COSILIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := configFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Bare provider key envs win over everything; they are what deployments
	// actually set.
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		cfg.Providers.OpenAI.APIKey = k
	}
	if k := os.Getenv("ANTHROPIC_API_KEY"); k != "" {
		cfg.Providers.Anthropic.APIKey = k
	}
	if k := os.Getenv("GEMINI_API_KEY"); k != "" {
		cfg.Providers.Gemini.APIKey = k
	}
	if k := os.Getenv("DEEPSEEK_API_KEY"); k != "" {
		cfg.Providers.DeepSeek.APIKey = k
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("config: server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn required for driver %q", c.Database.Driver)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("config: engine.max_retries must be >= 0")
	}
	if c.Engine.AgentConcurrency < 1 {
		return fmt.Errorf("config: engine.agent_concurrency must be >= 1")
	}
	if c.Engine.DefaultThreshold < 0.5 || c.Engine.DefaultThreshold > 0.95 {
		return fmt.Errorf("config: engine.default_threshold %.2f outside [0.5,0.95]", c.Engine.DefaultThreshold)
	}
	return nil
}

// Credentials flattens the provider section for the registry builder.
func (c *Config) Credentials() providers.Credentials {
	return providers.Credentials{
		OpenAIKey:        c.Providers.OpenAI.APIKey,
		OpenAIBaseURL:    c.Providers.OpenAI.BaseURL,
		AnthropicKey:     c.Providers.Anthropic.APIKey,
		AnthropicBaseURL: c.Providers.Anthropic.BaseURL,
		GeminiKey:        c.Providers.Gemini.APIKey,
		GeminiBaseURL:    c.Providers.Gemini.BaseURL,
		DeepSeekKey:      c.Providers.DeepSeek.APIKey,
		DeepSeekBaseURL:  c.Providers.DeepSeek.BaseURL,
	}
}
