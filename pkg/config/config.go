// Package config provides configuration loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration fault. The service refuses to start on it.
var ErrInvalid = errors.New("config: invalid configuration")

// InsecureJWTSecret is the placeholder shipped in sample configs. Validate
// rejects it.
const InsecureJWTSecret = "change-me"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Pool     PoolConfig     `yaml:"pool"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig selects the result cache backend. An empty URL keeps the cache in memory.
type RedisConfig struct {
	URL      string `yaml:"url"`
	CacheKey string `yaml:"cache_key"`
}

type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// BreakerFailures consecutive failures open the circuit for BreakerTimeout.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// AgentConfig controls how individual conversational agents are built.
type AgentConfig struct {
	PromptPath    string        `yaml:"prompt_path"`
	MaxHistory    int           `yaml:"max_history"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// PoolConfig holds the scheduler and idle monitor tunables.
type PoolConfig struct {
	Floor         int           `yaml:"floor"`
	CloseAbove    int           `yaml:"close_above"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ResetOnAssign bool          `yaml:"reset_on_assign"`
}

type BridgeConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// GatewayConfig points at the Evolution API instance used for WhatsApp I/O.
type GatewayConfig struct {
	APIURL          string `yaml:"api_url"`
	APIKey          string `yaml:"api_key"`
	Instance        string `yaml:"instance"`
	SendRPM         int    `yaml:"send_rpm"`
	SendBurst       int    `yaml:"send_burst"`
	TypingIndicator bool   `yaml:"typing_indicator"`
	TypingDelayMs   int    `yaml:"typing_delay_ms"`
	WebhookSecret   string `yaml:"webhook_secret"`
	// Intake selects how inbound events arrive: "webhook" or "websocket".
	Intake string `yaml:"intake"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file, then applies environment variable
// overrides. Environment variables take precedence over YAML values.
// Env var format: CHATPOOL_SERVER_PORT, CHATPOOL_DATABASE_DSN, etc. The
// gateway also honors EVOLUTION_API_URL, EVOLUTION_API_KEY and
// EVOLUTION_API_INSTANCE when the CHATPOOL_ variant is unset.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("load yaml config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Redis:  RedisConfig{CacheKey: "chatpool:customers"},
		LLM: LLMConfig{
			APIURL:          "https://api.openai.com/v1",
			Model:           "gpt-4o-mini",
			Temperature:     0.7,
			MaxTokens:       1024,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Agent: AgentConfig{
			PromptPath:    "prompt.txt",
			MaxHistory:    40,
			SlowThreshold: 5 * time.Second,
		},
		Pool: PoolConfig{
			Floor:         3,
			CloseAbove:    10,
			IdleThreshold: 20 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Bridge: BridgeConfig{Workers: 8, QueueSize: 256},
		Gateway: GatewayConfig{
			SendRPM:         600,
			SendBurst:       20,
			TypingIndicator: true,
			TypingDelayMs:   1200,
			Intake:          "webhook",
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Log:  LogConfig{Level: "info"},
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no config file is fine, use defaults + env
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	envInt("CHATPOOL_SERVER_PORT", &cfg.Server.Port)
	envString("CHATPOOL_DATABASE_DSN", &cfg.Database.DSN)
	envString("CHATPOOL_REDIS_URL", &cfg.Redis.URL)
	envString("CHATPOOL_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("CHATPOOL_LLM_API_URL", &cfg.LLM.APIURL)
	envString("CHATPOOL_LLM_MODEL", &cfg.LLM.Model)
	envString("CHATPOOL_AGENT_PROMPT_PATH", &cfg.Agent.PromptPath)
	envDuration("CHATPOOL_AGENT_QUERY_TIMEOUT", &cfg.Agent.QueryTimeout)
	envInt("CHATPOOL_POOL_FLOOR", &cfg.Pool.Floor)
	envInt("CHATPOOL_POOL_CLOSE_ABOVE", &cfg.Pool.CloseAbove)
	envDuration("CHATPOOL_POOL_IDLE_THRESHOLD", &cfg.Pool.IdleThreshold)
	envDuration("CHATPOOL_POOL_SWEEP_INTERVAL", &cfg.Pool.SweepInterval)
	if v := os.Getenv("CHATPOOL_POOL_RESET_ON_ASSIGN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pool.ResetOnAssign = b
		}
	}
	envInt("CHATPOOL_BRIDGE_WORKERS", &cfg.Bridge.Workers)
	envInt("CHATPOOL_BRIDGE_QUEUE_SIZE", &cfg.Bridge.QueueSize)

	envString("EVOLUTION_API_URL", &cfg.Gateway.APIURL)
	envString("EVOLUTION_API_KEY", &cfg.Gateway.APIKey)
	envString("EVOLUTION_API_INSTANCE", &cfg.Gateway.Instance)
	envString("CHATPOOL_GATEWAY_API_URL", &cfg.Gateway.APIURL)
	envString("CHATPOOL_GATEWAY_API_KEY", &cfg.Gateway.APIKey)
	envString("CHATPOOL_GATEWAY_INSTANCE", &cfg.Gateway.Instance)
	envString("CHATPOOL_GATEWAY_WEBHOOK_SECRET", &cfg.Gateway.WebhookSecret)
	if v := os.Getenv("CHATPOOL_GATEWAY_INTAKE"); v != "" {
		cfg.Gateway.Intake = strings.ToLower(v)
	}

	envString("CHATPOOL_AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	if v := os.Getenv("CHATPOOL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate reports missing credentials and nonsensical pool settings.
// All problems are collected so the operator sees them at once.
func (c *Config) Validate() error {
	var problems []string
	if c.Gateway.APIURL == "" {
		problems = append(problems, "gateway.api_url is required")
	}
	if c.Gateway.APIKey == "" {
		problems = append(problems, "gateway.api_key is required")
	}
	if c.Gateway.Instance == "" {
		problems = append(problems, "gateway.instance is required")
	}
	if c.Gateway.Intake != "webhook" && c.Gateway.Intake != "websocket" {
		problems = append(problems, "gateway.intake must be webhook or websocket")
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.LLM.APIKey == "" {
		problems = append(problems, "llm.api_key is required")
	}
	if c.Pool.Floor < 1 {
		problems = append(problems, "pool.floor must be at least 1")
	}
	if c.Pool.CloseAbove < 0 {
		problems = append(problems, "pool.close_above must not be negative")
	}
	if c.Pool.IdleThreshold <= 0 {
		problems = append(problems, "pool.idle_threshold must be positive")
	}
	if c.Pool.SweepInterval <= 0 {
		problems = append(problems, "pool.sweep_interval must be positive")
	}
	if s := strings.TrimSpace(c.Auth.JWTSecret); s == "" || s == InsecureJWTSecret {
		problems = append(problems, "auth.jwt_secret must be set")
	}
	if c.Bridge.Workers < 1 {
		problems = append(problems, "bridge.workers must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
