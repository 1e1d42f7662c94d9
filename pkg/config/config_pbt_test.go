package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Property: config precedence.
// For any configuration key set in both the YAML file and an environment variable,
// the environment variable value SHALL take precedence.
func TestPropertyConfigPrecedence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		yamlPort := rapid.IntRange(1024, 65535).Draw(rt, "yaml_port")
		yamlDSN := rapid.StringMatching(`postgres://[a-z]{3,8}:[a-z]{3,8}@[a-z]{3,8}:5432/[a-z]{3,8}`).Draw(rt, "yaml_dsn")
		yamlRedis := rapid.StringMatching(`redis://[a-z]{3,8}:6379`).Draw(rt, "yaml_redis")
		yamlAPIKey := rapid.StringMatching(`yaml-[a-z]{4,10}`).Draw(rt, "yaml_api_key")
		yamlModel := rapid.SampledFrom([]string{"gpt-3.5-turbo", "gpt-4", "claude-2", "llama-3"}).Draw(rt, "yaml_model")
		yamlFloor := rapid.IntRange(1, 20).Draw(rt, "yaml_floor")
		yamlIdle := rapid.IntRange(1, 120).Draw(rt, "yaml_idle_minutes")
		yamlInstance := rapid.StringMatching(`yaml-[a-z]{3,8}`).Draw(rt, "yaml_instance")
		yamlLogLevel := rapid.SampledFrom([]string{"debug", "info", "warn", "error"}).Draw(rt, "yaml_log_level")

		envPort := rapid.IntRange(1024, 65535).Filter(func(v int) bool { return v != yamlPort }).Draw(rt, "env_port")
		envDSN := rapid.StringMatching(`postgres://[a-z]{3,8}:[a-z]{3,8}@[a-z]{3,8}:5432/[a-z]{3,8}`).Filter(func(v string) bool { return v != yamlDSN }).Draw(rt, "env_dsn")
		envRedis := rapid.StringMatching(`redis://[a-z]{3,8}:6379`).Filter(func(v string) bool { return v != yamlRedis }).Draw(rt, "env_redis")
		envAPIKey := rapid.StringMatching(`env-[a-z]{4,10}`).Draw(rt, "env_api_key")
		envModel := rapid.SampledFrom([]string{"gpt-4o", "claude-3-sonnet", "mistral-7b", "gemini-pro"}).Draw(rt, "env_model")
		envFloor := rapid.IntRange(21, 40).Draw(rt, "env_floor")
		envIdle := rapid.IntRange(121, 240).Draw(rt, "env_idle_minutes")
		envInstance := rapid.StringMatching(`env-[a-z]{3,8}`).Draw(rt, "env_instance")
		envLogLevel := rapid.SampledFrom([]string{"DEBUG", "INFO", "WARN", "ERROR"}).Draw(rt, "env_log_level")

		dir := t.TempDir()
		yamlPath := filepath.Join(dir, "config.yaml")
		yamlContent := fmt.Sprintf(`server:
  port: %d
database:
  dsn: %q
redis:
  url: %q
llm:
  api_key: %q
  model: %q
pool:
  floor: %d
  idle_threshold: %dm
gateway:
  instance: %q
log:
  level: %q
`, yamlPort, yamlDSN, yamlRedis, yamlAPIKey, yamlModel, yamlFloor, yamlIdle, yamlInstance, yamlLogLevel)

		if err := os.WriteFile(yamlPath, []byte(yamlContent), 0644); err != nil {
			t.Fatalf("write yaml: %v", err)
		}

		envVars := map[string]string{
			"CHATPOOL_SERVER_PORT":         fmt.Sprintf("%d", envPort),
			"CHATPOOL_DATABASE_DSN":        envDSN,
			"CHATPOOL_REDIS_URL":           envRedis,
			"CHATPOOL_LLM_API_KEY":         envAPIKey,
			"CHATPOOL_LLM_MODEL":           envModel,
			"CHATPOOL_POOL_FLOOR":          fmt.Sprintf("%d", envFloor),
			"CHATPOOL_POOL_IDLE_THRESHOLD": fmt.Sprintf("%dm", envIdle),
			"CHATPOOL_GATEWAY_INSTANCE":    envInstance,
			"CHATPOOL_LOG_LEVEL":           envLogLevel,
		}
		for k, v := range envVars {
			os.Setenv(k, v)
		}
		defer func() {
			for k := range envVars {
				os.Unsetenv(k)
			}
		}()

		cfg, err := Load(yamlPath)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if cfg.Server.Port != envPort {
			t.Errorf("Server.Port: env should win: got %d, want %d (yaml was %d)", cfg.Server.Port, envPort, yamlPort)
		}
		if cfg.Database.DSN != envDSN {
			t.Errorf("Database.DSN: env should win: got %q, want %q", cfg.Database.DSN, envDSN)
		}
		if cfg.Redis.URL != envRedis {
			t.Errorf("Redis.URL: env should win: got %q, want %q", cfg.Redis.URL, envRedis)
		}
		if cfg.LLM.APIKey != envAPIKey {
			t.Errorf("LLM.APIKey: env should win: got %q, want %q", cfg.LLM.APIKey, envAPIKey)
		}
		if cfg.LLM.Model != envModel {
			t.Errorf("LLM.Model: env should win: got %q, want %q", cfg.LLM.Model, envModel)
		}
		if cfg.Pool.Floor != envFloor {
			t.Errorf("Pool.Floor: env should win: got %d, want %d", cfg.Pool.Floor, envFloor)
		}
		if cfg.Pool.IdleThreshold != time.Duration(envIdle)*time.Minute {
			t.Errorf("Pool.IdleThreshold: env should win: got %s, want %dm", cfg.Pool.IdleThreshold, envIdle)
		}
		if cfg.Gateway.Instance != envInstance {
			t.Errorf("Gateway.Instance: env should win: got %q, want %q", cfg.Gateway.Instance, envInstance)
		}
		if cfg.Log.Level != strings.ToLower(envLogLevel) {
			t.Errorf("Log.Level: env should win (lowercased): got %q, want %q", cfg.Log.Level, strings.ToLower(envLogLevel))
		}
	})
}
