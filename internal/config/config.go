/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads service configuration from an optional YAML file with
// environment variable overrides. Per-role model parameters follow the
// STRATEGY_<ROLE> convention: STRATEGY_BRIEFER selects the briefer model,
// STRATEGY_BRIEFER_MAX_TOKENS / _TEMPERATURE / _TOP_P / _TOP_K /
// _REASONING_EFFORT / _SEARCH tune it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Roles the dispatcher resolves. venue_generator is consumed downstream of
// the core pipeline but configured alongside it.
const (
	RoleStrategist     = "strategist"
	RoleBriefer        = "briefer"
	RoleConsolidator   = "consolidator"
	RoleVenueGenerator = "venue_generator"
	RoleHoliday        = "holiday"
)

// KnownRoles lists every configurable role.
var KnownRoles = []string{RoleStrategist, RoleBriefer, RoleConsolidator, RoleVenueGenerator, RoleHoliday}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Blocks   BlocksConfig   `yaml:"blocks"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port               string   `yaml:"port"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	ReadTimeout        Duration `yaml:"read_timeout"`
}

// DatabaseConfig carries the pooled URL for regular queries and the
// session-pinned URL the notification listener requires. When ListenerURL is
// empty the pooled URL is reused after pooler sanitation.
type DatabaseConfig struct {
	URL         string `yaml:"url"`
	ListenerURL string `yaml:"listener_url"`
}

// RoleConfig holds per-role model parameters. Pointer fields distinguish
// "unset" from zero so the dispatcher can omit parameters a model rejects.
type RoleConfig struct {
	Model           string   `yaml:"model"`
	MaxTokens       int      `yaml:"max_tokens"`
	Temperature     *float64 `yaml:"temperature"`
	TopP            *float64 `yaml:"top_p"`
	TopK            *int     `yaml:"top_k"`
	ReasoningEffort string   `yaml:"reasoning_effort"`
	SearchEnabled   bool     `yaml:"search_enabled"`
}

// LLMConfig configures provider credentials and role resolution.
type LLMConfig struct {
	OpenAIAPIKey     string `yaml:"-"`
	AnthropicAPIKey  string `yaml:"-"`
	GeminiAPIKey     string `yaml:"-"`
	PerplexityAPIKey string `yaml:"-"`

	CallTimeout Duration              `yaml:"call_timeout"`
	RetryBudget Duration              `yaml:"retry_budget"`
	Roles       map[string]RoleConfig `yaml:"roles"`
}

// BlocksConfig bounds the heavy generation worker pool.
type BlocksConfig struct {
	Concurrency int `yaml:"concurrency"`
	TimeoutMS   int `yaml:"timeout_ms"`
}

// CacheConfig configures the request idempotency cache. RedisURL switches the
// backend from in-process memory to redis.
type CacheConfig struct {
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
	RedisURL       string   `yaml:"redis_url"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			ReadTimeout: Duration(15 * time.Second),
		},
		LLM: LLMConfig{
			CallTimeout: Duration(90 * time.Second),
			RetryBudget: Duration(45 * time.Second),
			Roles: map[string]RoleConfig{
				RoleStrategist: {
					Model:       "claude-sonnet-4-5",
					MaxTokens:   1024,
					Temperature: floatPtr(0.7),
				},
				RoleBriefer: {
					Model:         "sonar-pro",
					MaxTokens:     2048,
					Temperature:   floatPtr(0.2),
					SearchEnabled: true,
				},
				RoleConsolidator: {
					Model:         "gpt-5",
					MaxTokens:     1024,
					SearchEnabled: true,
				},
				RoleVenueGenerator: {
					Model:     "gpt-5-mini",
					MaxTokens: 4096,
				},
				RoleHoliday: {
					Model:     "gemini-2.5-flash",
					MaxTokens: 64,
				},
			},
		},
		Blocks: BlocksConfig{
			Concurrency: 4,
			TimeoutMS:   30000,
		},
		Cache: CacheConfig{
			IdempotencyTTL: Duration(60 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the optional YAML file at path, applies environment overrides,
// and validates the result. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides in place. Unset
// variables leave existing values untouched; unparsable numeric values are
// ignored.
func (c *Config) LoadFromEnv() {
	setString(&c.Server.Port, "PORT")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.ListenerURL, "DATABASE_LISTENER_URL")

	setString(&c.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&c.LLM.PerplexityAPIKey, "PERPLEXITY_API_KEY")

	for _, role := range KnownRoles {
		rc := c.LLM.Roles[role]
		prefix := "STRATEGY_" + strings.ToUpper(role)

		setString(&rc.Model, prefix)
		setInt(&rc.MaxTokens, prefix+"_MAX_TOKENS")
		if v, ok := envFloat(prefix + "_TEMPERATURE"); ok {
			rc.Temperature = &v
		}
		if v, ok := envFloat(prefix + "_TOP_P"); ok {
			rc.TopP = &v
		}
		if v, ok := envInt(prefix + "_TOP_K"); ok {
			rc.TopK = &v
		}
		setString(&rc.ReasoningEffort, prefix+"_REASONING_EFFORT")
		if v := os.Getenv(prefix + "_SEARCH"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				rc.SearchEnabled = b
			}
		}
		c.LLM.Roles[role] = rc
	}

	setInt(&c.Blocks.Concurrency, "BLOCKS_CONCURRENCY")
	setInt(&c.Blocks.TimeoutMS, "BLOCKS_TIMEOUT_MS")

	setString(&c.Cache.RedisURL, "REDIS_URL")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
}

// Validate checks the configuration is complete enough to start.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	for _, role := range KnownRoles {
		rc, ok := c.LLM.Roles[role]
		if !ok || rc.Model == "" {
			return fmt.Errorf("no model configured for role %s", role)
		}
		if rc.MaxTokens <= 0 {
			return fmt.Errorf("max_tokens for role %s must be greater than 0", role)
		}
	}
	if c.Blocks.Concurrency <= 0 {
		return fmt.Errorf("blocks concurrency must be greater than 0")
	}
	if c.Blocks.TimeoutMS <= 0 {
		return fmt.Errorf("blocks timeout must be greater than 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := envInt(key); ok {
		*dst = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func floatPtr(f float64) *float64 { return &f }
