// Package config provides configuration for the research stream service.
// Values come from defaults, an optional research.yaml, and environment
// variables (SKILLS_URL, LLM_API_KEY, HTTP_PORT, ...).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaot623/gogo/research/internal/logger"
)

// Config holds the service configuration.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	Skills   SkillsConfig         `mapstructure:"skills"`
	LLM      LLMConfig            `mapstructure:"llm"`
	Fallback FallbackConfig       `mapstructure:"fallback"`
	Clarify  ClarifyConfig        `mapstructure:"clarify"`
	Search   SearchConfig         `mapstructure:"search"`
	Catalog  CatalogConfig        `mapstructure:"catalog"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	WSPingPeriod  time.Duration `mapstructure:"ws_ping_period"`
	WSWriteWait   time.Duration `mapstructure:"ws_write_wait"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// DatabaseConfig holds the history store DSN.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// SkillsConfig configures the upstream skill execution service.
type SkillsConfig struct {
	URL string `mapstructure:"url"`
	// Timeout bounds a whole primary attempt, reads included. Skill runs
	// routinely take 7-8 minutes.
	Timeout time.Duration `mapstructure:"timeout"`
	// FilesBaseURL is advertised to clients in skill_files annotations.
	FilesBaseURL string `mapstructure:"files_base_url"`
}

// LLMConfig configures the OpenAI-compatible model endpoint used by the
// clarification and fallback loops.
type LLMConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	Mock    bool          `mapstructure:"mock"`
}

// FallbackConfig bounds the tool-augmented fallback loop.
type FallbackConfig struct {
	MaxSteps  int `mapstructure:"max_steps"`
	MaxTokens int `mapstructure:"max_tokens"`
	// MaxToolCalls caps tool calls per run through the tool policy; zero
	// disables the cap.
	MaxToolCalls int           `mapstructure:"max_tool_calls"`
	ToolTimeout  time.Duration `mapstructure:"tool_timeout"`
}

// ClarifyConfig bounds the field collection sub-loop.
type ClarifyConfig struct {
	MaxTurns  int `mapstructure:"max_turns"`
	MaxTokens int `mapstructure:"max_tokens"`
}

// SearchConfig configures the web search tool.
type SearchConfig struct {
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
}

// CatalogConfig optionally overrides the embedded skill catalog.
type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Skill string `mapstructure:"skill"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ws_ping_period", 30*time.Second)
	v.SetDefault("server.ws_write_wait", 10*time.Second)
	v.SetDefault("server.shutdown_grace", 10*time.Second)

	v.SetDefault("database.url", "file:research.db?cache=shared&mode=rwc")

	v.SetDefault("skills.url", "http://localhost:8000")
	v.SetDefault("skills.timeout", 10*time.Minute)
	v.SetDefault("skills.files_base_url", "/api/skills-files")

	v.SetDefault("llm.url", "http://localhost:4000")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 5*time.Minute)
	v.SetDefault("llm.mock", false)

	v.SetDefault("fallback.max_steps", 10)
	v.SetDefault("fallback.max_tokens", 16000)
	v.SetDefault("fallback.max_tool_calls", 20)
	v.SetDefault("fallback.tool_timeout", 30*time.Second)

	v.SetDefault("clarify.max_turns", 2)
	v.SetDefault("clarify.max_tokens", 4000)

	v.SetDefault("search.url", "https://api.tavily.com/search")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.max_results", 5)

	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.skill", "homestay")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from defaults, research.yaml in the working
// directory (if present), and the environment.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an explicit config file path.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Legacy names that don't follow the section_key scheme.
	_ = v.BindEnv("server.port", "SERVER_PORT", "HTTP_PORT")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("llm.mock", "LLM_MOCK")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("research")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Skills.URL == "" {
		errs = append(errs, "skills.url is required")
	}
	if c.Skills.Timeout <= 0 {
		errs = append(errs, "skills.timeout must be positive")
	}
	if c.Fallback.MaxSteps <= 0 {
		errs = append(errs, "fallback.max_steps must be positive")
	}
	if c.Fallback.MaxToolCalls < 0 {
		errs = append(errs, "fallback.max_tool_calls must not be negative")
	}
	if c.Clarify.MaxTurns <= 0 {
		errs = append(errs, "clarify.max_turns must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
