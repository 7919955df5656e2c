// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// Provider identifiers used across the comparison flow and in config keys.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

// Config represents the complete application configuration
type Config struct {
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Comparison    ComparisonConfig    `mapstructure:"comparison"`
	History       HistoryConfig       `mapstructure:"history"`
	RunLog        RunLogConfig        `mapstructure:"runlog"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ProvidersConfig holds the two completion providers used in comparison mode.
// OpenAI is also the provider for single-session chat.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `mapstructure:"openai"`
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
}

// ProviderConfig describes an OpenAI-compatible chat completion endpoint
type ProviderConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ElasticsearchConfig contains search engine connection settings
type ElasticsearchConfig struct {
	URL                string        `mapstructure:"url"`
	APIKey             string        `mapstructure:"api_key"`
	Index              string        `mapstructure:"index"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// PipelineConfig tunes query generation
type PipelineConfig struct {
	Timezone        string `mapstructure:"timezone"`
	ExamplesDir     string `mapstructure:"examples_dir"`
	ExampleCap      int    `mapstructure:"example_cap"`
	SchemaDir       string `mapstructure:"schema_dir"`
	ComposeResponse bool   `mapstructure:"compose_response"`
	// QueryProvider writes the chat pipeline's queries, ResponseProvider its
	// final answers
	QueryProvider    string `mapstructure:"query_provider"`
	ResponseProvider string `mapstructure:"response_provider"`
	// MemoryIdentities and MemoryTTL bound the provider conversation memory
	MemoryIdentities int           `mapstructure:"memory_identities"`
	MemoryTTL        time.Duration `mapstructure:"memory_ttl"`
}

// ComparisonConfig contains comparison orchestrator settings
type ComparisonConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HistoryConfig selects the session history backend
type HistoryConfig struct {
	Backend  string `mapstructure:"backend"`
	DBPath   string `mapstructure:"db_path"`
	RedisURL string `mapstructure:"redis_url"`
	MaxTurns int    `mapstructure:"max_turns"`
}

// RunLogConfig controls persistence of comparison runs
type RunLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	EnableHotReload  bool
	Environment      string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables
// Environment variables take precedence over config file values
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		EnableHotReload:  false,
		Environment:      getEnvironment(),
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("LOGQUERY")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.temperature", 0.0)
	v.SetDefault("providers.openai.max_tokens", 2000)

	v.SetDefault("providers.openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("providers.openrouter.model", "x-ai/grok-4-fast:free")
	v.SetDefault("providers.openrouter.temperature", 0.7)
	v.SetDefault("providers.openrouter.max_tokens", 2000)

	v.SetDefault("elasticsearch.url", "https://localhost:9200")
	v.SetDefault("elasticsearch.index", "logs-fortinet_fortigate.log-default*")
	v.SetDefault("elasticsearch.insecure_skip_verify", false)
	v.SetDefault("elasticsearch.timeout", 30*time.Second)
	v.SetDefault("elasticsearch.max_retries", 2)

	v.SetDefault("pipeline.timezone", "Asia/Ho_Chi_Minh")
	v.SetDefault("pipeline.examples_dir", "./knowledge_base")
	v.SetDefault("pipeline.example_cap", 5)
	v.SetDefault("pipeline.compose_response", true)
	v.SetDefault("pipeline.query_provider", ProviderOpenAI)
	v.SetDefault("pipeline.response_provider", ProviderOpenAI)
	v.SetDefault("pipeline.memory_identities", 1000)
	v.SetDefault("pipeline.memory_ttl", "2h")

	v.SetDefault("comparison.timeout", 90*time.Second)

	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.db_path", "./history.db")
	v.SetDefault("history.redis_url", "redis://localhost:6379/0")
	v.SetDefault("history.max_turns", 30)

	v.SetDefault("runlog.enabled", true)
	v.SetDefault("runlog.db_path", "./runs.db")

	v.SetDefault("server.port", "8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic
func setConfigFile(v *viper.Viper, configPath string) error {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// A missing default file is tolerated; env vars alone may configure the process.
	return nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"OPENAI_API_KEY":      "providers.openai.api_key",
		"OPENAI_BASE_URL":     "providers.openai.base_url",
		"OPENAI_MODEL":        "providers.openai.model",
		"OPENROUTER_API_KEY":  "providers.openrouter.api_key",
		"OPENROUTER_BASE_URL": "providers.openrouter.base_url",
		"OPENROUTER_MODEL":    "providers.openrouter.model",
		"ELASTIC_URL":         "elasticsearch.url",
		"ELASTIC_API_KEY":     "elasticsearch.api_key",
		"ELASTIC_INDEX":       "elasticsearch.index",
		"REDIS_URL":           "history.redis_url",
		"LOG_LEVEL":           "logging.level",
		"LOG_FORMAT":          "logging.format",
		"LOG_OUTPUT":          "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var result *multierror.Error

	if config.Providers.OpenAI.APIKey == "" {
		result = multierror.Append(result, ValidationError{
			Field:   "providers.openai.api_key",
			Message: "OpenAI API key is required. Set via config file or OPENAI_API_KEY environment variable",
		})
	}

	if config.Elasticsearch.URL == "" {
		result = multierror.Append(result, ValidationError{
			Field:   "elasticsearch.url",
			Message: "Elasticsearch URL is required. Set via config file or ELASTIC_URL environment variable",
		})
	}

	if config.Elasticsearch.Index == "" {
		result = multierror.Append(result, ValidationError{
			Field:   "elasticsearch.index",
			Message: "index pattern is required",
		})
	}

	if config.Elasticsearch.MaxRetries < 0 {
		result = multierror.Append(result, ValidationError{
			Field:   "elasticsearch.max_retries",
			Message: "max_retries must be greater than or equal to 0",
		})
	}

	for name, p := range map[string]ProviderConfig{
		ProviderOpenAI:     config.Providers.OpenAI,
		ProviderOpenRouter: config.Providers.OpenRouter,
	} {
		if p.Temperature < 0 || p.Temperature > 2 {
			result = multierror.Append(result, ValidationError{
				Field:   "providers." + name + ".temperature",
				Message: "temperature must be between 0 and 2",
			})
		}
		if p.MaxTokens <= 0 {
			result = multierror.Append(result, ValidationError{
				Field:   "providers." + name + ".max_tokens",
				Message: "max_tokens must be greater than 0",
			})
		}
	}

	if config.Pipeline.ExampleCap <= 0 || config.Pipeline.ExampleCap > 10 {
		result = multierror.Append(result, ValidationError{
			Field:   "pipeline.example_cap",
			Message: "example_cap must be between 1 and 10",
		})
	}

	if _, err := time.LoadLocation(config.Pipeline.Timezone); err != nil {
		result = multierror.Append(result, ValidationError{
			Field:   "pipeline.timezone",
			Message: fmt.Sprintf("unknown timezone %q", config.Pipeline.Timezone),
		})
	}

	for field, id := range map[string]string{
		"pipeline.query_provider":    config.Pipeline.QueryProvider,
		"pipeline.response_provider": config.Pipeline.ResponseProvider,
	} {
		switch id {
		case ProviderOpenAI:
		case ProviderOpenRouter:
			if config.Providers.OpenRouter.APIKey == "" {
				result = multierror.Append(result, ValidationError{
					Field:   field,
					Message: "openrouter is selected but has no API key. Set OPENROUTER_API_KEY",
				})
			}
		default:
			result = multierror.Append(result, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("provider must be one of: %s, %s", ProviderOpenAI, ProviderOpenRouter),
			})
		}
	}

	if config.Comparison.Timeout <= 0 {
		result = multierror.Append(result, ValidationError{
			Field:   "comparison.timeout",
			Message: "timeout must be greater than 0",
		})
	}

	validBackends := []string{"memory", "sqlite", "redis"}
	if !contains(validBackends, config.History.Backend) {
		result = multierror.Append(result, ValidationError{
			Field:   "history.backend",
			Message: fmt.Sprintf("backend must be one of: %s", strings.Join(validBackends, ", ")),
		})
	}

	if config.History.Backend == "sqlite" {
		if err := validateDirectoryExists(filepath.Dir(config.History.DBPath)); err != nil {
			result = multierror.Append(result, ValidationError{
				Field:   "history.db_path",
				Message: fmt.Sprintf("history database directory does not exist: %s", filepath.Dir(config.History.DBPath)),
			})
		}
	}

	if config.RunLog.Enabled {
		if err := validateDirectoryExists(filepath.Dir(config.RunLog.DBPath)); err != nil {
			result = multierror.Append(result, ValidationError{
				Field:   "runlog.db_path",
				Message: fmt.Sprintf("run log database directory does not exist: %s", filepath.Dir(config.RunLog.DBPath)),
			})
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		result = multierror.Append(result, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		result = multierror.Append(result, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	return result.ErrorOrNil()
}

// Location resolves the configured pipeline timezone, falling back to UTC+7.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return time.FixedZone("ICT", 7*60*60)
	}
	return loc
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.Providers.OpenAI.APIKey != "" {
		masked.Providers.OpenAI.APIKey = maskValue(masked.Providers.OpenAI.APIKey)
	}
	if masked.Providers.OpenRouter.APIKey != "" {
		masked.Providers.OpenRouter.APIKey = maskValue(masked.Providers.OpenRouter.APIKey)
	}
	if masked.Elasticsearch.APIKey != "" {
		masked.Elasticsearch.APIKey = maskValue(masked.Elasticsearch.APIKey)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateDirectoryExists checks if a directory exists
func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "development"
}

// WatchConfig reloads the configuration whenever the file changes and hands the
// new value to callback. Reload failures are passed to onError and the previous
// configuration stays in effect.
func WatchConfig(configPath string, callback func(*Config), onError func(error)) error {
	v := viper.New()

	if err := setConfigFile(v, configPath); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config for watching: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       v.ConfigFileUsed(),
			EnableHotReload:  true,
			Environment:      getEnvironment(),
			ValidateRequired: true,
		})
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to reload config %s: %w", e.Name, err))
			}
			return
		}
		callback(config)
	})
	v.WatchConfig()

	return nil
}
