// Package config handles configuration loading for donna. It supports XDG
// config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/donnahq/donna/internal/mcp"
)

// Config holds all configuration for donna.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Scopes       ScopesConfig       `mapstructure:"scopes"`
}

// AnthropicConfig holds model and API settings.
type AnthropicConfig struct {
	// Model is the Claude model to use.
	Model string `mapstructure:"model"`
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"api_key"`
	// UseAWSBedrock switches to AWS Bedrock instead of the direct API.
	UseAWSBedrock bool `mapstructure:"use_aws_bedrock"`
	// AWSRegion is the AWS region for Bedrock.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS profile name.
	AWSProfile string `mapstructure:"aws_profile"`
}

// StoreConfig selects and locates the state backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `mapstructure:"backend"`
	// Path is the SQLite database file. Empty means the XDG data default.
	Path string `mapstructure:"path"`
}

// OrchestratorConfig holds the run loop's ceilings and pacing.
type OrchestratorConfig struct {
	// MaxNodeRetries is the per-node retry ceiling.
	MaxNodeRetries int `mapstructure:"max_node_retries"`
	// MaxInterventions is the per-run intervention ceiling.
	MaxInterventions int `mapstructure:"max_interventions"`
	// MaxAgentIterations bounds a single sub-agent's reasoning loop.
	MaxAgentIterations int `mapstructure:"max_agent_iterations"`
	// PollInterval is how often the run loop checks for work.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MCPConfig holds tool provider settings.
type MCPConfig struct {
	// Providers configures MCP servers inline.
	Providers []mcp.ProviderConfig `mapstructure:"providers"`
	// ProvidersFile is an optional standalone YAML file of providers, watched
	// for changes at runtime. Entries here extend the inline list.
	ProvidersFile string `mapstructure:"providers_file"`
}

// ScopesConfig locates archetype tool-scope overrides.
type ScopesConfig struct {
	// File is an optional YAML file overriding the built-in archetype scopes.
	File string `mapstructure:"file"`
}

// Load loads configuration with the following precedence (highest first):
// environment variables (DONNA_*, ANTHROPIC_API_KEY), project config
// (.donna.yaml in the current directory or a parent), user config
// (~/.config/donna/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DONNA")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.model", "DONNA_MODEL")
	v.BindEnv("store.backend", "DONNA_STORE_BACKEND")
	v.BindEnv("store.path", "DONNA_STORE_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// providersFile is the on-disk shape of a standalone providers YAML.
type providersFile struct {
	Providers []mcp.ProviderConfig `yaml:"providers"`
}

// LoadProviders reads MCP provider configurations from a standalone YAML
// file. The provider watcher re-reads this file on change.
func LoadProviders(path string) ([]mcp.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	for i, p := range f.Providers {
		if p.ID == "" || p.Name == "" || p.Command == "" {
			return nil, fmt.Errorf("providers file %s: entry %d missing id, name, or command", path, i)
		}
	}
	return f.Providers, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_aws_bedrock", false)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "")

	v.SetDefault("orchestrator.max_node_retries", 3)
	v.SetDefault("orchestrator.max_interventions", 10)
	v.SetDefault("orchestrator.max_agent_iterations", 20)
	v.SetDefault("orchestrator.poll_interval", "2s")
}

// getUserConfigDir returns the XDG config directory for donna.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "donna")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "donna")
	}
	return filepath.Join(home, ".config", "donna")
}

// findProjectConfig searches for .donna.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".donna.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}
