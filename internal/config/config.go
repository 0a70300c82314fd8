// Package config provides the configuration layer for Conductor.
// Configuration is loaded from ~/.conductor/config.yaml with environment
// variable overrides, and supplies the registered domains and thresholds
// the orchestration core treats as read-only inputs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/conductor/pkg/types"
)

// Config holds all application configuration for Conductor.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Router       RouterConfig       `mapstructure:"router" yaml:"router"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval" yaml:"retrieval"`
	Models       ModelsConfig       `mapstructure:"models" yaml:"models"`
	Domains      []DomainConfig     `mapstructure:"domains" yaml:"domains"`
	Observer     ObserverConfig     `mapstructure:"observer" yaml:"observer"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// OrchestratorConfig controls the workflow state machine.
type OrchestratorConfig struct {
	// ConfidenceThreshold is the minimum classification confidence before a
	// request is escalated to a human/fallback handler (default 0.85).
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`

	// MaxRetries bounds plan regeneration after output validation failures (default 3).
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// ExternalTimeout is applied to every model/retrieval collaborator call.
	ExternalTimeout time.Duration `mapstructure:"external_timeout" yaml:"external_timeout"`

	// ReasoningModel backs the reasoning validation stage for complex plans.
	ReasoningModel types.ModelSpec `mapstructure:"reasoning_model" yaml:"reasoning_model"`
}

// RouterConfig controls intent classification.
type RouterConfig struct {
	// CacheCapacity bounds the embedding cache (default 256 entries).
	CacheCapacity int `mapstructure:"cache_capacity" yaml:"cache_capacity"`

	// SimilarityThreshold is the cosine similarity required for a cache hit (default 0.95).
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`

	// TieEpsilon is the probability margin within which two domains are
	// considered tied and the keyword tie-break applies (default 0.02).
	TieEpsilon float64 `mapstructure:"tie_epsilon" yaml:"tie_epsilon"`
}

// CacheConfig controls the model resource cache.
type CacheConfig struct {
	// Capacity is the maximum number of resident model resources (default 3).
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// RetrievalConfig controls context retrieval fusion.
type RetrievalConfig struct {
	// DBPath is the SQLite database backing the retrieval stores.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// LocalK bounds domain-scoped hits per request (default 5).
	LocalK int `mapstructure:"local_k" yaml:"local_k"`

	// GlobalK bounds cross-domain hits per request (default 3).
	GlobalK int `mapstructure:"global_k" yaml:"global_k"`
}

// ModelsConfig configures the model loading service.
type ModelsConfig struct {
	// LocalDir is the root directory for locally stored model files.
	LocalDir string `mapstructure:"local_dir" yaml:"local_dir"`

	// OllamaEndpoint is the local inference server URL.
	OllamaEndpoint string `mapstructure:"ollama_endpoint" yaml:"ollama_endpoint"`

	// APIKeys maps provider names to keys; environment variables
	// (OPENAI_API_KEY, ANTHROPIC_API_KEY) take precedence when set.
	APIKeys map[string]string `mapstructure:"api_keys" yaml:"api_keys,omitempty"`
}

// DomainConfig declares one registered domain.
type DomainConfig struct {
	ID          string   `mapstructure:"id" yaml:"id"`
	Description string   `mapstructure:"description" yaml:"description"`
	Keywords    []string `mapstructure:"keywords" yaml:"keywords,omitempty"`

	// Model backs this domain's execution.
	Model types.ModelSpec `mapstructure:"model" yaml:"model"`

	// RetrievalEnabled toggles context retrieval for this domain (default true).
	RetrievalEnabled *bool `mapstructure:"retrieval_enabled" yaml:"retrieval_enabled,omitempty"`

	// SensitiveFields force the reasoning validation stage when a plan touches them.
	SensitiveFields []string `mapstructure:"sensitive_fields" yaml:"sensitive_fields,omitempty"`
}

// ObserverConfig controls the WebSocket event observer.
type ObserverConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
	// HistoryCount is how many recent events replay to new clients.
	HistoryCount int `mapstructure:"history_count" yaml:"history_count"`
}

// MetricsConfig controls persistent request metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file.
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".conductor")

	return &Config{
		Orchestrator: OrchestratorConfig{
			ConfidenceThreshold: 0.85,
			MaxRetries:          3,
			ExternalTimeout:     2 * time.Minute,
			ReasoningModel: types.ModelSpec{
				Source: "ollama",
				Ref:    "phi3:mini",
			},
		},
		Router: RouterConfig{
			CacheCapacity:       256,
			SimilarityThreshold: 0.95,
			TieEpsilon:          0.02,
		},
		Cache: CacheConfig{
			Capacity: 3,
		},
		Retrieval: RetrievalConfig{
			DBPath:  filepath.Join(dataDir, "retrieval.db"),
			LocalK:  5,
			GlobalK: 3,
		},
		Models: ModelsConfig{
			LocalDir:       filepath.Join(dataDir, "models"),
			OllamaEndpoint: "http://127.0.0.1:11434",
		},
		Observer: ObserverConfig{
			Enabled:      true,
			Port:         8765,
			HistoryCount: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			DBPath:  filepath.Join(dataDir, "metrics.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "conductor.log"),
		},
	}
}

// Load reads configuration from the default location (~/.conductor/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".conductor", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Environment overrides, e.g. CONDUCTOR_ORCHESTRATOR_CONFIDENCE_THRESHOLD.
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Retrieval.DBPath = expandPath(cfg.Retrieval.DBPath)
	cfg.Metrics.DBPath = expandPath(cfg.Metrics.DBPath)
	cfg.Models.LocalDir = expandPath(cfg.Models.LocalDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in zero values with defaults so a sparse config file
// still yields a runnable setup.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Orchestrator.ConfidenceThreshold == 0 {
		c.Orchestrator.ConfidenceThreshold = def.Orchestrator.ConfidenceThreshold
	}
	if c.Orchestrator.MaxRetries == 0 {
		c.Orchestrator.MaxRetries = def.Orchestrator.MaxRetries
	}
	if c.Orchestrator.ExternalTimeout == 0 {
		c.Orchestrator.ExternalTimeout = def.Orchestrator.ExternalTimeout
	}
	if c.Router.CacheCapacity == 0 {
		c.Router.CacheCapacity = def.Router.CacheCapacity
	}
	if c.Router.SimilarityThreshold == 0 {
		c.Router.SimilarityThreshold = def.Router.SimilarityThreshold
	}
	if c.Router.TieEpsilon == 0 {
		c.Router.TieEpsilon = def.Router.TieEpsilon
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = def.Cache.Capacity
	}
	if c.Retrieval.LocalK == 0 {
		c.Retrieval.LocalK = def.Retrieval.LocalK
	}
	if c.Retrieval.GlobalK == 0 {
		c.Retrieval.GlobalK = def.Retrieval.GlobalK
	}
	if c.Observer.Port == 0 {
		c.Observer.Port = def.Observer.Port
	}
	if c.Observer.HistoryCount == 0 {
		c.Observer.HistoryCount = def.Observer.HistoryCount
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	return c.SaveToPath(filepath.Join(homeDir, ".conductor", "config.yaml"))
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Orchestrator.ConfidenceThreshold < 0 || c.Orchestrator.ConfidenceThreshold > 1 {
		return fmt.Errorf("orchestrator.confidence_threshold must be between 0.0 and 1.0, got %f", c.Orchestrator.ConfidenceThreshold)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries cannot be negative")
	}
	if c.Router.SimilarityThreshold < 0 || c.Router.SimilarityThreshold > 1 {
		return fmt.Errorf("router.similarity_threshold must be between 0.0 and 1.0, got %f", c.Router.SimilarityThreshold)
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1")
	}
	if c.Retrieval.LocalK < 0 || c.Retrieval.GlobalK < 0 {
		return fmt.Errorf("retrieval k values cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	seen := make(map[string]bool, len(c.Domains))
	for _, d := range c.Domains {
		if d.ID == "" {
			return fmt.Errorf("domain with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate domain id '%s'", d.ID)
		}
		seen[d.ID] = true
		if d.Model.Source == "" || d.Model.Ref == "" {
			return fmt.Errorf("domain '%s' missing model source/ref", d.ID)
		}
	}

	return nil
}

// DomainList converts configured domains into registration-time Domain
// records. Registration order is preserved for deterministic tie-breaking.
func (c *Config) DomainList() []types.Domain {
	now := time.Now().UTC()
	domains := make([]types.Domain, 0, len(c.Domains))
	for i, d := range c.Domains {
		retrieval := true
		if d.RetrievalEnabled != nil {
			retrieval = *d.RetrievalEnabled
		}
		domains = append(domains, types.Domain{
			ID:               d.ID,
			Description:      d.Description,
			Keywords:         d.Keywords,
			Model:            d.Model,
			RetrievalEnabled: retrieval,
			SensitiveFields:  d.SensitiveFields,
			// Spacing preserves config order even with equal wall clocks.
			RegisteredAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return domains
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
