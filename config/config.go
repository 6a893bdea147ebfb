// Package config loads the layered YAML configuration: built-in defaults,
// then the user config file, then environment variable overrides for
// credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ClaudeConfig represents configuration for the Anthropic Claude provider.
type ClaudeConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // Anthropic API key (env: ANTHROPIC_API_KEY)
	Model  string `yaml:"model,omitempty"`   // Default model name
}

// OpenAIConfig represents configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`      // OpenAI API key (env: OPENAI_API_KEY)
	BaseURL      string `yaml:"base_url,omitempty"`     // Custom base URL (default: official API)
	Model        string `yaml:"model,omitempty"`        // Default model name
	Organization string `yaml:"organization,omitempty"` // Organization ID
}

// GeminiConfig represents configuration for the Google Gemini provider.
type GeminiConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // Gemini API key (env: GEMINI_API_KEY)
	Model  string `yaml:"model,omitempty"`   // Default model name
}

// OllamaConfig represents configuration for the local Ollama provider.
type OllamaConfig struct {
	Host    string `yaml:"host,omitempty"`    // Ollama host (env: OLLAMA_HOST, default: "http://localhost:11434")
	Model   string `yaml:"model,omitempty"`   // Default model name
	Timeout int    `yaml:"timeout,omitempty"` // Request timeout in seconds
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
	MaxEntries int `yaml:"max_entries,omitempty"`
}

// QuotaConfig sets the usage tracker ceilings. Zero means unlimited.
type QuotaConfig struct {
	MaxCostPerHour      float64 `yaml:"max_cost_per_hour,omitempty"`
	MaxCostPerDay       float64 `yaml:"max_cost_per_day,omitempty"`
	MaxTokensPerRequest int     `yaml:"max_tokens_per_request,omitempty"`
	MaxTotalCost        float64 `yaml:"max_total_cost,omitempty"`
}

// ContextConfig bounds conversational context.
type ContextConfig struct {
	MaxMessages         int    `yaml:"max_messages,omitempty"`
	SummarizeThreshold  int    `yaml:"summarize_threshold,omitempty"`
	KeepTail            int    `yaml:"keep_tail,omitempty"`
	SessionMaxTokens    int    `yaml:"session_max_tokens,omitempty"`
	DistillTrigger      int    `yaml:"distill_trigger_tokens,omitempty"`
	DistillTargetTokens int    `yaml:"distill_target_tokens,omitempty"`
	DistillBackend      string `yaml:"distill_backend,omitempty"`
}

// ToolsConfig controls the tool engine.
type ToolsConfig struct {
	Mode           string   `yaml:"mode,omitempty"`         // deny, trust, auto, manual
	AutoApprove    []string `yaml:"auto_approve,omitempty"` // patterns of form tool_name:path_glob
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Workspace      string   `yaml:"workspace,omitempty"`
	AuditLog       string   `yaml:"audit_log,omitempty"` // empty disables auditing
}

// RouterConfig controls role-based routing.
type RouterConfig struct {
	MaxCharsLocal int `yaml:"max_chars_local,omitempty"` // payload ceiling for the local model
}

// StreamConfig controls streaming retry behavior.
type StreamConfig struct {
	MaxRetries     int     `yaml:"max_retries,omitempty"`
	BackoffSeconds float64 `yaml:"backoff_seconds,omitempty"`
}

// StorageConfig locates the SQLite database for persistent memory and
// conversation logs.
type StorageConfig struct {
	Path string `yaml:"path,omitempty"`
}

// MemoryConfig selects the embedder behind persistent memory.
type MemoryConfig struct {
	Embedder   string `yaml:"embedder,omitempty"`    // hash or ollama
	EmbedModel string `yaml:"embed_model,omitempty"` // ollama embedding model
}

// LoggingConfig controls the zerolog sink.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// MCPServerConfig describes one external MCP tool server (stdio transport).
type MCPServerConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// Config is the full configuration surface.
type Config struct {
	Claude ClaudeConfig `yaml:"claude,omitempty"`
	OpenAI OpenAIConfig `yaml:"openai,omitempty"`
	Gemini GeminiConfig `yaml:"gemini,omitempty"`
	Ollama OllamaConfig `yaml:"ollama,omitempty"`

	FallbackChain []string `yaml:"fallback_chain,omitempty"`

	Cache   CacheConfig   `yaml:"cache,omitempty"`
	Quotas  QuotaConfig   `yaml:"quotas,omitempty"`
	Context ContextConfig `yaml:"context,omitempty"`
	Tools   ToolsConfig   `yaml:"tools,omitempty"`
	Router  RouterConfig  `yaml:"router,omitempty"`
	Stream  StreamConfig  `yaml:"stream,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`
	Memory  MemoryConfig  `yaml:"memory,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`

	MCPServers map[string]*MCPServerConfig `yaml:"mcp_servers,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Claude: ClaudeConfig{Model: "claude-sonnet-4-20250514"},
		OpenAI: OpenAIConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
		Gemini: GeminiConfig{Model: "gemini-2.0-flash"},
		Ollama: OllamaConfig{Host: "http://localhost:11434", Model: "qwen2.5-coder:7b", Timeout: 60},

		FallbackChain: []string{"claude", "openai", "gemini", "ollama"},

		Cache: CacheConfig{TTLSeconds: 3600, MaxEntries: 1000},
		Quotas: QuotaConfig{
			MaxCostPerHour:      10.0,
			MaxCostPerDay:       100.0,
			MaxTokensPerRequest: 100000,
		},
		Context: ContextConfig{
			MaxMessages:         50,
			SummarizeThreshold:  40,
			KeepTail:            10,
			SessionMaxTokens:    16000,
			DistillTrigger:      50000,
			DistillTargetTokens: 8000,
			DistillBackend:      "claude",
		},
		Tools: ToolsConfig{
			Mode:           "auto",
			AutoApprove:    []string{"read_file:src/**", "list_directory:**"},
			TimeoutSeconds: 300,
			Workspace:      ".",
		},
		Router:  RouterConfig{MaxCharsLocal: 20000},
		Stream:  StreamConfig{MaxRetries: 2, BackoffSeconds: 1.0},
		Storage: StorageConfig{Path: "~/.relay/relay.db"},
		Memory:  MemoryConfig{Embedder: "hash", EmbedModel: "mxbai-embed-large"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultPath returns the default config file path. Can be overridden via
// the RELAY_CONFIG_PATH environment variable.
func DefaultPath() string {
	if envPath := os.Getenv("RELAY_CONFIG_PATH"); envPath != "" {
		return ExpandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.relay/config.yaml"
	}
	return filepath.Join(homeDir, ".relay", "config.yaml")
}

// Load reads the config file at path (if it exists), merges it onto the
// defaults, and applies environment overrides for credentials.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := ExpandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec G304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.Tools.Workspace = ExpandPath(cfg.Tools.Workspace)
	if cfg.Tools.AuditLog != "" {
		cfg.Tools.AuditLog = ExpandPath(cfg.Tools.AuditLog)
	}

	return &cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func Save(cfg *Config, path string) error {
	expandedPath := ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(expandedPath), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvOverrides fills in credentials from the environment when the
// config file did not set them.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Claude.APIKey == "" {
		cfg.Claude.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.Ollama.Host = host
	}
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
