package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the complete Curie configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server" mapstructure:"server"`
	Store       StoreConfig       `json:"store" yaml:"store" mapstructure:"store"`
	Session     SessionConfig     `json:"session" yaml:"session" mapstructure:"session"`
	Providers   []ProviderConfig  `json:"providers" yaml:"providers" mapstructure:"providers"`
	Agents      []AgentConfig     `json:"agents" yaml:"agents" mapstructure:"agents"`
	Tools       ToolsConfig       `json:"tools" yaml:"tools" mapstructure:"tools"`
	VectorIndex VectorIndexConfig `json:"vector_index" yaml:"vector_index" mapstructure:"vector_index"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" mapstructure:"logging"`
	Tracing     TracingConfig     `json:"tracing" yaml:"tracing" mapstructure:"tracing"`

	// DataDir holds the sqlite databases and log files.
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// BaseDir is the directory of the loaded file; relative instruction
	// files resolve against it.
	BaseDir string `json:"-" yaml:"-" mapstructure:"-"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host               string        `json:"host" yaml:"host" mapstructure:"host"`
	Port               int           `json:"port" yaml:"port" mapstructure:"port"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	TurnTimeout        time.Duration `json:"turn_timeout" yaml:"turn_timeout" mapstructure:"turn_timeout"`
	DefaultRole        string        `json:"default_role" yaml:"default_role" mapstructure:"default_role"`
	RouterRole         string        `json:"router_role" yaml:"router_role" mapstructure:"router_role"`
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	Driver        string        `json:"driver" yaml:"driver" mapstructure:"driver"` // memory, sqlite, redis
	TTL           time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	Path          string        `json:"path" yaml:"path" mapstructure:"path"`
	PurgeSchedule string        `json:"purge_schedule" yaml:"purge_schedule" mapstructure:"purge_schedule"`
	Addr          string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password      string        `json:"password" yaml:"password" mapstructure:"password"`
	DB            int           `json:"db" yaml:"db" mapstructure:"db"`
	URL           string        `json:"url" yaml:"url" mapstructure:"url"`
}

// SessionConfig bounds the in-memory agent registry.
type SessionConfig struct {
	// MaxAgents of zero keeps every agent until its session is cleared.
	MaxAgents int `json:"max_agents" yaml:"max_agents" mapstructure:"max_agents"`
}

// ProviderConfig describes one inference backend.
type ProviderConfig struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Type string `json:"type" yaml:"type" mapstructure:"type"` // openai, anthropic
	// APIKey wins over APIKeyEnv.
	APIKey    string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	APIKeyEnv string        `json:"api_key_env" yaml:"api_key_env" mapstructure:"api_key_env"`
	BaseURL   string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// ResolvedAPIKey returns the configured key, falling back to APIKeyEnv.
func (p ProviderConfig) ResolvedAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// AgentConfig is one entry of the role catalog.
type AgentConfig struct {
	Role         string  `json:"role" yaml:"role" mapstructure:"role"`
	Provider     string  `json:"provider" yaml:"provider" mapstructure:"provider"`
	Model        string  `json:"model" yaml:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxToolCalls int     `json:"max_tool_calls" yaml:"max_tool_calls" mapstructure:"max_tool_calls"`
	// Instructions is the system message. InstructionsFile, when set,
	// replaces it with the file content.
	Instructions     string   `json:"instructions" yaml:"instructions" mapstructure:"instructions"`
	InstructionsFile string   `json:"instructions_file" yaml:"instructions_file" mapstructure:"instructions_file"`
	Tools            []string `json:"tools" yaml:"tools" mapstructure:"tools"`
	ResponseFormat   string   `json:"response_format" yaml:"response_format" mapstructure:"response_format"` // "" or json
	ParallelTools    bool     `json:"parallel_tools" yaml:"parallel_tools" mapstructure:"parallel_tools"`
}

// ToolsConfig configures the built-in developer tools.
type ToolsConfig struct {
	WorkspaceRoot string        `json:"workspace_root" yaml:"workspace_root" mapstructure:"workspace_root"`
	MaxFileBytes  int           `json:"max_file_bytes" yaml:"max_file_bytes" mapstructure:"max_file_bytes"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	TopK          int           `json:"top_k" yaml:"top_k" mapstructure:"top_k"`

	// Planner backs get_files_with_description.
	PlannerProvider string `json:"planner_provider" yaml:"planner_provider" mapstructure:"planner_provider"`
	PlannerModel    string `json:"planner_model" yaml:"planner_model" mapstructure:"planner_model"`
	// Summaries back get_file_summary and the index.
	SummaryProvider string        `json:"summary_provider" yaml:"summary_provider" mapstructure:"summary_provider"`
	SummaryModel    string        `json:"summary_model" yaml:"summary_model" mapstructure:"summary_model"`
	SummaryTTL      time.Duration `json:"summary_ttl" yaml:"summary_ttl" mapstructure:"summary_ttl"`
}

// VectorIndexConfig configures the file-summary index.
type VectorIndexConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path      string `json:"path" yaml:"path" mapstructure:"path"`
	Dimension int    `json:"dimension" yaml:"dimension" mapstructure:"dimension"`
	// EmbeddingProvider names an openai-type provider.
	EmbeddingProvider string   `json:"embedding_provider" yaml:"embedding_provider" mapstructure:"embedding_provider"`
	EmbeddingModel    string   `json:"embedding_model" yaml:"embedding_model" mapstructure:"embedding_model"`
	Watch             bool     `json:"watch" yaml:"watch" mapstructure:"watch"`
	ResyncSchedule    string   `json:"resync_schedule" yaml:"resync_schedule" mapstructure:"resync_schedule"`
	Extensions        []string `json:"extensions" yaml:"extensions" mapstructure:"extensions"`
	IgnoreDirs        []string `json:"ignore_dirs" yaml:"ignore_dirs" mapstructure:"ignore_dirs"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	Console   bool   `json:"console" yaml:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	Compress  bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

const (
	managerInstructions = `You are a highly skilled software engineer who builds projects in the Next.js stack.
Ask a question whenever something about the project is unclear.
Your main task is to understand the problem statement and call get_files_with_description
to get the list of files, with their descriptions, that the project needs.`

	coderInstructions = `You are a senior Next.js and TypeScript specialist.
Write the complete content of the requested file using the App Router, TypeScript,
Tailwind CSS and accessible, responsive markup. Answer with code only.`

	editorInstructions = `You maintain an existing Next.js project.
Use get_relevant_files_for_feature and read_file_content to find the code involved
in the request, then describe precisely which files to change and how.`

	routerInstructions = `You classify the user request into one of these categories:
1. building a new application from scratch
2. editing or fixing an existing application
3. writing code for a named file with a given description
Answer with JSON only: {"category": "manager_agent"} for 1,
{"category": "editor_agent"} for 2 and {"category": "coder_agent"} for 3.`
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			RateLimitPerMinute: 100,
			TurnTimeout:        5 * time.Minute,
			DefaultRole:        "manager",
			RouterRole:         "router",
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			TTL:           24 * time.Hour,
			PurgeSchedule: "@every 10m",
		},
		Providers: []ProviderConfig{
			{Name: "openai", Type: "openai", APIKeyEnv: "OPENAI_API_KEY", Timeout: 2 * time.Minute},
			{Name: "anthropic", Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", Timeout: 2 * time.Minute},
		},
		Agents: []AgentConfig{
			{
				Role:         "manager",
				Provider:     "openai",
				Model:        "gpt-4o",
				MaxToolCalls: 1,
				Instructions: managerInstructions,
				Tools:        []string{"get_files_with_description"},
			},
			{
				Role:         "coder",
				Provider:     "anthropic",
				Model:        "claude-3-5-sonnet-latest",
				MaxTokens:    8192,
				Instructions: coderInstructions,
			},
			{
				Role:         "editor",
				Provider:     "openai",
				Model:        "gpt-4o",
				MaxToolCalls: 3,
				Instructions: editorInstructions,
				Tools:        []string{"get_relevant_files_for_feature", "read_file_content"},
			},
			{
				Role:           "router",
				Provider:       "openai",
				Model:          "gpt-4o-mini",
				Instructions:   routerInstructions,
				ResponseFormat: "json",
			},
		},
		Tools: ToolsConfig{
			MaxFileBytes:    200000,
			Timeout:         30 * time.Second,
			TopK:            5,
			PlannerProvider: "openai",
			PlannerModel:    "gpt-4o",
			SummaryProvider: "openai",
			SummaryModel:    "gpt-4o-mini",
			SummaryTTL:      30 * 24 * time.Hour,
		},
		VectorIndex: VectorIndexConfig{
			Enabled:           false,
			Dimension:         1536,
			EmbeddingProvider: "openai",
			EmbeddingModel:    "text-embedding-3-small",
			ResyncSchedule:    "@every 6h",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "curie",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Agent returns the catalog entry of role.
func (c *Config) Agent(role string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Role == role {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Provider returns the backend named name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Roles lists the catalog roles in declaration order.
func (c *Config) Roles() []string {
	roles := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		roles = append(roles, a.Role)
	}
	return roles
}

// LoadInstructions returns the system message of a, reading
// InstructionsFile relative to baseDir when set.
func (a AgentConfig) LoadInstructions(baseDir string) (string, error) {
	if a.InstructionsFile == "" {
		return a.Instructions, nil
	}
	path := a.InstructionsFile
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("agent %s: failed to read instructions: %w", a.Role, err)
	}
	return string(data), nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if providers[p.Name] {
			return fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		providers[p.Name] = true
	}

	roles := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Role == "" {
			return fmt.Errorf("agent %d: role is required", i)
		}
		if roles[a.Role] {
			return fmt.Errorf("agent %s: duplicate role", a.Role)
		}
		roles[a.Role] = true
		if !providers[a.Provider] {
			return fmt.Errorf("agent %s: unknown provider %q", a.Role, a.Provider)
		}
		if a.Model == "" {
			return fmt.Errorf("agent %s: model is required", a.Role)
		}
	}

	if !roles[c.Server.DefaultRole] {
		return fmt.Errorf("server default role %q is not in the agent catalog", c.Server.DefaultRole)
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store ttl must be positive")
	}

	return nil
}
