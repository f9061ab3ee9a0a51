package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CURIE_SERVER_PORT.
const EnvPrefix = "CURIE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".curie", "curie.yaml")
}

// Load reads the config file, when present, over the defaults and applies
// CURIE_* environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	baseDir := ""
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			baseDir = filepath.Dir(configPath)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.BaseDir = baseDir

	if err := cfg.applyPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPaths fills file locations left empty from DataDir.
func (c *Config) applyPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".curie")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "conversations.db")
	}
	if c.VectorIndex.Path == "" {
		c.VectorIndex.Path = filepath.Join(c.DataDir, "index.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "curie.log")
	}
	return nil
}

// setDefaults registers every field of cfg so environment overrides apply
// to keys absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) error {
	tree, err := toMap(cfg)
	if err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for key, value := range m {
			if nested, ok := value.(map[string]any); ok {
				walk(prefix+key+".", nested)
				continue
			}
			v.SetDefault(prefix+key, value)
		}
	}
	walk("", tree)
	return nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return tree, nil
}

// Save writes cfg to the config path, in JSON or YAML by extension.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tree, err := toMap(cfg)
	if err != nil {
		return err
	}

	v := viper.New()
	if err := v.MergeConfigMap(tree); err != nil {
		return fmt.Errorf("failed to stage config: %w", err)
	}
	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
