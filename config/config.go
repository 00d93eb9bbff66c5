package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigDir       = ".codegraph"
	ConfigFileName  = "config.yaml"
	GraphFileName   = "graph.gob"
	CacheFileName   = "cache.gob"
	JournalFileName = "jobs.gob"
)

type Config struct {
	Version           int          `yaml:"version"`
	Project           string       `yaml:"project,omitempty"`
	Store             StoreConfig  `yaml:"store"`
	Watch             WatchConfig  `yaml:"watch"`
	Index             IndexConfig  `yaml:"index"`
	Ignore            []string     `yaml:"ignore"`
	ExternalGitignore string       `yaml:"external_gitignore,omitempty"`
	Daemon            DaemonConfig `yaml:"daemon,omitempty"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // gob | postgres
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type WatchConfig struct {
	DebounceMs    int       `yaml:"debounce_ms"`
	LastIndexTime time.Time `yaml:"last_index_time,omitempty"`
}

type IndexConfig struct {
	EnabledLanguages []string `yaml:"enabled_languages"` // File extensions to index
}

type DaemonConfig struct {
	LogFile string `yaml:"log_file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			Backend: "gob",
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		Index: IndexConfig{
			EnabledLanguages: []string{
				".go", ".js", ".jsx", ".mjs", ".ts", ".tsx", ".py",
			},
		},
		Ignore: []string{
			".git",
			".codegraph",
			"node_modules",
			"vendor",
			"bin",
			"dist",
			"build",
			"__pycache__",
			".venv",
			"venv",
			".idea",
			".vscode",
			"target",
		},
	}
}

func GetConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir)
}

func GetConfigPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), ConfigFileName)
}

func GetGraphPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), GraphFileName)
}

func GetCachePath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), CacheFileName)
}

func GetJournalPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), JournalFileName)
}

func Load(projectRoot string) (*Config, error) {
	configPath := GetConfigPath(projectRoot)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing values (backward compatibility)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in missing configuration values so older config
// files keep working.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Watch.DebounceMs == 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if len(c.Index.EnabledLanguages) == 0 {
		c.Index.EnabledLanguages = defaults.Index.EnabledLanguages
	}
	if len(c.Ignore) == 0 {
		c.Ignore = defaults.Ignore
	}
}

func (c *Config) Save(projectRoot string) error {
	configDir := GetConfigDir(projectRoot)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := GetConfigPath(projectRoot)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func Exists(projectRoot string) bool {
	configPath := GetConfigPath(projectRoot)
	_, err := os.Stat(configPath)
	return err == nil
}

// ProjectName returns the configured project name, defaulting to the
// root directory's base name.
func (c *Config) ProjectName(projectRoot string) string {
	if c.Project != "" {
		return c.Project
	}
	return filepath.Base(projectRoot)
}

func FindProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	// Resolve symlinks to handle symlinked directories
	cwd, err = filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	dir := cwd
	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no codegraph project found (run 'codegraph init' first)")
}
