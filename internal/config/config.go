// Package config holds deskmind configuration and workspace discovery.
// Configuration lives in .deskmind/config.yaml under the workspace root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all deskmind configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Memory store configuration
	Memory MemoryConfig `yaml:"memory"`

	// Learning engine configuration
	Learning LearningConfig `yaml:"learning"`

	// Capability scaffold configuration
	Scaffold ScaffoldConfig `yaml:"scaffold"`

	// Call ledger configuration
	Ledger LedgerConfig `yaml:"ledger"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// MemoryConfig configures the memory store.
type MemoryConfig struct {
	// Maximum number of records before importance-based eviction (default: 1000)
	Capacity int `yaml:"capacity"`

	// Snapshot file, relative to the workspace data dir
	SnapshotFile string `yaml:"snapshot_file"`
}

// LearningConfig configures the learning engine.
type LearningConfig struct {
	// Maximum number of improvements before confidence-based pruning (default: 100)
	Capacity int `yaml:"capacity"`

	SnapshotFile string `yaml:"snapshot_file"`
}

// ScaffoldConfig configures the capability scaffold.
type ScaffoldConfig struct {
	// Maximum number of capabilities before usage-based pruning (default: 100)
	Capacity int `yaml:"capacity"`

	SnapshotFile string `yaml:"snapshot_file"`

	// Per-call execution timeout for interpreted capabilities (default: 5s)
	ExecutionTimeout string `yaml:"execution_timeout"`
}

// LedgerConfig configures the SQLite call ledger.
type LedgerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabaseFile string `yaml:"database_file"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "deskmind",
		Version: "0.1.0",
		Memory: MemoryConfig{
			Capacity:     1000,
			SnapshotFile: "memory.json",
		},
		Learning: LearningConfig{
			Capacity:     100,
			SnapshotFile: "learning.json",
		},
		Scaffold: ScaffoldConfig{
			Capacity:         100,
			SnapshotFile:     "scaffold.json",
			ExecutionTimeout: "5s",
		},
		Ledger: LedgerConfig{
			Enabled:      true,
			DatabaseFile: "calls.db",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from the given path, falling back to defaults
// if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Memory.Capacity <= 0 {
		return fmt.Errorf("memory.capacity must be positive, got %d", c.Memory.Capacity)
	}
	if c.Learning.Capacity <= 0 {
		return fmt.Errorf("learning.capacity must be positive, got %d", c.Learning.Capacity)
	}
	if c.Scaffold.Capacity <= 0 {
		return fmt.Errorf("scaffold.capacity must be positive, got %d", c.Scaffold.Capacity)
	}
	if _, err := time.ParseDuration(c.Scaffold.ExecutionTimeout); err != nil {
		return fmt.Errorf("scaffold.execution_timeout invalid: %w", err)
	}
	return nil
}

// GetExecutionTimeout parses the capability execution timeout.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Scaffold.ExecutionTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// DataDir returns the workspace data directory (.deskmind).
func DataDir(workspace string) string {
	return filepath.Join(workspace, ".deskmind")
}

// ConfigPath returns the path of the config file under the workspace.
func ConfigPath(workspace string) string {
	return filepath.Join(DataDir(workspace), "config.yaml")
}

// MemorySnapshotPath resolves the memory snapshot path for a workspace.
func (c *Config) MemorySnapshotPath(workspace string) string {
	return filepath.Join(DataDir(workspace), c.Memory.SnapshotFile)
}

// LearningSnapshotPath resolves the learning snapshot path for a workspace.
func (c *Config) LearningSnapshotPath(workspace string) string {
	return filepath.Join(DataDir(workspace), c.Learning.SnapshotFile)
}

// ScaffoldSnapshotPath resolves the scaffold snapshot path for a workspace.
func (c *Config) ScaffoldSnapshotPath(workspace string) string {
	return filepath.Join(DataDir(workspace), c.Scaffold.SnapshotFile)
}

// LedgerPath resolves the call ledger database path for a workspace.
func (c *Config) LedgerPath(workspace string) string {
	return filepath.Join(DataDir(workspace), c.Ledger.DatabaseFile)
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .deskmind directory, falling back to a go.mod marker, then to the
// working directory itself.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".deskmind")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
