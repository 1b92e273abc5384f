package app

import (
	"errors"
	"fmt"
	"path/filepath"
)

// DefaultStateDir is where datasets keep their state and staged files when
// no state directory is given.
const DefaultStateDir = ".gridchain"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PipelinePath string // hcl file or directory
	StateDir     string

	LogFormat string
	LogLevel  string
	// Vars override pipeline variable defaults by name.
	Vars map[string]string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log-format '%s': must be 'text' or 'json'", cfg.LogFormat)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) stagePath() string   { return filepath.Join(c.StateDir, "stage") }
func (c *Config) statePath() string   { return filepath.Join(c.StateDir, "state") }
func (c *Config) datasetPath() string { return filepath.Join(c.StateDir, "datasets") }
