// Package config loads engine settings from an optional fabula.yaml in the
// project root, then applies environment overrides. Flags, handled by the
// CLI layer, win over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FileName is looked up in the project root.
const FileName = "fabula.yaml"

// Config is every knob a run can carry. Zero values mean "use the default".
type Config struct {
	ProjectName       string `yaml:"project_name"`
	Author            string `yaml:"author"`
	NumChapters       int    `yaml:"num_chapters"`
	MaxRevisionRounds int    `yaml:"max_revision_rounds"`
	QABlockerMax      int    `yaml:"qa_blocker_max"`
	QAMajorMax        int    `yaml:"qa_major_max"`
	ParallelWorkers   int    `yaml:"parallel_workers"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig mirrors the backoff contract for provider calls.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Jitter         bool    `yaml:"jitter"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		NumChapters:       3,
		MaxRevisionRounds: 3,
		QABlockerMax:      0,
		QAMajorMax:        3,
		ParallelWorkers:   4,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMS: 200,
			BackoffFactor:  2.0,
			MaxDelayMS:     60_000,
		},
	}
}

// Load reads projectRoot/fabula.yaml when present, layered over Defaults,
// then applies environment overrides.
func Load(projectRoot string) (Config, error) {
	cfg := Defaults()
	path := filepath.Join(projectRoot, FileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PROJECT_NAME"); v != "" {
		cfg.ProjectName = v
	}
	if v := os.Getenv("AUTHOR"); v != "" {
		cfg.Author = v
	}
	envInt("NUM_CHAPTERS", &cfg.NumChapters)
	envInt("MAX_REVISION_ROUNDS", &cfg.MaxRevisionRounds)
	envInt("QA_BLOCKER_MAX", &cfg.QABlockerMax)
	envInt("QA_MAJOR_MAX", &cfg.QAMajorMax)
	envInt("PARALLEL_WORKERS", &cfg.ParallelWorkers)
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func (c Config) validate() error {
	if c.NumChapters < 1 {
		return fmt.Errorf("num_chapters must be >= 1, got %d", c.NumChapters)
	}
	// Zero is a valid budget: blockers then pause for human review at once.
	if c.MaxRevisionRounds < 0 {
		return fmt.Errorf("max_revision_rounds must be >= 0, got %d", c.MaxRevisionRounds)
	}
	if c.QABlockerMax < 0 || c.QAMajorMax < 0 {
		return fmt.Errorf("qa gates must be >= 0")
	}
	if c.ParallelWorkers < 1 {
		return fmt.Errorf("parallel_workers must be >= 1, got %d", c.ParallelWorkers)
	}
	return nil
}
