// Package config loads and validates the task configuration that drives an
// augmentation run. The file is YAML; the same raw document feeds the job
// fingerprint, so any edit to it starts a new logical job.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/Global-Witness/augmenta/internal/schema"
)

// Config is the parsed task configuration.
type Config struct {
	InputCSV  string `yaml:"input_csv"`
	QueryCol  string `yaml:"query_col"`
	OutputCSV string `yaml:"output_csv"`
	// Workers bounds the number of rows with in-flight collaborator work.
	Workers int `yaml:"workers"`

	Model     ModelConfig             `yaml:"model"`
	Search    SearchConfig            `yaml:"search"`
	Prompt    PromptConfig            `yaml:"prompt"`
	Structure map[string]schema.Field `yaml:"structure"`
}

// ModelConfig selects and tunes the completion provider.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Name        string  `yaml:"name"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout"`
}

// SearchConfig selects and tunes the search provider.
type SearchConfig struct {
	Engine  string `yaml:"engine"`
	Results int    `yaml:"results"`
	// RateLimit is the minimum interval between search requests, in
	// seconds. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

// PromptConfig holds the prompt templates. User may reference input columns
// as {{column}} placeholders.
type PromptConfig struct {
	System   string    `yaml:"system"`
	User     string    `yaml:"user"`
	Examples []Example `yaml:"examples"`
}

// Example is a worked input/output pair appended to the user prompt.
type Example struct {
	Input  string         `yaml:"input"`
	Output map[string]any `yaml:"output"`
}

const (
	defaultWorkers       = 10
	defaultSearchResults = 3
	defaultModelTimeout  = 120
)

// Load reads, parses and validates a task configuration file. It also
// returns the raw document as a generic map, which is what the job
// fingerprint is computed over.
func Load(path string) (*Config, map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, raw, nil
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Search.Results <= 0 {
		c.Search.Results = defaultSearchResults
	}
	if c.Model.TimeoutSecs <= 0 {
		c.Model.TimeoutSecs = defaultModelTimeout
	}
}

// Validate checks the fields every run needs before any external call.
func (c *Config) Validate() error {
	if c.InputCSV == "" {
		return fmt.Errorf("input_csv is required")
	}
	if c.QueryCol == "" {
		return fmt.Errorf("query_col is required")
	}
	if c.Prompt.User == "" {
		return fmt.Errorf("prompt.user is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Search.Engine == "" {
		return fmt.Errorf("search.engine is required")
	}
	if len(c.Structure) == 0 {
		return fmt.Errorf("structure must declare at least one field")
	}
	return nil
}
