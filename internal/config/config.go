// Package config loads service settings from YAML or JSON files with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/querytree/rules"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the server and CLIs read
type Config struct {
	Port        string `yaml:"port" json:"port"`
	DatabaseURL string `yaml:"databaseUrl" json:"databaseUrl"`
	LogLevel    string `yaml:"logLevel" json:"logLevel"`

	// MaxDepth bounds query nesting; 0 uses rules.DefaultMaxDepth
	MaxDepth int `yaml:"maxDepth" json:"maxDepth"`

	// CacheTTL expires cached active queries; empty or "0" means invalidate on change only
	CacheTTL string `yaml:"cacheTtl" json:"cacheTtl"`

	// PropertyTypes configures a single-tenant engine, e.g. for the evaluate CLI
	PropertyTypes rules.PropertyTypeMap `yaml:"propertyTypes" json:"propertyTypes"`
}

// Default returns the settings used when nothing else is configured
func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "INFO",
		MaxDepth: rules.DefaultMaxDepth,
	}
}

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML over the defaults
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, cfg.Validate()
}

// FromJSON parses JSON over the defaults
func FromJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads path (if not empty) and then applies environment overrides
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides settings from PORT, DATABASE_URL, LOG_LEVEL, MAX_DEPTH and CACHE_TTL
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Port = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.DatabaseURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("MAX_DEPTH"); ok && v != "" {
		depth, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_DEPTH %q: %w", v, err)
		}
		c.MaxDepth = depth
	}
	if v, ok := lookup("CACHE_TTL"); ok && v != "" {
		c.CacheTTL = v
	}
	return nil
}

// Validate reports settings that cannot be used
func (c Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("maxDepth must not be negative, got %d", c.MaxDepth)
	}
	if _, err := c.CacheDuration(); err != nil {
		return err
	}
	return nil
}

// CacheDuration parses CacheTTL
func (c Config) CacheDuration() (time.Duration, error) {
	if c.CacheTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid cacheTtl %q: %w", c.CacheTTL, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("cacheTtl must not be negative, got %s", c.CacheTTL)
	}
	return d, nil
}

// CacheConfig returns the query cache settings
func (c Config) CacheConfig() rules.CacheConfig {
	ttl, _ := c.CacheDuration()
	return rules.CacheConfig{TTL: ttl}
}

// EngineOptions returns the options NewEngine should be built with
func (c Config) EngineOptions() []rules.Option {
	if c.MaxDepth > 0 {
		return []rules.Option{rules.WithMaxDepth(c.MaxDepth)}
	}
	return nil
}
