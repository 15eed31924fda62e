// Package config loads and holds all service configuration.
// Settings start from built-in defaults, are overridden by an optional YAML
// file (pd-anonymizer.yaml, or the path in PDANON_CONFIG), and finally by
// environment variables. A .env file in the working directory is loaded into
// the environment first; variables already set win over it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pd-anonymizer/internal/logger"
)

// DefaultFile is read when PDANON_CONFIG is unset.
const DefaultFile = "pd-anonymizer.yaml"

// DefaultModelCacheSize is applied to model-backed sources added from the
// environment.
const DefaultModelCacheSize = 1000

// Source types understood by the detection registry builder.
const (
	SourceRegex      = "regex"
	SourceDictionary = "dictionary"
	SourceNER        = "ner"
	SourceOllama     = "ollama"
)

// Vault backends.
const (
	VaultBolt   = "bbolt"
	VaultFile   = "file"
	VaultMemory = "memory"
)

// log is gated by PDANON_LOG_LEVEL once Load has read .env.
var log = logger.New("config", "")

// SourceConfig describes one detection source.
type SourceConfig struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	URL       string            `yaml:"url,omitempty"`
	Model     string            `yaml:"model,omitempty"`
	Threshold float64           `yaml:"threshold,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
	Terms     map[string]string `yaml:"terms,omitempty"` // dictionary: term -> entity type
	// CacheSize > 0 memoizes up to that many analyses in memory.
	CacheSize int `yaml:"cacheSize,omitempty"`
}

// VaultConfig selects where session records live.
type VaultConfig struct {
	Backend string `yaml:"backend"`
	// Path is the bbolt database file or the file backend's directory.
	Path string `yaml:"path"`
}

// RelayConfig points /chat at an OpenAI-compatible upstream.
type RelayConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config holds the full service configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	APIToken     string `yaml:"apiToken"`
	LogLevel     string `yaml:"logLevel"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`

	Vault VaultConfig `yaml:"vault"`

	DefaultSelector       string   `yaml:"defaultSelector"`
	Language              string   `yaml:"language"`
	ReusableTags          bool     `yaml:"reusableTags"`
	AllowReidentification bool     `yaml:"allowReidentification"`
	Entities              []string `yaml:"entities"`

	Sources []SourceConfig `yaml:"sources"`
	Relay   RelayConfig    `yaml:"relay"`
}

// Load returns config with defaults overridden by the YAML file and env vars.
func Load() *Config {
	loadDotEnv(".env")
	cfg := defaults()
	path := os.Getenv("PDANON_CONFIG")
	if path == "" {
		path = DefaultFile
	}
	loadFile(cfg, path)
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		Listen:       "127.0.0.1:8090",
		LogLevel:     "info",
		MaxBodyBytes: 1 << 20,
		Vault: VaultConfig{
			Backend: VaultBolt,
			Path:    "data/sessions.db",
		},
		DefaultSelector:       "all",
		Language:              "en",
		ReusableTags:          true,
		AllowReidentification: true,
		Sources: []SourceConfig{
			{Name: "regex", Type: SourceRegex},
		},
		Relay: RelayConfig{
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
	}
}

// loadDotEnv merges path into the environment, then applies
// PDANON_LOG_LEVEL to the package logger so a level set in .env counts.
func loadDotEnv(path string) {
	err := godotenv.Load(path)
	log.SetLevel(os.Getenv("PDANON_LOG_LEVEL"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("load", "could not parse %s: %v", path, err)
		}
		return
	}
	log.Infof("load", "loaded %s", path)
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from operator config
	if err != nil {
		return // file is optional
	}
	// Decode into a copy so a half-parsed file leaves the defaults intact.
	next := *cfg
	if err := yaml.Unmarshal(data, &next); err != nil {
		log.Warnf("load", "could not parse %s: %v", path, err)
		return
	}
	*cfg = next
	log.Infof("load", "loaded %s", path)
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PDANON_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PDANON_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("PDANON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PDANON_VAULT_BACKEND"); v != "" {
		cfg.Vault.Backend = v
	}
	if v := os.Getenv("PDANON_VAULT_PATH"); v != "" {
		cfg.Vault.Path = v
	}
	if v := os.Getenv("PDANON_DEFAULT_SELECTOR"); v != "" {
		cfg.DefaultSelector = v
	}
	if v := os.Getenv("PDANON_REUSABLE_TAGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ReusableTags = b
		}
	}
	if v := os.Getenv("PDANON_ALLOW_REIDENTIFICATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowReidentification = b
		}
	}
	if v := os.Getenv("NER_URL"); v != "" {
		cfg.upsertSource(SourceConfig{Name: "ner", Type: SourceNER, URL: v, CacheSize: DefaultModelCacheSize})
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		cfg.upsertSource(SourceConfig{
			Name: "ollama", Type: SourceOllama, URL: v,
			Model: "qwen2.5:3b", Threshold: 0.7, CacheSize: DefaultModelCacheSize,
		})
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		for i := range cfg.Sources {
			if cfg.Sources[i].Type == SourceOllama {
				cfg.Sources[i].Model = v
			}
		}
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		cfg.Relay.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_MODEL"); v != "" {
		cfg.Relay.Model = v
	}
}

// upsertSource replaces the URL of the source with the same name, or
// appends s when none exists.
func (c *Config) upsertSource(s SourceConfig) {
	for i := range c.Sources {
		if c.Sources[i].Name == s.Name {
			c.Sources[i].URL = s.URL
			return
		}
	}
	c.Sources = append(c.Sources, s)
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	switch strings.ToLower(c.Vault.Backend) {
	case VaultMemory:
	case VaultBolt, VaultFile:
		if c.Vault.Path == "" {
			errs = append(errs, fmt.Errorf("vault backend %q needs a path", c.Vault.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vault backend %q", c.Vault.Backend))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("maxBodyBytes must be positive"))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		where := fmt.Sprintf("source %d (%q)", i, s.Name)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is empty", where))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", where))
		}
		seen[s.Name] = true

		switch s.Type {
		case SourceRegex, SourceDictionary:
		case SourceNER:
			if err := checkURL(s.URL); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		case SourceOllama:
			if err := checkURL(s.URL); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
			if s.Model == "" {
				errs = append(errs, fmt.Errorf("%s: model is empty", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown type %q", where, s.Type))
		}
		if s.Threshold < 0 || s.Threshold > 1 {
			errs = append(errs, fmt.Errorf("%s: threshold %v outside [0,1]", where, s.Threshold))
		}
		if s.CacheSize < 0 {
			errs = append(errs, fmt.Errorf("%s: cacheSize must not be negative", where))
		}
	}

	if c.Relay.URL != "" {
		if err := checkURL(c.Relay.URL); err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
