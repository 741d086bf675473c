// Package config loads and validates the feeddrift experiment configuration.
// The configuration is read once at process start and passed by reference into
// every component; nothing re-derives environment facts on its own.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/feeddrift/feeddrift/pkg/models"
	"gopkg.in/yaml.v3"
)

// PersonaWeight is one entry of a mixed_persona weight set.
type PersonaWeight struct {
	ProfileID int64   `yaml:"profile_id"`
	Weight    float64 `yaml:"weight"`
}

// PersonaStint is one entry of a sequential_persona schedule: the persona
// governs choice for the next Steps persona-phase steps.
type PersonaStint struct {
	ProfileID int64 `yaml:"profile_id"`
	Steps     int   `yaml:"steps"`
}

// ExperimentConfig describes what the experiment does: its navigation mode,
// the persona(s) driving it, and the optional context-priming walk.
type ExperimentConfig struct {
	Mode            string          `yaml:"mode"`
	ProfileID       int64           `yaml:"profile_id"`
	PersonaMix      []PersonaWeight `yaml:"persona_mix"`
	PersonaSequence []PersonaStint  `yaml:"persona_sequence"`
	ContextName     string          `yaml:"context_name"`
	ContextVideoIDs []string        `yaml:"context_video_ids"`
	ConcurrentUsers int             `yaml:"concurrent_users"`
}

// ScrapingConfig bounds the browsing behavior of one engine instance.
type ScrapingConfig struct {
	ParserMethod               string        `yaml:"parser_method"` // "rules" or "model"
	MaxWatchSeconds            int           `yaml:"max_watch_seconds"`
	MaxSteps                   int           `yaml:"max_steps"`
	PersonaFilterEnabled       bool          `yaml:"persona_filter_enabled"`
	PersonaFilterSeconds       int           `yaml:"persona_filter_seconds"`
	PersonaFilterTranscriptSec int           `yaml:"persona_filter_transcript_seconds"`
	BrowserHubURL              string        `yaml:"browser_hub_url"`
	SettleDelay                time.Duration `yaml:"settle_delay"`
}

// TaskConfig selects the model used for one model-driven task.
type TaskConfig struct {
	Provider string `yaml:"provider"` // "openai", "openrouter", or "ollama"
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// LLMConfig holds the per-task model configurations.
type LLMConfig struct {
	ParseRecommendations TaskConfig `yaml:"parse_recommendations"`
	ChooseVideo          TaskConfig `yaml:"choose_video"`
	CheckRelevance       TaskConfig `yaml:"check_relevance"`
}

// DatabaseConfig configures the session ledger store.
type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite" or "postgres"
	Path string `yaml:"path"` // for SQLite
	DSN  string `yaml:"dsn"`  // for Postgres
}

// CacheConfig configures the optional Redis duration cache shared across
// concurrent workers.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// EventsConfig configures the optional NATS lifecycle event publisher.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the full feeddrift configuration.
type Config struct {
	Experiment ExperimentConfig `yaml:"experiment"`
	Scraping   ScrapingConfig   `yaml:"scraping"`
	LLM        LLMConfig        `yaml:"llm"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// supportedProviders are the model providers with structured-output support.
var supportedProviders = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"ollama":     true,
}

// LoadFromFile loads configuration from a YAML file. Environment variables
// referenced as ${VAR} in the file (API keys, DSNs) are expanded before
// parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides take precedence over file values.
	if dsn := os.Getenv("FEEDDRIFT_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

// Default returns a configuration with conservative defaults. Mode-specific
// experiment fields have no defaults; Validate enforces them.
func Default() *Config {
	return &Config{
		Experiment: ExperimentConfig{
			Mode:            models.ModeRandomChoice,
			ConcurrentUsers: 1,
		},
		Scraping: ScrapingConfig{
			ParserMethod:               "rules",
			MaxWatchSeconds:            600,
			MaxSteps:                   10,
			PersonaFilterSeconds:       30,
			PersonaFilterTranscriptSec: 60,
			SettleDelay:                5 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "./feeddrift.db",
		},
		Cache: CacheConfig{
			TTL: time.Hour,
		},
		Events: EventsConfig{
			Subject: "feeddrift",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9301",
		},
	}
}

// Validate checks the configuration and returns the list of issues found. An
// empty list means the configuration is usable for a run.
func (c *Config) Validate() []string {
	var issues []string

	exp := c.Experiment
	switch exp.Mode {
	case models.ModeSinglePersona:
		if exp.ProfileID == 0 {
			issues = append(issues, "single_persona mode requires experiment.profile_id")
		}
	case models.ModeMixedPersona:
		if len(exp.PersonaMix) == 0 {
			issues = append(issues, "mixed_persona mode requires a non-empty experiment.persona_mix")
		}
		total := 0.0
		for i, w := range exp.PersonaMix {
			if w.Weight < 0 {
				issues = append(issues, fmt.Sprintf("persona_mix[%d]: weight must not be negative", i))
			}
			total += w.Weight
		}
		if len(exp.PersonaMix) > 0 && total == 0 {
			issues = append(issues, "persona_mix weights must not all be zero")
		}
	case models.ModeSequentialPersona:
		if len(exp.PersonaSequence) == 0 {
			issues = append(issues, "sequential_persona mode requires a non-empty experiment.persona_sequence")
		}
		for i, s := range exp.PersonaSequence {
			if s.Steps <= 0 {
				issues = append(issues, fmt.Sprintf("persona_sequence[%d]: steps must be positive", i))
			}
		}
	case models.ModeRandomChoice:
		// No mode-specific fields.
	default:
		issues = append(issues, fmt.Sprintf("unknown experiment mode %q", exp.Mode))
	}

	if exp.ContextName != "" && len(exp.ContextVideoIDs) > 0 {
		issues = append(issues, "context_name and context_video_ids are mutually exclusive")
	}
	if exp.ConcurrentUsers < 1 {
		issues = append(issues, "experiment.concurrent_users must be at least 1")
	}

	if c.Scraping.MaxSteps <= 0 {
		issues = append(issues, "scraping.max_steps must be positive")
	}
	if c.Scraping.MaxWatchSeconds <= 0 {
		issues = append(issues, "scraping.max_watch_seconds must be positive")
	}
	if c.Scraping.ParserMethod != "rules" && c.Scraping.ParserMethod != "model" {
		issues = append(issues, fmt.Sprintf("unknown parser_method %q (want rules or model)", c.Scraping.ParserMethod))
	}

	for _, tc := range []struct {
		name string
		cfg  TaskConfig
	}{
		{"choose_video", c.LLM.ChooseVideo},
		{"check_relevance", c.LLM.CheckRelevance},
		{"parse_recommendations", c.LLM.ParseRecommendations},
	} {
		if tc.cfg.Provider == "" {
			continue
		}
		if !supportedProviders[tc.cfg.Provider] {
			issues = append(issues, fmt.Sprintf("llm.%s: unsupported provider %q", tc.name, tc.cfg.Provider))
		}
	}
	if c.needsChooser() && c.LLM.ChooseVideo.Provider == "" {
		issues = append(issues, "persona-guided modes require llm.choose_video")
	}
	if c.Scraping.PersonaFilterEnabled && c.LLM.CheckRelevance.Provider == "" {
		issues = append(issues, "persona_filter_enabled requires llm.check_relevance")
	}
	if c.Scraping.ParserMethod == "model" && c.LLM.ParseRecommendations.Provider == "" {
		issues = append(issues, "parser_method model requires llm.parse_recommendations")
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			issues = append(issues, "sqlite database requires database.path")
		}
	case "postgres":
		if c.Database.DSN == "" {
			issues = append(issues, "postgres database requires database.dsn")
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown database type %q", c.Database.Type))
	}

	return issues
}

func (c *Config) needsChooser() bool {
	switch c.Experiment.Mode {
	case models.ModeSinglePersona, models.ModeMixedPersona, models.ModeSequentialPersona:
		return true
	}
	return false
}

// ProfileIDs returns the set of profile IDs the configured mode can reference,
// in first-seen order. The engine preloads their persona descriptions.
func (c *Config) ProfileIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(id int64) {
		if id != 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	switch c.Experiment.Mode {
	case models.ModeSinglePersona:
		add(c.Experiment.ProfileID)
	case models.ModeMixedPersona:
		for _, w := range c.Experiment.PersonaMix {
			add(w.ProfileID)
		}
	case models.ModeSequentialPersona:
		for _, s := range c.Experiment.PersonaSequence {
			add(s.ProfileID)
		}
	}
	return ids
}
