package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the optional on-disk overlay file. Every field is a
// pointer/omittable so that mergo only overrides what the file actually sets.
type YAMLConfig struct {
	Engine       *EngineConfig       `yaml:"engine"`
	Webhook      *WebhookConfig      `yaml:"webhook"`
	AgentService *AgentServiceConfig `yaml:"agent_service"`
	Analyzer     *AnalyzerConfig     `yaml:"analyzer"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load an optional YAML overlay file from configPath (skipped if empty
//     or missing — the process is fully configurable via env vars alone)
//  3. Expand environment variables referenced in the YAML (${VAR} syntax)
//  4. Merge the overlay onto the defaults (file values override)
//  5. Apply individual environment variable overrides (highest precedence)
//  6. Validate all configuration
func Initialize(_ context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("initializing configuration")

	cfg := &Config{
		configPath:   configPath,
		Engine:       *DefaultEngineConfig(),
		AgentService: *DefaultAgentServiceConfig(),
		Analyzer:     *DefaultAnalyzerConfig(),
	}

	if configPath != "" {
		overlay, err := loadYAMLOverlay(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		if overlay != nil {
			if err := mergeOverlay(cfg, overlay); err != nil {
				return nil, fmt.Errorf("failed to merge configuration: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"max_iterations", cfg.Engine.MaxIterations,
		"max_parallel_agents", cfg.Engine.MaxParallelAgents,
		"quality_threshold", cfg.Engine.QualityThreshold,
		"outbox_poll_interval", cfg.Engine.OutboxPollInterval,
	)

	return cfg, nil
}

func loadYAMLOverlay(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// Expand environment variables using shell-style ${VAR}/$VAR syntax.
	// Missing variables expand to empty string; validation catches any
	// required field left empty as a result.
	data = ExpandEnv(data)

	var overlay YAMLConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &overlay, nil
}

func mergeOverlay(cfg *Config, overlay *YAMLConfig) error {
	if overlay.Engine != nil {
		if err := mergo.Merge(&cfg.Engine, overlay.Engine, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge engine config: %w", err)
		}
	}
	if overlay.Webhook != nil {
		if err := mergo.Merge(&cfg.Webhook, overlay.Webhook, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge webhook config: %w", err)
		}
	}
	if overlay.AgentService != nil {
		if err := mergo.Merge(&cfg.AgentService, overlay.AgentService, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge agent service config: %w", err)
		}
	}
	if overlay.Analyzer != nil {
		if err := mergo.Merge(&cfg.Analyzer, overlay.Analyzer, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge analyzer config: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides applies the named environment variables from spec §6.7,
// taking precedence over both built-in defaults and the YAML overlay.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxIterations = n
		} else {
			slog.Warn("invalid MAX_ITERATIONS, ignoring", "value", v)
		}
	}
	if v := os.Getenv("MAX_PARALLEL_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxParallelAgents = n
		} else {
			slog.Warn("invalid MAX_PARALLEL_AGENTS, ignoring", "value", v)
		}
	}
	if v := os.Getenv("QUALITY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.QualityThreshold = n
		} else {
			slog.Warn("invalid QUALITY_THRESHOLD, ignoring", "value", v)
		}
	}
	if v := os.Getenv("AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.AgentTimeout = d
		} else {
			slog.Warn("invalid AGENT_TIMEOUT, ignoring", "value", v)
		}
	}
	if v := os.Getenv("OUTBOX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.OutboxPollInterval = d
		} else {
			slog.Warn("invalid OUTBOX_POLL_INTERVAL, ignoring", "value", v)
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.HeartbeatInterval = d
		} else {
			slog.Warn("invalid HEARTBEAT_INTERVAL, ignoring", "value", v)
		}
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("CURSOR_API_KEY"); v != "" {
		cfg.AgentService.APIKey = v
	}
	if v := os.Getenv("AGENT_SERVICE_BASE_URL"); v != "" {
		cfg.AgentService.BaseURL = v
	}
	if v := os.Getenv("AGENT_SERVICE_USERNAME"); v != "" {
		cfg.AgentService.Username = v
	}
	if v := os.Getenv("AGENT_SERVICE_PASSWORD"); v != "" {
		cfg.AgentService.Password = v
	}
	if v := os.Getenv("ANALYZER_BASE_URL"); v != "" {
		cfg.Analyzer.BaseURL = v
	}
	if v := os.Getenv("ANALYZER_API_KEY"); v != "" {
		cfg.Analyzer.APIKey = v
	}
	if v := os.Getenv("ANALYZER_MODEL"); v != "" {
		cfg.Analyzer.Model = v
	}
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}
