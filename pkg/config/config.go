// Package config loads the process-wide configuration for cursorchestrator:
// the engine-level knobs from spec §6.7 (iteration/parallelism/quality
// limits, poll/heartbeat cadence, webhook and agent-service credentials),
// layered as built-in defaults -> YAML file -> environment variables.
package config

import "time"

// Config is the fully resolved, validated process configuration returned
// by Initialize.
type Config struct {
	configPath string

	// Engine holds the process-wide orchestration knobs (spec §6.7).
	Engine EngineConfig

	// Webhook holds the HMAC webhook gateway's settings (spec §6.1).
	Webhook WebhookConfig

	// AgentService holds the External Agent Service client's settings (spec §6.2).
	AgentService AgentServiceConfig

	// Analyzer holds the decision engine's LLM-backed analysis settings (spec §4.6).
	Analyzer AnalyzerConfig

	// PostgreSQL connection settings are not part of Config; they are
	// resolved separately via database.LoadConfigFromEnv.
}

// EngineConfig are the process-wide limits and cadences shared by every
// orchestration unless overridden per-request by Options (spec §6.7).
type EngineConfig struct {
	MaxIterations      int           `yaml:"max_iterations" validate:"min=1"`
	MaxParallelAgents  int           `yaml:"max_parallel_agents" validate:"min=1"`
	QualityThreshold   int           `yaml:"quality_threshold" validate:"min=0,max=100"`
	AgentTimeout       time.Duration `yaml:"agent_timeout"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ReaperInterval     time.Duration `yaml:"reaper_interval"`
	OutboxClaimBatch   int           `yaml:"outbox_claim_batch" validate:"min=1"`
	OutboxBaseDelay    time.Duration `yaml:"outbox_base_delay"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts" validate:"min=1"`
	OutboxConcurrency  int           `yaml:"outbox_concurrency" validate:"min=1"`
	OutboxClaimTimeout time.Duration `yaml:"outbox_claim_timeout"`
}

// WebhookConfig configures the inbound webhook gateway.
type WebhookConfig struct {
	Secret        string `yaml:"secret,omitempty"`
	SignatureSkew string `yaml:"signature_skew,omitempty"`
}

// AgentServiceConfig configures the outbound client to the External Agent
// Service (spec §6.2).
type AgentServiceConfig struct {
	BaseURL  string        `yaml:"base_url" validate:"required"`
	Username string        `yaml:"username,omitempty"`
	Password string        `yaml:"password,omitempty"`
	APIKey   string        `yaml:"api_key,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AnalyzerConfig configures the LLM-backed decision engine, falling back to
// rule-based heuristics when unset (spec §4.6).
type AnalyzerConfig struct {
	Provider string        `yaml:"provider,omitempty"`
	BaseURL  string        `yaml:"base_url,omitempty"`
	APIKey   string        `yaml:"api_key,omitempty"`
	Model    string        `yaml:"model,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ConfigPath returns the path to the loaded YAML file, if any.
func (c *Config) ConfigPath() string {
	return c.configPath
}
