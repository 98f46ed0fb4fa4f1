package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}
	if err := v.validateAgentService(); err != nil {
		return fmt.Errorf("agent service validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateEngine() error {
	e := v.cfg.Engine

	if e.MaxIterations < 1 {
		return NewValidationError("engine", "max_iterations", "", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, e.MaxIterations))
	}
	if e.MaxParallelAgents < 1 {
		return NewValidationError("engine", "max_parallel_agents", "", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, e.MaxParallelAgents))
	}
	if e.QualityThreshold < 0 || e.QualityThreshold > 100 {
		return NewValidationError("engine", "quality_threshold", "", fmt.Errorf("%w: must be between 0 and 100, got %d", ErrInvalidValue, e.QualityThreshold))
	}
	if e.AgentTimeout <= 0 {
		return NewValidationError("engine", "agent_timeout", "", fmt.Errorf("%w: must be positive, got %s", ErrInvalidValue, e.AgentTimeout))
	}
	if e.OutboxPollInterval <= 0 {
		return NewValidationError("engine", "outbox_poll_interval", "", fmt.Errorf("%w: must be positive, got %s", ErrInvalidValue, e.OutboxPollInterval))
	}
	if e.HeartbeatInterval <= 0 {
		return NewValidationError("engine", "heartbeat_interval", "", fmt.Errorf("%w: must be positive, got %s", ErrInvalidValue, e.HeartbeatInterval))
	}
	if e.OutboxClaimBatch < 1 {
		return NewValidationError("engine", "outbox_claim_batch", "", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, e.OutboxClaimBatch))
	}
	if e.OutboxMaxAttempts < 1 {
		return NewValidationError("engine", "outbox_max_attempts", "", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, e.OutboxMaxAttempts))
	}
	if e.OutboxConcurrency < 1 {
		return NewValidationError("engine", "outbox_concurrency", "", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, e.OutboxConcurrency))
	}
	if e.OutboxClaimTimeout <= 0 {
		return NewValidationError("engine", "outbox_claim_timeout", "", fmt.Errorf("%w: must be positive, got %s", ErrInvalidValue, e.OutboxClaimTimeout))
	}
	return nil
}

func (v *Validator) validateAgentService() error {
	if v.cfg.AgentService.BaseURL == "" {
		return NewValidationError("agent_service", "base_url", "", fmt.Errorf("%w: AGENT_SERVICE_BASE_URL must be set", ErrMissingRequiredField))
	}
	return nil
}
