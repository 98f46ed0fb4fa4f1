package config

import "time"

// DefaultEngineConfig returns the built-in EngineConfig applied before the
// YAML file and environment variables are layered on top.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxIterations:      20,
		MaxParallelAgents:  3,
		QualityThreshold:   70,
		AgentTimeout:       4 * time.Hour,
		OutboxPollInterval: 5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		ReaperInterval:     30 * time.Minute,
		OutboxClaimBatch:   10,
		OutboxBaseDelay:    5 * time.Second,
		OutboxMaxAttempts:  3,
		OutboxConcurrency:  10,
		OutboxClaimTimeout: 10 * time.Minute,
	}
}

// DefaultAgentServiceConfig returns the built-in AgentServiceConfig.
func DefaultAgentServiceConfig() *AgentServiceConfig {
	return &AgentServiceConfig{
		Timeout: 30 * time.Second,
	}
}

// DefaultAnalyzerConfig returns the built-in AnalyzerConfig.
func DefaultAnalyzerConfig() *AnalyzerConfig {
	return &AnalyzerConfig{
		Timeout: 60 * time.Second,
	}
}
