// Package reaper is the stuck-agent reaper (spec §4.8): the core's only
// background timeout. Every tick it finds AgentStates that have been ACTIVE
// without an update for longer than AGENT_TIMEOUT, tells the External Agent
// Service to stop them, and marks them TIMEOUT.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/agentclient"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

const (
	defaultInterval   = 30 * time.Minute
	defaultStaleAfter = 4 * time.Hour
)

// Reaper periodically scans for stuck AgentStates and times them out.
type Reaper struct {
	agentClient   *agentclient.Client
	agentStates   *store.AgentStateStore
	defaultAPIKey string
	interval      time.Duration
	staleAfter    time.Duration
	logger        *slog.Logger
}

// New constructs a Reaper. interval/staleAfter fall back to spec defaults
// (30 minutes, 4 hours) when zero.
func New(agentClient *agentclient.Client, agentStates *store.AgentStateStore, defaultAPIKey string, interval, staleAfter time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Reaper{
		agentClient:   agentClient,
		agentStates:   agentStates,
		defaultAPIKey: defaultAPIKey,
		interval:      interval,
		staleAfter:    staleAfter,
		logger:        slog.Default().With("component", "reaper"),
	}
}

// Run blocks, scanning once per interval until ctx is canceled. Intended to
// run as its own goroutine from the boot sequence.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("reaper tick failed", "error", err)
			}
		}
	}
}

// Tick performs a single scan-and-reap pass. Errors stopping an individual
// agent are logged, not retried in the same tick — the next tick will
// re-attempt, matching spec §4.8's stated retry policy.
func (r *Reaper) Tick(ctx context.Context) error {
	cutoff := time.Now().Add(-r.staleAfter)

	stale, err := r.agentStates.ListStaleActive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reaper: list stale active agents: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	r.logger.Warn("found stale active agents", "count", len(stale))

	for _, state := range stale {
		if err := r.agentClient.Stop(ctx, r.defaultAPIKey, state.AgentID); err != nil {
			r.logger.Error("stop call failed for stale agent", "agent_id", state.AgentID, "error", err)
			continue
		}
		if err := r.agentStates.MarkTimeout(ctx, state.AgentID); err != nil {
			r.logger.Error("mark timeout failed for stale agent", "agent_id", state.AgentID, "error", err)
			continue
		}
		r.logger.Warn("agent timed out", "agent_id", state.AgentID, "last_updated", state.UpdatedAt)
	}

	return nil
}
