// Package heartbeat periodically records this worker's liveness and queue
// depths (spec §2, §6.3) via the HealthRecord table, the cheapest possible
// signal that a worker process is alive and what it's currently carrying.
package heartbeat

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/database"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

const defaultInterval = 30 * time.Second

// serviceName identifies this component in service_health_events.
const serviceName = "orchestrator-worker"

// Heartbeat periodically records a HealthRecord for this worker process.
type Heartbeat struct {
	health      *store.HealthStore
	outbox      *store.OutboxStore
	agentStates *store.AgentStateStore
	db          *sql.DB
	workerID    string
	interval    time.Duration
	startedAt   time.Time
	logger      *slog.Logger
}

// New constructs a Heartbeat. interval falls back to 30s when zero; workerID
// falls back to the process hostname when empty. db is used to fold
// pkg/database's connection-pool health into this worker's payload
// alongside its own queue-depth gauges.
func New(health *store.HealthStore, outbox *store.OutboxStore, agentStates *store.AgentStateStore, db *sql.DB, workerID string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = defaultInterval
	}
	if workerID == "" {
		if h, err := os.Hostname(); err == nil {
			workerID = h
		} else {
			workerID = "unknown"
		}
	}
	return &Heartbeat{
		health:      health,
		outbox:      outbox,
		agentStates: agentStates,
		db:          db,
		workerID:    workerID,
		interval:    interval,
		startedAt:   time.Now(),
		logger:      slog.Default().With("component", "heartbeat"),
	}
}

// Run blocks, recording one HealthRecord immediately and then once per
// interval, until ctx is canceled. Intended to run as its own goroutine from
// the boot sequence.
func (h *Heartbeat) Run(ctx context.Context) {
	if err := h.Beat(ctx); err != nil {
		h.logger.Error("initial heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

// Beat records a single HealthRecord with current queue depths. A failure
// to read one depth doesn't block reporting the rest; the record still
// carries a "degraded" status so an operator can see which gauge failed.
func (h *Heartbeat) Beat(ctx context.Context) error {
	status := "ok"

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	payload := map[string]any{
		"worker_id":       h.workerID,
		"uptime_secs":     int(time.Since(h.startedAt).Seconds()),
		"memory_rss_mb":   mem.Sys / (1024 * 1024),
		"memory_alloc_mb": mem.Alloc / (1024 * 1024),
	}

	pending, err := h.outbox.CountByStatus(ctx, store.OutboxPending)
	if err != nil {
		status = "degraded"
		payload["outbox_pending_error"] = err.Error()
	} else {
		payload["outbox_pending"] = pending
	}

	processing, err := h.outbox.CountByStatus(ctx, store.OutboxProcessing)
	if err != nil {
		status = "degraded"
		payload["outbox_processing_error"] = err.Error()
	} else {
		payload["outbox_processing"] = processing
	}

	active, err := h.agentStates.CountByStatus(ctx, store.AgentActive)
	if err != nil {
		status = "degraded"
		payload["active_agents_error"] = err.Error()
	} else {
		payload["active_agents"] = active
	}

	if h.db != nil {
		dbHealth, err := database.Health(ctx, h.db)
		if err != nil {
			status = "degraded"
			payload["database_error"] = err.Error()
		}
		if dbHealth != nil {
			payload["database_status"] = dbHealth.Status
			payload["database_open_connections"] = dbHealth.OpenConnections
			payload["database_in_use"] = dbHealth.InUse
			payload["database_idle"] = dbHealth.Idle
			payload["database_response_time_ms"] = dbHealth.ResponseTime.Milliseconds()
		}
	}

	return h.health.Record(ctx, serviceName, status, "heartbeat", payload)
}
