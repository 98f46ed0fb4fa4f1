// Package outbox is the polling processor for durable OutboxJob rows: it
// claims pending work under optimistic locking, dispatches it onto a
// bounded worker pool, and classifies every failure into a retry-or-fail
// decision (spec §4.2, §7).
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

// Starter executes the one known OutboxJob variant: kicking off an
// orchestration (spec §4.5's start_orchestration operation). Implemented by
// pkg/dispatcher; the processor depends only on this interface so it never
// imports the dispatcher package directly.
type Starter interface {
	StartOrchestration(ctx context.Context, job *store.OutboxJob) error
}

// Config are the processor's tunables, sourced from config.EngineConfig.
type Config struct {
	PollInterval time.Duration
	ClaimBatch   int
	Concurrency  int
	BaseDelay    time.Duration
	ClaimTimeout time.Duration
}

// Processor is the outbox polling loop.
type Processor struct {
	cfg      Config
	workerID string

	outbox          *store.OutboxStore
	orchestrations  *store.OrchestrationStore
	events          *store.EventStore
	starter         Starter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// New constructs a Processor. workerID identifies this process instance in
// claimed rows' worker_id column (used for diagnostics and for attributing
// ReclaimStuck's age-based takeback).
func New(cfg Config, workerID string, outboxStore *store.OutboxStore, orchestrations *store.OrchestrationStore, events *store.EventStore, starter Starter) *Processor {
	return &Processor{
		cfg:            cfg,
		workerID:       workerID,
		outbox:         outboxStore,
		orchestrations: orchestrations,
		events:         events,
		starter:        starter,
		stopCh:         make(chan struct{}),
		logger:         slog.Default().With("component", "outbox"),
	}
}

// Run starts the polling loop in the current goroutine; it blocks until ctx
// is cancelled or Stop is called.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for any in-flight jobs to finish.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// tick performs one reclaim-then-claim-then-dispatch cycle.
func (p *Processor) tick(ctx context.Context) {
	if n, err := p.outbox.ReclaimStuck(ctx, p.cfg.ClaimTimeout); err != nil {
		p.logger.Error("reclaim stuck jobs failed", "error", err)
	} else if n > 0 {
		p.logger.Warn("reclaimed stuck outbox jobs", "count", n)
	}

	jobs, err := p.outbox.ClaimNext(ctx, p.workerID, p.cfg.ClaimBatch)
	if err != nil {
		p.logger.Error("claim next failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.Concurrency)
	for _, job := range jobs {
		sem <- struct{}{}
		p.wg.Add(1)
		go func(j *store.OutboxJob) {
			defer p.wg.Done()
			defer func() { <-sem }()
			p.process(ctx, j)
		}(job)
	}
}

// process runs one claimed job to completion and applies the retry/terminal
// decision for any failure (spec §7's single-catch-point propagation
// policy).
func (p *Processor) process(ctx context.Context, job *store.OutboxJob) {
	err := p.dispatch(ctx, job)
	if err == nil {
		if markErr := p.outbox.MarkCompleted(ctx, job.ID); markErr != nil {
			p.logger.Error("mark completed failed", "job_id", job.ID, "error", markErr)
		}
		return
	}

	code := apierr.CodeUnknown
	if apiErr, ok := err.(*apierr.Error); ok {
		code = apiErr.Code
	}

	p.recordWorkerError(ctx, job, code, err)

	if !code.Retryable() {
		p.fail(ctx, job, code, err, job.Attempts+1)
		return
	}

	willRetry, scheduleErr := p.outbox.ScheduleRetry(ctx, job.ID, p.cfg.BaseDelay, err.Error())
	if scheduleErr != nil {
		p.logger.Error("schedule retry failed", "job_id", job.ID, "error", scheduleErr)
		return
	}
	if !willRetry {
		p.fail(ctx, job, code, err, job.MaxAttempts)
	}
}

// dispatch routes a job to its handler by type. Unknown types are an
// UNKNOWN_ERROR, which apierr classifies as retryable, so such a job is
// retried until max_attempts and then marked failed (spec §9's
// tagged-variant redesign: unknown variants are dead-lettered, not raised).
func (p *Processor) dispatch(ctx context.Context, job *store.OutboxJob) error {
	switch job.Type {
	case store.OutboxStartOrchestration:
		return p.starter.StartOrchestration(ctx, job)
	default:
		return apierr.New(apierr.CodeUnknown, fmt.Sprintf("unrecognized outbox job type %q", job.Type))
	}
}

func (p *Processor) fail(ctx context.Context, job *store.OutboxJob, code apierr.Code, err error, attempts int) {
	if failErr := p.outbox.MarkFailed(ctx, job.ID, err.Error()); failErr != nil {
		p.logger.Error("mark failed failed", "job_id", job.ID, "error", failErr)
	}
	summary := fmt.Sprintf("Job failed after %d attempts: %s", attempts, err.Error())
	if markErr := p.orchestrations.MarkError(ctx, job.OrchestrationID, string(code), err.Error(), summary); markErr != nil {
		p.logger.Error("mark orchestration error failed", "orchestration_id", job.OrchestrationID, "error", markErr)
	}
}

func (p *Processor) recordWorkerError(ctx context.Context, job *store.OutboxJob, code apierr.Code, err error) {
	// Persistence failures on event writes are logged and swallowed per
	// spec §7; they must never affect the retry/terminal decision above.
	recordErr := p.events.Record(ctx, store.RecordInput{
		OrchestrationID: job.OrchestrationID,
		Level:           store.EventLevelError,
		StepKey:         "worker_error",
		Message:         err.Error(),
		Payload: map[string]any{
			"code":        string(code),
			"job_id":      job.ID,
			"job_type":    string(job.Type),
			"attempt":     job.Attempts + 1,
			"max_attempts": job.MaxAttempts,
		},
	})
	if recordErr != nil {
		p.logger.Error("record worker_error event failed", "job_id", job.ID, "error", recordErr)
	}
}
