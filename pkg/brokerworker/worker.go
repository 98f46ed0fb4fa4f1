// Package brokerworker is the broker-side consumer: when Redis is
// available it gives webhook-driven follow-up work a lower-latency path
// than the outbox poll, at the cost of at-least-once delivery guarded by
// the stream's consumer-group redelivery instead of a durable row (spec
// §4.3, §6.4).
package brokerworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/cursorchestrator/pkg/broker"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
	"github.com/codeready-toolchain/cursorchestrator/pkg/webhook"
)

// WebhookProcessor handles a decoded process-webhook job. Satisfied by
// pkg/orchestrator's reducer, same as pkg/webhook.EventProcessor.
type WebhookProcessor interface {
	ProcessWebhookEvent(ctx context.Context, evt webhook.StatusChangeEvent) error
}

// Starter handles a decoded start-orchestration job. Broker-originated
// kickoffs are rare (the outbox is the primary kickoff path; see
// pkg/outbox), but the job type exists per spec §6.4's queue contract.
type Starter interface {
	StartOrchestration(ctx context.Context, payload store.StartOrchestrationPayload) error
}

// Config are the worker's tunables.
type Config struct {
	// Concurrency is the number of goroutines blocking on ReadGroup.
	Concurrency int
	// PollBlock is how long each ReadGroup call blocks for new entries.
	PollBlock time.Duration
	// ReclaimInterval is how often the stale-entry sweep runs.
	ReclaimInterval time.Duration
	// RedeliveryBase is the floor idle duration before a stale entry is
	// eligible for reclaim, and the exponential backoff's initial
	// interval (spec §6.4: 5s). Zero defaults to broker.BaseBackoff.
	RedeliveryBase time.Duration
}

func (c Config) redeliveryBase() time.Duration {
	if c.RedeliveryBase > 0 {
		return c.RedeliveryBase
	}
	return broker.BaseBackoff
}

// Worker is the broker-side consumer pool.
type Worker struct {
	cfg Config
	brk *broker.Broker

	webhookProcessor WebhookProcessor
	starter          Starter

	consumerPrefix string

	mu      sync.Mutex
	retries map[string]*retryState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

type retryState struct {
	attempts     int
	backoff      *backoff.ExponentialBackOff
	nextEligible time.Time
}

// New constructs a Worker. consumerPrefix disambiguates this process's
// consumer names within the shared consumer group (e.g. the pod name).
func New(cfg Config, consumerPrefix string, brk *broker.Broker, webhookProcessor WebhookProcessor, starter Starter) *Worker {
	return &Worker{
		cfg:              cfg,
		brk:              brk,
		webhookProcessor: webhookProcessor,
		starter:          starter,
		consumerPrefix:   consumerPrefix,
		retries:          make(map[string]*retryState),
		stopCh:           make(chan struct{}),
		logger:           slog.Default().With("component", "brokerworker"),
	}
}

// Run starts the consumer goroutines and the reclaim sweep, blocking until
// ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.brk.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("brokerworker: ensure consumer group: %w", err)
	}

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.consume(ctx, fmt.Sprintf("%s-%d", w.consumerPrefix, i))
	}

	w.wg.Add(1)
	go w.reclaimLoop(ctx)

	w.wg.Wait()
	return nil
}

// Stop signals every goroutine to exit and waits for them to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// consume is one of Concurrency goroutines blocking on ReadGroup for fresh
// entries (">" — never-before-delivered). Redelivery of failed entries is
// handled entirely by reclaimLoop, not here.
func (w *Worker) consume(ctx context.Context, consumerName string) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		deliveries, err := w.brk.ReadGroup(ctx, consumerName, 10, w.cfg.PollBlock)
		if err != nil {
			w.logger.Error("read group failed", "consumer", consumerName, "error", err)
			continue
		}
		for _, d := range deliveries {
			w.handle(ctx, consumerName, d)
		}
	}
}

// reclaimLoop periodically reclaims entries that have sat unacknowledged
// past the minimum backoff floor, redispatching or dead-lettering them
// depending on how many attempts they have already seen.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()

	consumerName := w.consumerPrefix + "-reclaim"
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			deliveries, err := w.brk.ClaimStale(ctx, consumerName, w.cfg.redeliveryBase(), 50)
			if err != nil {
				w.logger.Error("claim stale failed", "error", err)
				continue
			}
			for _, d := range deliveries {
				w.maybeRedeliver(ctx, consumerName, d)
			}
		}
	}
}

func (w *Worker) maybeRedeliver(ctx context.Context, consumerName string, d broker.Delivery) {
	state := w.retryStateFor(d.EntryID)

	if !time.Now().After(state.nextEligible) {
		return // claimed to keep it from looking abandoned, not yet due
	}

	state.attempts++
	if state.attempts > broker.MaxAttempts {
		w.forget(d.EntryID)
		if err := w.brk.DeadLetter(ctx, d, fmt.Sprintf("exceeded %d delivery attempts", broker.MaxAttempts)); err != nil {
			w.logger.Error("dead-letter failed", "entry_id", d.EntryID, "error", err)
		}
		return
	}

	state.nextEligible = time.Now().Add(state.backoff.NextBackOff())
	w.handle(ctx, consumerName, d)
}

func (w *Worker) retryStateFor(entryID string) *retryState {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.retries[entryID]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = w.cfg.redeliveryBase()
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.Reset()
		state = &retryState{backoff: b, nextEligible: time.Now()}
		w.retries[entryID] = state
	}
	return state
}

func (w *Worker) forget(entryID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.retries, entryID)
}

// handle dispatches one delivery by job type and acks on success. Failures
// are left unacknowledged for reclaimLoop to pick back up.
func (w *Worker) handle(ctx context.Context, consumerName string, d broker.Delivery) {
	if err := w.dispatch(ctx, d.Job); err != nil {
		w.logger.Warn("broker job failed, leaving for redelivery", "entry_id", d.EntryID, "job_type", d.Job.Type, "consumer", consumerName, "error", err)
		return
	}
	w.forget(d.EntryID)
	if err := w.brk.Ack(ctx, d.EntryID); err != nil {
		w.logger.Error("ack failed", "entry_id", d.EntryID, "error", err)
	}
}

func (w *Worker) dispatch(ctx context.Context, job broker.Job) error {
	switch job.Type {
	case broker.JobProcessWebhook:
		var evt webhook.StatusChangeEvent
		if err := json.Unmarshal(job.Payload, &evt); err != nil {
			return fmt.Errorf("brokerworker: decode process-webhook payload: %w", err)
		}
		return w.webhookProcessor.ProcessWebhookEvent(ctx, evt)
	case broker.JobStartOrchestration:
		var payload store.StartOrchestrationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("brokerworker: decode start-orchestration payload: %w", err)
		}
		return w.starter.StartOrchestration(ctx, payload)
	default:
		return fmt.Errorf("brokerworker: unrecognized job type %q", job.Type)
	}
}
