package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
	"github.com/codeready-toolchain/cursorchestrator/pkg/outbox"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
	testdb "github.com/codeready-toolchain/cursorchestrator/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeStarter) StartOrchestration(_ context.Context, _ *store.OutboxJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestProcessor(t *testing.T, starter outbox.Starter) (*outbox.Processor, *store.OrchestrationStore, *store.OutboxStore) {
	t.Helper()
	db := testdb.NewTestClient(t).DB()
	orchestrations := store.NewOrchestrationStore(db)
	outboxStore := store.NewOutboxStore(db)
	events := store.NewEventStore(db)

	cfg := outbox.Config{
		PollInterval: 20 * time.Millisecond,
		ClaimBatch:   10,
		Concurrency:  4,
		BaseDelay:    time.Millisecond,
		ClaimTimeout: time.Minute,
	}
	p := outbox.New(cfg, "test-worker", outboxStore, orchestrations, events, starter)
	return p, orchestrations, outboxStore
}

func enqueueJob(ctx context.Context, t *testing.T, orchestrations *store.OrchestrationStore, outboxStore *store.OutboxStore, maxAttempts int) (*store.Orchestration, *store.OutboxJob) {
	t.Helper()
	o, err := orchestrations.Create(ctx, store.CreateInput{
		RepositoryURL: "https://github.com/example/repo.git",
		Prompt:        "fix the bug",
		Ref:           "main",
		Mode:          store.ModeSingleAgent,
		Options: store.Options{
			MaxParallelAgents: 1,
			Priority:          store.PriorityBalanced,
			TaskSize:          store.TaskSizeAuto,
		},
	})
	require.NoError(t, err)

	job, err := outboxStore.EnqueueStartOrchestration(ctx, o.ID, store.StartOrchestrationPayload{}, maxAttempts)
	require.NoError(t, err)
	return o, job
}

func TestRunCompletesSuccessfulJob(t *testing.T) {
	starter := &fakeStarter{}
	p, orchestrations, outboxStore := newTestProcessor(t, starter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, job := enqueueJob(ctx, t, orchestrations, outboxStore, 3)

	go p.Run(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := outboxStore.Get(ctx, job.ID)
		return err == nil && got.Status == store.OutboxCompleted
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, starter.callCount())
}

func TestRunRetriesRetryableFailureThenSucceeds(t *testing.T) {
	starter := &fakeStarter{err: apierr.New(apierr.CodeNetwork, "agent service down")}
	p, orchestrations, outboxStore := newTestProcessor(t, starter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, job := enqueueJob(ctx, t, orchestrations, outboxStore, 3)

	go p.Run(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		return starter.callCount() >= 1
	}, 2*time.Second, 20*time.Millisecond)

	starter.mu.Lock()
	starter.err = nil
	starter.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := outboxStore.Get(ctx, job.ID)
		return err == nil && got.Status == store.OutboxCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRunFailsNonRetryableWithoutExhaustingAttempts(t *testing.T) {
	starter := &fakeStarter{err: apierr.New(apierr.CodeValidation, "bad repository url")}
	p, orchestrations, outboxStore := newTestProcessor(t, starter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o, job := enqueueJob(ctx, t, orchestrations, outboxStore, 3)

	go p.Run(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := outboxStore.Get(ctx, job.ID)
		return err == nil && got.Status == store.OutboxFailed
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, starter.callCount())

	fetchedJob, err := outboxStore.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fetchedJob.Attempts, "non-retryable failures bypass the attempts ladder")

	fetchedOrch, err := orchestrations.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationError, fetchedOrch.Status)
	require.NotNil(t, fetchedOrch.ErrorSummary)
	assert.Contains(t, *fetchedOrch.ErrorSummary, "Job failed after 1 attempts")
}

func TestRunExhaustsRetriesThenFails(t *testing.T) {
	starter := &fakeStarter{err: apierr.New(apierr.CodeNetwork, "still down")}
	p, orchestrations, outboxStore := newTestProcessor(t, starter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o, job := enqueueJob(ctx, t, orchestrations, outboxStore, 2)

	go p.Run(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := outboxStore.Get(ctx, job.ID)
		return err == nil && got.Status == store.OutboxFailed
	}, 3*time.Second, 20*time.Millisecond)

	fetchedOrch, err := orchestrations.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationError, fetchedOrch.Status)
}

func TestUnknownJobTypeClassifiesAsRetryableUnknownError(t *testing.T) {
	// The processor only ever enqueues start-orchestration jobs, so
	// dispatch's unknown-type branch is a defensive default rather than a
	// reachable path; assert its classification directly instead of
	// forcing an unrecognized row into the table.
	err := apierr.New(apierr.CodeUnknown, `unrecognized outbox job type "bogus"`)
	assert.True(t, err.Code.Retryable())
}
