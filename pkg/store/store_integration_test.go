package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
	testdb "github.com/codeready-toolchain/cursorchestrator/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T) (*store.OrchestrationStore, *store.OutboxStore, *store.EventStore, *store.AgentStateStore, *store.HealthStore) {
	t.Helper()
	client := testdb.NewTestClient(t)
	db := client.DB()
	return store.NewOrchestrationStore(db),
		store.NewOutboxStore(db),
		store.NewEventStore(db),
		store.NewAgentStateStore(db),
		store.NewHealthStore(db)
}

func createTestOrchestration(ctx context.Context, t *testing.T, oStore *store.OrchestrationStore) *store.Orchestration {
	t.Helper()
	o, err := oStore.Create(ctx, store.CreateInput{
		RepositoryURL: "https://github.com/example/repo.git",
		Prompt:        "fix the flaky test",
		Ref:           "main",
		Mode:          store.ModeSingleAgent,
		Options: store.Options{
			MaxParallelAgents: 1,
			Priority:          store.PriorityBalanced,
			TaskSize:          store.TaskSizeAuto,
		},
	})
	require.NoError(t, err)
	return o
}

// TestOrchestrationLifecycle exercises the queued -> running -> completed
// transitions and the error path.
func TestOrchestrationLifecycle(t *testing.T) {
	osStore, _, _, _, _ := newTestStores(t)
	ctx := context.Background()

	o := createTestOrchestration(ctx, t, osStore)
	assert.Equal(t, store.OrchestrationQueued, o.Status)

	require.NoError(t, osStore.MarkRunning(ctx, o.ID))
	fetched, err := osStore.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationRunning, fetched.Status)
	require.NotNil(t, fetched.StartedAt)

	plan := store.TaskPlan{Tasks: []store.Task{{ID: "t1", Description: "step one"}}}
	require.NoError(t, osStore.RecordStarted(ctx, o.ID, "agent-1", plan))

	fetched, err = osStore.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", *fetched.MasterAgentID)
	assert.Equal(t, 1, fetched.TasksTotal)

	require.NoError(t, osStore.IncrementTasksCompleted(ctx, o.ID))
	fetched, err = osStore.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched.TasksCompleted)

	require.NoError(t, osStore.MarkCompleted(ctx, o.ID))
	fetched, err = osStore.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationCompleted, fetched.Status)
}

func TestOrchestrationMarkErrorAndRetry(t *testing.T) {
	osStore, _, _, _, _ := newTestStores(t)
	ctx := context.Background()

	o := createTestOrchestration(ctx, t, osStore)
	require.NoError(t, osStore.MarkError(ctx, o.ID, "CURSOR_API_ERROR", "rate limited", "Job failed after 3 attempts: rate limited"))

	fetched, err := osStore.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationError, fetched.Status)
	assert.Equal(t, "CURSOR_API_ERROR", *fetched.ErrorCode)

	require.NoError(t, osStore.ResetForRetry(ctx, o.ID))
	fetched, err = osStore.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrchestrationQueued, fetched.Status)
	assert.Nil(t, fetched.ErrorCode)
}

func TestOrchestrationGetNotFound(t *testing.T) {
	osStore, _, _, _, _ := newTestStores(t)
	_, err := osStore.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestOutboxClaimNextAtomicity asserts the claim protocol's core invariant:
// a claimed job is no longer available to a second claim call.
func TestOutboxClaimNextAtomicity(t *testing.T) {
	osStore, outbox, _, _, _ := newTestStores(t)
	ctx := context.Background()

	o := createTestOrchestration(ctx, t, osStore)
	_, err := outbox.EnqueueStartOrchestration(ctx, o.ID, store.StartOrchestrationPayload{
		Repository: o.RepositoryURL,
		Prompt:     o.Prompt,
		Ref:        o.Ref,
	}, 3)
	require.NoError(t, err)

	first, err := outbox.ClaimNext(ctx, "worker-a", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, store.OutboxProcessing, first[0].Status)

	second, err := outbox.ClaimNext(ctx, "worker-b", 10)
	require.NoError(t, err)
	assert.Empty(t, second, "job already claimed must not be claimable again")
}

// TestOutboxConcurrentClaimsNoDuplicates spins up concurrent claimers against
// a shared batch of pending jobs and asserts no job is claimed twice.
func TestOutboxConcurrentClaimsNoDuplicates(t *testing.T) {
	osStore, outbox, _, _, _ := newTestStores(t)
	ctx := context.Background()

	jobIDs := make(map[string]struct{})
	for i := 0; i < 5; i++ {
		o := createTestOrchestration(ctx, t, osStore)
		job, err := outbox.EnqueueStartOrchestration(ctx, o.ID, store.StartOrchestrationPayload{
			Repository: o.RepositoryURL,
			Prompt:     o.Prompt,
			Ref:        o.Ref,
		}, 3)
		require.NoError(t, err)
		jobIDs[job.ID] = struct{}{}
	}

	var mu sync.Mutex
	claimed := make([]string, 0, 5)
	errCh := make(chan error, 5)
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			jobs, err := outbox.ClaimNext(ctx, fmt.Sprintf("worker-%d", workerID), 1)
			if err != nil {
				errCh <- fmt.Errorf("worker-%d claim failed: %w", workerID, err)
				return
			}
			mu.Lock()
			for _, j := range jobs {
				claimed = append(claimed, j.ID)
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Len(t, claimed, 5, "all 5 jobs should be claimed exactly once total")
	seen := make(map[string]struct{})
	for _, id := range claimed {
		_, dup := seen[id]
		assert.False(t, dup, "job %s claimed by more than one worker", id)
		seen[id] = struct{}{}
		_, known := jobIDs[id]
		assert.True(t, known, "claimed job %s was not in the original batch", id)
	}
}

func TestOutboxScheduleRetryThenExhaust(t *testing.T) {
	osStore, outbox, _, _, _ := newTestStores(t)
	ctx := context.Background()

	o := createTestOrchestration(ctx, t, osStore)
	job, err := outbox.EnqueueStartOrchestration(ctx, o.ID, store.StartOrchestrationPayload{Repository: o.RepositoryURL, Prompt: o.Prompt}, 2)
	require.NoError(t, err)

	claimed, err := outbox.ClaimNext(ctx, "worker-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	willRetry, err := outbox.ScheduleRetry(ctx, job.ID, time.Millisecond, "connection reset")
	require.NoError(t, err)
	assert.True(t, willRetry, "attempt 1 of 2 should be retried")

	reloaded, err := outbox.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, reloaded.Status)
	assert.Equal(t, 1, reloaded.Attempts)

	claimed, err = outbox.ClaimNext(ctx, "worker-b", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	willRetry, err = outbox.ScheduleRetry(ctx, job.ID, time.Millisecond, "connection reset again")
	require.NoError(t, err)
	assert.False(t, willRetry, "attempt 2 of 2 should exhaust retries")

	reloaded, err = outbox.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, reloaded.Status)
}

func TestOutboxMarkFailedBypassesRetry(t *testing.T) {
	osStore, outbox, _, _, _ := newTestStores(t)
	ctx := context.Background()

	o := createTestOrchestration(ctx, t, osStore)
	job, err := outbox.EnqueueStartOrchestration(ctx, o.ID, store.StartOrchestrationPayload{Repository: o.RepositoryURL, Prompt: o.Prompt}, 3)
	require.NoError(t, err)

	claimed, err := outbox.ClaimNext(ctx, "worker-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, outbox.MarkFailed(ctx, job.ID, "payload field malformed"))

	reloaded, err := outbox.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, reloaded.Status)
	assert.Equal(t, 0, reloaded.Attempts, "MarkFailed bypasses the attempts ladder entirely")
}

func TestOutboxReclaimStuck(t *testing.T) {
	osStore, outbox, _, _, _ := newTestStores(t)
	ctx := context.Background()

	o := createTestOrchestration(ctx, t, osStore)
	job, err := outbox.EnqueueStartOrchestration(ctx, o.ID, store.StartOrchestrationPayload{Repository: o.RepositoryURL, Prompt: o.Prompt}, 3)
	require.NoError(t, err)

	_, err = outbox.ClaimNext(ctx, "dead-worker", 1)
	require.NoError(t, err)

	n, err := outbox.ReclaimStuck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reloaded, err := outbox.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxPending, reloaded.Status)
	assert.Nil(t, reloaded.WorkerID)
}

func TestEventStoreRecordAndList(t *testing.T) {
	osStore, _, events, _, _ := newTestStores(t)
	ctx := context.Background()

	o := createTestOrchestration(ctx, t, osStore)

	phase := store.StepPhaseStart
	require.NoError(t, events.Record(ctx, store.RecordInput{
		OrchestrationID: o.ID,
		Level:           store.EventLevelInfo,
		StepKey:         "start_orchestration",
		StepPhase:       &phase,
		Message:         "orchestration started",
	}))
	require.NoError(t, events.Record(ctx, store.RecordInput{
		OrchestrationID: o.ID,
		Level:           store.EventLevelError,
		StepKey:         "dispatch_task",
		Message:         "dispatch failed",
		Payload:         map[string]any{"code": "NETWORK_ERROR"},
	}))

	list, err := events.ListForOrchestration(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "start_orchestration", list[0].StepKey)
	assert.Equal(t, "dispatch_task", list[1].StepKey)
	assert.Equal(t, "NETWORK_ERROR", list[1].Payload["code"])
}

func TestAgentStateCreateAndMasterLookup(t *testing.T) {
	_, _, _, agents, _ := newTestStores(t)
	ctx := context.Background()

	master, err := agents.Create(ctx, store.CreateAgentStateInput{
		AgentID:         "master-1",
		TaskDescription: "orchestrate the fix",
		Repository:      "example/repo",
		BranchName:      "fix/flaky-test",
		TasksRemaining:  []string{"t1", "t2"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, master.Status)

	la := store.LastAnalysis{CurrentAgentID: "subagent-1", Mode: store.ModePipeline}
	require.NoError(t, agents.Update(ctx, master.AgentID, store.UpdateAgentStateInput{
		Status:         store.AgentActive,
		TasksCompleted: []string{},
		TasksRemaining: []string{"t1", "t2"},
		LastAnalysis:   &la,
	}))

	found, err := agents.FindMasterBySubagent(ctx, "subagent-1")
	require.NoError(t, err)
	assert.Equal(t, "master-1", found.AgentID)

	_, err = agents.FindMasterBySubagent(ctx, "no-such-subagent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentStateIncrementIterationsAndStaleSweep(t *testing.T) {
	_, _, _, agents, _ := newTestStores(t)
	ctx := context.Background()

	agent, err := agents.Create(ctx, store.CreateAgentStateInput{
		AgentID:         "agent-stale",
		TaskDescription: "long running task",
		Repository:      "example/repo",
		BranchName:      "feature/x",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, agent.Iterations)

	agent, err = agents.IncrementIterations(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 1, agent.Iterations)

	future := time.Now().Add(time.Hour)
	stale, err := agents.ListStaleActive(ctx, future)
	require.NoError(t, err)
	require.NotEmpty(t, stale)

	require.NoError(t, agents.MarkTimeout(ctx, agent.AgentID))
	reloaded, err := agents.GetByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTimeout, reloaded.Status)
}

func TestHealthStoreRecordAndLatest(t *testing.T) {
	_, _, _, _, health := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, health.Record(ctx, "outbox-processor", "healthy", "polling normally", map[string]any{"queue_depth": float64(3)}))
	require.NoError(t, health.Record(ctx, "outbox-processor", "degraded", "claim latency elevated", nil))

	latest, err := health.Latest(ctx, "outbox-processor")
	require.NoError(t, err)
	assert.Equal(t, "degraded", latest.Status)

	_, err = health.Latest(ctx, "unknown-service")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
