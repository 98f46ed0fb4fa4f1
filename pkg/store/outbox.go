package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrNoJobsAvailable indicates no pending outbox jobs are ready to claim.
var ErrNoJobsAvailable = errors.New("no outbox jobs available")

// OutboxStore provides the durable job table and its optimistic-lock claim
// protocol (spec §4.2): SELECT ... FOR UPDATE SKIP LOCKED to find candidates,
// then a conditional UPDATE ... WHERE status='pending' so exactly one worker
// observes the pending→processing transition for a given row.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an OutboxStore.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	if db == nil {
		panic("store: db is required")
	}
	return &OutboxStore{db: db}
}

// EnqueueStartOrchestration inserts a pending start-orchestration job for an
// orchestration, runnable immediately.
func (s *OutboxStore) EnqueueStartOrchestration(ctx context.Context, orchestrationID string, payload StartOrchestrationPayload, maxAttempts int) (*OutboxJob, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestration_outbox_jobs
			(id, orchestration_id, type, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $6, $6)
	`, id, orchestrationID, string(OutboxStartOrchestration), string(payloadJSON), maxAttempts, now)
	if err != nil {
		return nil, fmt.Errorf("insert outbox job: %w", err)
	}

	return s.Get(ctx, id)
}

// Get fetches an OutboxJob by id.
func (s *OutboxStore) Get(ctx context.Context, id string) (*OutboxJob, error) {
	row := s.db.QueryRowContext(ctx, selectOutboxColumns+` WHERE id = $1`, id)
	return scanOutboxJob(row)
}

const selectOutboxColumns = `
	SELECT id, orchestration_id, type, payload, status, attempts, max_attempts,
		   next_run_at, last_error, worker_id, created_at, updated_at
	FROM orchestration_outbox_jobs`

func scanOutboxJob(row scanner) (*OutboxJob, error) {
	var j OutboxJob
	var payloadJSON []byte
	var typ, status string

	err := row.Scan(
		&j.ID, &j.OrchestrationID, &typ, &payloadJSON, &status, &j.Attempts, &j.MaxAttempts,
		&j.NextRunAt, &j.LastError, &j.WorkerID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan outbox job: %w", err)
	}

	j.Type = OutboxJobType(typ)
	j.Status = OutboxJobStatus(status)

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	return &j, nil
}

// ClaimNext selects up to `limit` pending, due rows under FOR UPDATE SKIP
// LOCKED, then atomically claims each one with a conditional UPDATE bound to
// workerID. Only rows where the UPDATE affects exactly one record are
// returned as successfully claimed; rows claimed by a concurrent worker
// between the SELECT and the UPDATE are silently skipped.
func (s *OutboxStore) ClaimNext(ctx context.Context, workerID string, limit int) ([]*OutboxJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM orchestration_outbox_jobs
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}

	var candidateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now().UTC()
	claimed := make([]*OutboxJob, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE orchestration_outbox_jobs
			SET status = 'processing', worker_id = $2, updated_at = $3
			WHERE id = $1 AND status = 'pending'
		`, id, workerID, now)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected for job %s: %w", id, err)
		}
		if n != 1 {
			continue // lost the race to another worker
		}

		job, err := scanOutboxJob(tx.QueryRowContext(ctx, selectOutboxColumns+` WHERE id = $1`, id))
		if err != nil {
			return nil, fmt.Errorf("reload claimed job %s: %w", id, err)
		}
		claimed = append(claimed, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	return claimed, nil
}

// MarkCompleted transitions a job to its terminal completed state.
func (s *OutboxStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_outbox_jobs SET status = 'completed', updated_at = now() WHERE id = $1
	`, id)
	return err
}

// ScheduleRetry increments attempts and, if under max_attempts, reschedules
// the job at now + base_delay*2^(attempts-1); otherwise marks it failed.
// Returns true if the job will be retried, false if it is now terminally failed.
func (s *OutboxStore) ScheduleRetry(ctx context.Context, id string, baseDelay time.Duration, lastError string) (bool, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	attempts := job.Attempts + 1
	if attempts < job.MaxAttempts {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempts-1)))
		_, err := s.db.ExecContext(ctx, `
			UPDATE orchestration_outbox_jobs
			SET status = 'pending', attempts = $2, next_run_at = $3, last_error = $4, worker_id = NULL, updated_at = now()
			WHERE id = $1
		`, id, attempts, time.Now().UTC().Add(delay), lastError)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE orchestration_outbox_jobs
		SET status = 'failed', attempts = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, attempts, lastError)
	if err != nil {
		return false, err
	}
	return false, nil
}

// MarkFailed transitions a job directly to its terminal failed state,
// bypassing the attempts/backoff ladder. Used for classifications the
// processor knows are non-retryable (e.g. VALIDATION_ERROR) — retrying a
// job that cannot possibly succeed only delays the terminal orchestration
// error.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_outbox_jobs
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, lastError)
	return err
}

// CountByStatus returns the number of outbox jobs currently in status,
// the queue-depth gauge the Heartbeat component reports (spec §6.3).
func (s *OutboxStore) CountByStatus(ctx context.Context, status OutboxJobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM orchestration_outbox_jobs WHERE status = $1
	`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox jobs by status: %w", err)
	}
	return n, nil
}

// ReclaimStuck resets jobs stuck in 'processing' with a stale updated_at
// (owned by a worker that died mid-job, per spec §9 open question 1) back
// to 'pending'. Returns the number of rows reclaimed.
func (s *OutboxStore) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_outbox_jobs
		SET status = 'pending', worker_id = NULL, updated_at = now()
		WHERE status = 'processing' AND updated_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck jobs: %w", err)
	}
	return res.RowsAffected()
}
