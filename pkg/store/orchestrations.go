package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrchestrationStore provides typed CRUD over the orchestrations table.
type OrchestrationStore struct {
	db *sql.DB
}

// NewOrchestrationStore constructs an OrchestrationStore. Panics if db is nil,
// matching the teacher's constructor nil-check convention.
func NewOrchestrationStore(db *sql.DB) *OrchestrationStore {
	if db == nil {
		panic("store: db is required")
	}
	return &OrchestrationStore{db: db}
}

// CreateInput describes a new Orchestration to insert in status=queued.
type CreateInput struct {
	RepositoryURL string
	Prompt        string
	Ref           string
	Model         *string
	Mode          Mode
	Options       Options
}

// Create inserts a new queued Orchestration and returns its assigned ID.
func (s *OrchestrationStore) Create(ctx context.Context, in CreateInput) (*Orchestration, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	optionsJSON, err := json.Marshal(in.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestrations
			(id, repository_url, prompt, prompt_length, ref, model, mode, status, options, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', $8, '{}'::jsonb, $9, $9)
	`, id, in.RepositoryURL, in.Prompt, len(in.Prompt), in.Ref, in.Model, string(in.Mode), string(optionsJSON), now)
	if err != nil {
		return nil, fmt.Errorf("insert orchestration: %w", err)
	}

	return s.Get(ctx, id)
}

// Get fetches an Orchestration by id.
func (s *OrchestrationStore) Get(ctx context.Context, id string) (*Orchestration, error) {
	return s.scanOne(ctx, s.db, `
		SELECT id, master_agent_id, repository_url, prompt, prompt_length, ref, model, mode, status,
			   tasks_total, tasks_completed, active_agents, metadata, options,
			   error_code, error_message, error_summary, created_at, started_at, updated_at
		FROM orchestrations WHERE id = $1
	`, id)
}

// GetByMasterAgentID fetches the Orchestration whose master_agent_id
// matches agentID, the lookup the Orchestrator needs to recover an
// orchestration's repository/ref/options from a bare webhook event.
func (s *OrchestrationStore) GetByMasterAgentID(ctx context.Context, agentID string) (*Orchestration, error) {
	return s.scanOne(ctx, s.db, `
		SELECT id, master_agent_id, repository_url, prompt, prompt_length, ref, model, mode, status,
			   tasks_total, tasks_completed, active_agents, metadata, options,
			   error_code, error_message, error_summary, created_at, started_at, updated_at
		FROM orchestrations WHERE master_agent_id = $1
	`, agentID)
}

func (s *OrchestrationStore) scanOne(ctx context.Context, q querier, query string, args ...any) (*Orchestration, error) {
	row := q.QueryRowContext(ctx, query, args...)
	return scanOrchestration(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrchestration(row scanner) (*Orchestration, error) {
	var o Orchestration
	var metadataJSON, optionsJSON []byte
	var mode, status string

	err := row.Scan(
		&o.ID, &o.MasterAgentID, &o.RepositoryURL, &o.Prompt, &o.PromptLength, &o.Ref, &o.Model,
		&mode, &status, &o.TasksTotal, &o.TasksCompleted, &o.ActiveAgents, &metadataJSON, &optionsJSON,
		&o.ErrorCode, &o.ErrorMessage, &o.ErrorSummary, &o.CreatedAt, &o.StartedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan orchestration: %w", err)
	}

	o.Mode = Mode(mode)
	o.Status = OrchestrationStatus(status)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &o.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &o.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}

	return &o, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MarkRunning transitions an Orchestration from queued to running.
func (s *OrchestrationStore) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET status = 'running', started_at = $2, updated_at = $2 WHERE id = $1
	`, id, now)
	return err
}

// RecordStarted persists the master agent id and frozen task plan once
// start_orchestration succeeds, and sets tasks_total.
func (s *OrchestrationStore) RecordStarted(ctx context.Context, id, masterAgentID string, plan TaskPlan) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal task plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE orchestrations
		SET master_agent_id = $2, metadata = $3, tasks_total = $4, updated_at = now()
		WHERE id = $1
	`, id, masterAgentID, string(planJSON), len(plan.Tasks))
	return err
}

// MarkCompleted transitions an Orchestration to completed.
func (s *OrchestrationStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET status = 'completed', updated_at = now() WHERE id = $1
	`, id)
	return err
}

// MarkError transitions an Orchestration to error with a classified code,
// message, and a human summary ("Job failed after N attempts: <msg>").
func (s *OrchestrationStore) MarkError(ctx context.Context, id, code, message, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations
		SET status = 'error', error_code = $2, error_message = $3, error_summary = $4, updated_at = now()
		WHERE id = $1
	`, id, code, message, summary)
	return err
}

// IncrementTasksCompleted bumps tasks_completed by one.
func (s *OrchestrationStore) IncrementTasksCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET tasks_completed = tasks_completed + 1, updated_at = now() WHERE id = $1
	`, id)
	return err
}

// SetActiveAgents sets the active_agents counter (best-effort observability,
// not used for concurrency control — the in-memory active-subagent set is
// authoritative for that).
func (s *OrchestrationStore) SetActiveAgents(ctx context.Context, id string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET active_agents = $2, updated_at = now() WHERE id = $1
	`, id, count)
	return err
}

// ResetForRetry resets a terminal 'error' Orchestration back to 'queued',
// clearing error fields, for the fix-and-retry administrative path (spec §7).
func (s *OrchestrationStore) ResetForRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations
		SET status = 'queued', error_code = NULL, error_message = NULL, error_summary = NULL, updated_at = now()
		WHERE id = $1 AND status = 'error'
	`, id)
	return err
}
