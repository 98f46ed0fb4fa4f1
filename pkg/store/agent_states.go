package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentStateStore provides typed CRUD over per-agent coordination state,
// including the reverse lookup "master-by-subagent" used by the
// Orchestrator's routing rules (spec §4.4 step 2).
type AgentStateStore struct {
	db *sql.DB
}

// NewAgentStateStore constructs an AgentStateStore.
func NewAgentStateStore(db *sql.DB) *AgentStateStore {
	if db == nil {
		panic("store: db is required")
	}
	return &AgentStateStore{db: db}
}

const selectAgentStateColumns = `
	SELECT id, agent_id, task_description, branch_name, repository, iterations, status,
		   tasks_completed, tasks_remaining, last_analysis, created_at, updated_at
	FROM agent_orchestrator_states`

func scanAgentState(row scanner) (*AgentState, error) {
	var s AgentState
	var status string
	var tasksCompletedJSON, tasksRemainingJSON, lastAnalysisJSON []byte

	err := row.Scan(
		&s.ID, &s.AgentID, &s.TaskDescription, &s.BranchName, &s.Repository, &s.Iterations, &status,
		&tasksCompletedJSON, &tasksRemainingJSON, &lastAnalysisJSON, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent state: %w", err)
	}

	s.Status = AgentStatus(status)

	if len(tasksCompletedJSON) > 0 {
		if err := json.Unmarshal(tasksCompletedJSON, &s.TasksCompleted); err != nil {
			return nil, fmt.Errorf("unmarshal tasks_completed: %w", err)
		}
	}
	if len(tasksRemainingJSON) > 0 {
		if err := json.Unmarshal(tasksRemainingJSON, &s.TasksRemaining); err != nil {
			return nil, fmt.Errorf("unmarshal tasks_remaining: %w", err)
		}
	}
	if len(lastAnalysisJSON) > 0 {
		var la LastAnalysis
		if err := json.Unmarshal(lastAnalysisJSON, &la); err != nil {
			return nil, fmt.Errorf("unmarshal last_analysis: %w", err)
		}
		s.LastAnalysis = &la
	}

	return &s, nil
}

// CreateAgentStateInput describes a new AgentState to insert at orchestration start.
type CreateAgentStateInput struct {
	AgentID         string
	TaskDescription string
	Repository      string
	BranchName      string
	TasksRemaining  []string
}

// Create inserts a new ACTIVE AgentState.
func (s *AgentStateStore) Create(ctx context.Context, in CreateAgentStateInput) (*AgentState, error) {
	tasksRemaining := in.TasksRemaining
	if tasksRemaining == nil {
		tasksRemaining = []string{}
	}
	remainingJSON, err := json.Marshal(tasksRemaining)
	if err != nil {
		return nil, fmt.Errorf("marshal tasks_remaining: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_orchestrator_states
			(agent_id, task_description, branch_name, repository, iterations, status, tasks_completed, tasks_remaining, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 'ACTIVE', '[]'::jsonb, $5, now(), now())
		ON CONFLICT (agent_id) DO NOTHING
	`, in.AgentID, in.TaskDescription, in.BranchName, in.Repository, string(remainingJSON))
	if err != nil {
		return nil, fmt.Errorf("insert agent state: %w", err)
	}

	return s.GetByAgentID(ctx, in.AgentID)
}

// GetByAgentID fetches AgentState by agent_id.
func (s *AgentStateStore) GetByAgentID(ctx context.Context, agentID string) (*AgentState, error) {
	row := s.db.QueryRowContext(ctx, selectAgentStateColumns+` WHERE agent_id = $1`, agentID)
	return scanAgentState(row)
}

// FindMasterBySubagent performs the reverse lookup: an agent is a subagent
// of a master when it appears in the master's last_analysis.currentAgentId.
// Returns ErrNotFound if no master references it (i.e. the agent_id is
// itself a master or a standalone SINGLE_AGENT).
func (s *AgentStateStore) FindMasterBySubagent(ctx context.Context, subagentID string) (*AgentState, error) {
	row := s.db.QueryRowContext(ctx, selectAgentStateColumns+`
		WHERE last_analysis->>'currentAgentId' = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, subagentID)
	return scanAgentState(row)
}

// IncrementIterations bumps iterations by one and returns the updated state.
func (s *AgentStateStore) IncrementIterations(ctx context.Context, agentID string) (*AgentState, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_orchestrator_states SET iterations = iterations + 1, updated_at = now() WHERE agent_id = $1
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("increment iterations: %w", err)
	}
	return s.GetByAgentID(ctx, agentID)
}

// UpdateAgentStateInput describes a read-modify-write update to AgentState, applied
// under the per-agent-id lock held by the caller (pkg/orchestrator.LockRegistry).
type UpdateAgentStateInput struct {
	Status         AgentStatus
	TasksCompleted []string
	TasksRemaining []string
	LastAnalysis   *LastAnalysis
	// BranchName, when non-empty, overwrites the stored branch — the
	// remote agent's working branch is only known once it starts reporting
	// status, not at creation time. Left "" leaves the stored value alone.
	BranchName string
}

// Update writes a new snapshot of mutable AgentState fields.
func (s *AgentStateStore) Update(ctx context.Context, agentID string, in UpdateAgentStateInput) error {
	completedJSON, err := json.Marshal(in.TasksCompleted)
	if err != nil {
		return fmt.Errorf("marshal tasks_completed: %w", err)
	}
	remainingJSON, err := json.Marshal(in.TasksRemaining)
	if err != nil {
		return fmt.Errorf("marshal tasks_remaining: %w", err)
	}
	var lastAnalysisJSON []byte
	if in.LastAnalysis != nil {
		lastAnalysisJSON, err = json.Marshal(in.LastAnalysis)
		if err != nil {
			return fmt.Errorf("marshal last_analysis: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE agent_orchestrator_states
		SET status = $2, tasks_completed = $3, tasks_remaining = $4, last_analysis = $5,
		    branch_name = COALESCE(NULLIF($6, ''), branch_name), updated_at = now()
		WHERE agent_id = $1
	`, agentID, string(in.Status), string(completedJSON), string(remainingJSON), lastAnalysisJSON, in.BranchName)
	return err
}

// ListStaleActive returns ACTIVE agents whose updated_at is older than the
// given cutoff — the Stuck-Agent Reaper's sweep (spec §4.8).
func (s *AgentStateStore) ListStaleActive(ctx context.Context, cutoff time.Time) ([]*AgentState, error) {
	rows, err := s.db.QueryContext(ctx, selectAgentStateColumns+`
		WHERE status = 'ACTIVE' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale active agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []*AgentState
	for rows.Next() {
		st, err := scanAgentState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// CountByStatus returns the number of agent states currently in status, the
// active-agent gauge the Heartbeat component reports (spec §6.3).
func (s *AgentStateStore) CountByStatus(ctx context.Context, status AgentStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM agent_orchestrator_states WHERE status = $1
	`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agent states by status: %w", err)
	}
	return n, nil
}

// MarkTimeout transitions an AgentState to TIMEOUT (used by the reaper).
func (s *AgentStateStore) MarkTimeout(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_orchestrator_states SET status = 'TIMEOUT', updated_at = now() WHERE agent_id = $1
	`, agentID)
	return err
}
