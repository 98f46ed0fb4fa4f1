package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// EventStore is the append-only write path for Event records (spec §3).
// The teacher's equivalent concern also fans events out over a WebSocket
// pub/sub layer for the live UI; that layer has no counterpart here (the
// HTTP UI is an out-of-scope external collaborator), so only the durable
// write path is kept.
type EventStore struct {
	db *sql.DB
}

// NewEventStore constructs an EventStore.
func NewEventStore(db *sql.DB) *EventStore {
	if db == nil {
		panic("store: db is required")
	}
	return &EventStore{db: db}
}

// RecordInput describes a new Event to append.
type RecordInput struct {
	OrchestrationID string
	Level           EventLevel
	StepKey         string
	StepPhase       *StepPhase
	Message         string
	Payload         map[string]any
}

// Record appends an Event. Per spec §7's propagation policy, failures here
// are expected to be logged and swallowed by the caller rather than
// propagated — event writes must never fail an otherwise-successful step.
func (s *EventStore) Record(ctx context.Context, in RecordInput) error {
	var payloadJSON []byte
	if in.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(in.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}

	var phase *string
	if in.StepPhase != nil {
		p := string(*in.StepPhase)
		phase = &p
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestration_events (orchestration_id, level, step_key, step_phase, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, in.OrchestrationID, string(in.Level), in.StepKey, phase, in.Message, payloadJSON)
	return err
}

// ListForOrchestration returns events for an orchestration ordered by
// created_at, then by id on ties (insertion order), matching the append-only
// ordering guarantee of spec §5.
func (s *EventStore) ListForOrchestration(ctx context.Context, orchestrationID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, orchestration_id, level, step_key, step_phase, message, payload, created_at
		FROM orchestration_events
		WHERE orchestration_id = $1
		ORDER BY created_at ASC, id ASC
	`, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		var level string
		var phase *string
		var payloadJSON []byte

		if err := rows.Scan(&e.ID, &e.OrchestrationID, &level, &e.StepKey, &phase, &e.Message, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Level = EventLevel(level)
		if phase != nil {
			p := StepPhase(*phase)
			e.StepPhase = &p
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
