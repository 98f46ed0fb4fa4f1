package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// HealthStore is the append-only write path for periodic HealthRecord
// heartbeats (spec §3, §4's Heartbeat & Diagnostics component).
type HealthStore struct {
	db *sql.DB
}

// NewHealthStore constructs a HealthStore.
func NewHealthStore(db *sql.DB) *HealthStore {
	if db == nil {
		panic("store: db is required")
	}
	return &HealthStore{db: db}
}

// Record appends a HealthRecord heartbeat.
func (s *HealthStore) Record(ctx context.Context, service, status, message string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal health payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_health_events (service, status, message, payload, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, service, status, message, payloadJSON)
	return err
}

// Latest returns the most recent HealthRecord for a service, or ErrNotFound.
func (s *HealthStore) Latest(ctx context.Context, service string) (*HealthRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service, status, message, payload, created_at
		FROM service_health_events
		WHERE service = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, service)

	var h HealthRecord
	var payloadJSON []byte
	if err := row.Scan(&h.ID, &h.Service, &h.Status, &h.Message, &payloadJSON, &h.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan health record: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &h.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal health payload: %w", err)
		}
	}
	return &h, nil
}
