package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProgressRecord is one row of processor_progress.
type ProgressRecord struct {
	ProcessorID  string
	InstanceID   string
	Status       Status
	LastPosition int64
	ErrorCount   int
	LastError    *string
	LastErrorAt  *time.Time
	UpdatedAt    time.Time
}

// ProgressStore persists per-processor positions and lifecycle state. Only
// the current leader for a processor writes its record; anyone may read.
type ProgressStore struct {
	pool *pgxpool.Pool
}

// NewProgressStore creates a progress store over the pool.
func NewProgressStore(pool *pgxpool.Pool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// AutoRegister creates the processor's record if it does not exist yet and
// stamps the owning instance. Existing position and status are preserved so
// a restarted leader resumes where the previous one stopped.
func (ps *ProgressStore) AutoRegister(ctx context.Context, processorID, instanceID string) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO processor_progress (processor_id, instance_id, status, last_position, error_count, updated_at)
		VALUES ($1, $2, 'ACTIVE', 0, 0, now())
		ON CONFLICT (processor_id) DO UPDATE SET instance_id = $2, updated_at = now()
	`, processorID, instanceID)
	if err != nil {
		return fmt.Errorf("register processor %s: %w", processorID, err)
	}
	return nil
}

// GetLastPosition returns the highest position the processor has completed.
func (ps *ProgressStore) GetLastPosition(ctx context.Context, processorID string) (int64, error) {
	var position int64
	err := ps.pool.QueryRow(ctx,
		"SELECT last_position FROM processor_progress WHERE processor_id = $1",
		processorID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("get last position for %s: %w", processorID, err)
	}
	return position, nil
}

// UpdateProgress advances the processor's position.
func (ps *ProgressStore) UpdateProgress(ctx context.Context, processorID string, position int64) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE processor_progress SET last_position = $2, updated_at = now()
		WHERE processor_id = $1
	`, processorID, position)
	if err != nil {
		return fmt.Errorf("update progress for %s: %w", processorID, err)
	}
	return nil
}

// RecordError increments the error counter and stores the message. When the
// counter reaches maxErrors the processor transitions to FAILED and stops
// being polled until an operator resets it.
func (ps *ProgressStore) RecordError(ctx context.Context, processorID, message string, maxErrors int) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE processor_progress SET
			error_count = error_count + 1,
			last_error = $2,
			last_error_at = now(),
			status = CASE WHEN error_count + 1 >= $3 THEN 'FAILED' ELSE status END,
			updated_at = now()
		WHERE processor_id = $1
	`, processorID, message, maxErrors)
	if err != nil {
		return fmt.Errorf("record error for %s: %w", processorID, err)
	}
	return nil
}

// ResetErrorCount clears the error counter after a successful batch.
func (ps *ProgressStore) ResetErrorCount(ctx context.Context, processorID string) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE processor_progress SET error_count = 0, last_error = NULL, last_error_at = NULL, updated_at = now()
		WHERE processor_id = $1
	`, processorID)
	if err != nil {
		return fmt.Errorf("reset error count for %s: %w", processorID, err)
	}
	return nil
}

// GetStatus returns the processor's lifecycle state.
func (ps *ProgressStore) GetStatus(ctx context.Context, processorID string) (Status, error) {
	var status Status
	err := ps.pool.QueryRow(ctx,
		"SELECT status FROM processor_progress WHERE processor_id = $1",
		processorID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("get status for %s: %w", processorID, err)
	}
	return status, nil
}

// SetStatus transitions the processor's lifecycle state.
func (ps *ProgressStore) SetStatus(ctx context.Context, processorID string, status Status) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE processor_progress SET status = $2, updated_at = now()
		WHERE processor_id = $1
	`, processorID, string(status))
	if err != nil {
		return fmt.Errorf("set status for %s: %w", processorID, err)
	}
	return nil
}

// Get returns the full progress record for one processor.
func (ps *ProgressStore) Get(ctx context.Context, processorID string) (ProgressRecord, error) {
	var rec ProgressRecord
	err := ps.pool.QueryRow(ctx, `
		SELECT processor_id, instance_id, status, last_position, error_count, last_error, last_error_at, updated_at
		FROM processor_progress WHERE processor_id = $1
	`, processorID).Scan(&rec.ProcessorID, &rec.InstanceID, &rec.Status, &rec.LastPosition,
		&rec.ErrorCount, &rec.LastError, &rec.LastErrorAt, &rec.UpdatedAt)
	if err != nil {
		return ProgressRecord{}, fmt.Errorf("get progress for %s: %w", processorID, err)
	}
	return rec, nil
}

// All returns progress records for every registered processor.
func (ps *ProgressStore) All(ctx context.Context) ([]ProgressRecord, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT processor_id, instance_id, status, last_position, error_count, last_error, last_error_at, updated_at
		FROM processor_progress ORDER BY processor_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var records []ProgressRecord
	for rows.Next() {
		var rec ProgressRecord
		if err := rows.Scan(&rec.ProcessorID, &rec.InstanceID, &rec.Status, &rec.LastPosition,
			&rec.ErrorCount, &rec.LastError, &rec.LastErrorAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list progress: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return records, nil
}
