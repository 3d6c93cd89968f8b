package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/domain/execution"
	"switchyard/internal/metrics"
	"switchyard/pkg/errors"
)

var _ execution.QueueMirror = (*QueueMirrorRepository)(nil)

// QueueMirrorRepository keeps a durable copy of every queued record so a
// restart can rehydrate the queue
type QueueMirrorRepository struct {
	db DBTX
}

func NewQueueMirrorRepository(db DBTX) *QueueMirrorRepository {
	return &QueueMirrorRepository{db: db}
}

// Upsert writes the record's current state, including its attempt number
func (r *QueueMirrorRepository) Upsert(ctx context.Context, rec *execution.Record) (err error) {
	defer observe("queue_mirror_upsert", time.Now(), &err)

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}

	query := `
		INSERT INTO queue_mirror (
			id, tool_id, priority, status, attempt, available_at, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			priority     = EXCLUDED.priority,
			status       = EXCLUDED.status,
			attempt      = EXCLUDED.attempt,
			available_at = EXCLUDED.available_at,
			payload      = EXCLUDED.payload,
			updated_at   = now()`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.Request.ToolID, rec.Request.Priority, rec.Status,
		rec.Attempt, rec.AvailableAt, string(payload), rec.CreatedAt,
	)
	return err
}

// Delete removes a finished record
func (r *QueueMirrorRepository) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer observe("queue_mirror_delete", time.Now(), &err)

	_, err = r.db.ExecContext(ctx, `DELETE FROM queue_mirror WHERE id = $1`, id)
	return err
}

// LoadPending returns every mirrored record, oldest first
func (r *QueueMirrorRepository) LoadPending(ctx context.Context) (recs []*execution.Record, err error) {
	defer observe("queue_mirror_load", time.Now(), &err)

	var payloads [][]byte
	if err := r.db.SelectContext(ctx, &payloads, `SELECT payload FROM queue_mirror ORDER BY created_at, id`); err != nil {
		return nil, err
	}

	recs = make([]*execution.Record, 0, len(payloads))
	for _, p := range payloads {
		var rec execution.Record
		if err := json.Unmarshal(p, &rec); err != nil {
			return nil, errors.Wrap(err, "unmarshal mirrored record")
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

func observe(operation string, start time.Time, err *error) {
	metrics.RecordDBQuery("postgres", operation, time.Since(start), *err)
}
