package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQWriter parks events the dispatcher could not deliver. Parked rows keep
// the full routing envelope so the DLQ manager can replay them through the
// outbox unchanged once the failure clears.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter constructs a writer on the shared connection pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Write records one undeliverable event with the failure reason. The row is
// immediately eligible for retry; backoff is applied by the DLQ manager on
// subsequent failures.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", msg.TenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox_dlq (tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`,
		msg.TenantID, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason, msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
