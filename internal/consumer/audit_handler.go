package consumer

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditHandler appends every consumed event to the adherence_event_log table
// for downstream auditing and replay.
type AuditHandler struct {
	pool *pgxpool.Pool
}

// NewAuditHandler constructs a handler backed by the provided pool.
func NewAuditHandler(pool *pgxpool.Pool) *AuditHandler {
	return &AuditHandler{pool: pool}
}

// Handle stores the raw event payload with its Kafka coordinates.
func (h *AuditHandler) Handle(ctx context.Context, msg Message) error {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO adherence_event_log (event_type, tenant_id, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		msg.EventType,
		msg.TenantID,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		msg.Timestamp,
	)
	return err
}
