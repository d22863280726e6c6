package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// outboxEvent is one domain event queued for the dispatcher inside the same
// transaction as the write that produced it.
type outboxEvent struct {
	AppID         string
	AggregateType string
	AggregateID   string
	EventType     string
	PartitionKey  string
	Payload       any
}

// eventMetadata describes how to route an outbox event.
type eventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]eventMetadata{
	"activity_event.updated": {
		Topic:         "study_activity_events",
		SchemaSubject: "study_activity_events-value",
	},
	"adherence.record_upserted": {
		Topic:         "adherence_records",
		SchemaSubject: "adherence_records-value",
	},
	"adherence.session_finished": {
		Topic:         "session_completions",
		SchemaSubject: "session_completions-value",
	},
	"adherence.assessment_finished": {
		Topic:         "session_completions",
		SchemaSubject: "session_completions-value",
	},
}

func insertOutbox(ctx context.Context, tx pgx.Tx, event outboxEvent) error {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[event.EventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", event.EventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s", event.AggregateID, event.EventType)

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		event.AppID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		meta.Topic,
		meta.SchemaSubject,
		event.PartitionKey,
		body,
		dedupeKey,
	)
	return err
}

func setTenant(ctx context.Context, tx pgx.Tx, appID string) error {
	_, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", appID)
	return err
}
