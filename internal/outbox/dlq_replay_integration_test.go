//go:build integration

package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestDLQReplayRepublishesToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	tenantID := uuid.NewString()
	userID := uuid.NewString()
	instanceGUID := uuid.NewString()

	payload := map[string]any{
		"app_id":          tenantID,
		"study_id":        "study-replay",
		"user_id":         userID,
		"instance_guid":   instanceGUID,
		"record_type":     "session",
		"event_timestamp": time.Now().UTC().Truncate(time.Second),
	}
	insertOutboxPayload(t, ctx, pool, tenantID, instanceGUID, payload)

	registry := &stubRegistry{id: 100}

	// 1. Initial dispatch fails and moves the message to the DLQ.
	failingProducer := &stubProducer{err: errors.New("upstream kafka unavailable")}
	dispatcher := NewDispatcher(pool, failingProducer, registry, 5*time.Millisecond, 10)
	require.NoError(t, dispatcher.processBatch(ctx))

	var dlqCount int
	err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount)
	require.NoError(t, err)
	require.Equal(t, 1, dlqCount, "expected message routed to DLQ on failure")

	// 2. Requeue the DLQ entry.
	manager := NewDLQManager(pool, 5, time.Second)
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)

	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount)
	require.NoError(t, err)
	require.Equal(t, 0, dlqCount, "expected DLQ cleared after requeue")

	// 3. Second dispatch against a real broker delivers the replayed event.
	kContainer, err := kafkacontainer.RunContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kContainer.Terminate(context.Background()) })

	brokers, err := kContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	broker := brokers[0]

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{
		Topic:             "session_completions",
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	producer := NewKafkaProducer([]string{broker})
	defer producer.Close()

	dispatcher = NewDispatcher(pool, producer, registry, 5*time.Millisecond, 10)
	require.NoError(t, dispatcher.processBatch(ctx))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{broker},
		Topic:    "session_completions",
		GroupID:  "dlq-replay-test",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	msg, err := reader.FetchMessage(ctx)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(msg.Value), 5, "expected Confluent wire framing")
	require.EqualValues(t, 0, msg.Value[0])
	require.EqualValues(t, 100, binary.BigEndian.Uint32(msg.Value[1:5]))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value[5:], &decoded))
	require.Equal(t, instanceGUID, decoded["instance_guid"])
	require.Equal(t, tenantID, decoded["app_id"])

	headerValues := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headerValues[h.Key] = string(h.Value)
	}
	require.Equal(t, "adherence.session_finished", headerValues["event_type"])
	require.Equal(t, tenantID, headerValues["tenant_id"])
	require.Equal(t, "session_completions-value", headerValues["schema_subject"])
}

func insertOutboxPayload(t *testing.T, ctx context.Context, pool *pgxpool.Pool, tenantID, aggregateID string, payload map[string]any) {
	t.Helper()

	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID)
	require.NoError(t, err)

	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tenantID,
		"adherence_record",
		aggregateID,
		"adherence.session_finished",
		"session_completions",
		"session_completions-value",
		fmt.Sprintf("%s:%s", tenantID, aggregateID),
		payloadBytes,
	)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
}
