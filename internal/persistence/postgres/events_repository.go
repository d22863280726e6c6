// Package postgres provides pgx-backed persistence for the adherence engine.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/adherence/internal/domain"
)

// EventRepository stores activity events, their history, and the outbox rows
// their updates produce, all in Postgres.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// GetEvent returns the current view of one event, or nil when the key has
// never been written.
func (r *EventRepository) GetEvent(ctx context.Context, appID string, scope domain.EventScope, studyID, userID, eventID string) (*domain.StoredEvent, error) {
	const query = `SELECT event_id, event_timestamp, record_count
        FROM activity_events
        WHERE app_id=$1 AND scope=$2 AND study_id=$3 AND user_id=$4 AND event_id=$5`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, query, appID, scope, scopedStudyID(scope, studyID), userID, eventID)
	event, err := scanStoredEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEvents returns every event key ever written for the participant in the
// given scope, including deleted keys with a null current value.
func (r *EventRepository) ListEvents(ctx context.Context, appID string, scope domain.EventScope, studyID, userID string) ([]domain.StoredEvent, error) {
	const query = `SELECT event_id, event_timestamp, record_count
        FROM activity_events
        WHERE app_id=$1 AND scope=$2 AND study_id=$3 AND user_id=$4
        ORDER BY event_id`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, appID, scope, scopedStudyID(scope, studyID), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StoredEvent
	for rows.Next() {
		event, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// EventHistory returns the ordered accepted writes for one event key.
func (r *EventRepository) EventHistory(ctx context.Context, appID string, scope domain.EventScope, studyID, userID, eventID string) ([]domain.EventHistoryEntry, error) {
	const query = `SELECT event_timestamp, recorded_at
        FROM activity_event_history
        WHERE app_id=$1 AND scope=$2 AND study_id=$3 AND user_id=$4 AND event_id=$5
        ORDER BY recorded_at, history_id`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, appID, scope, scopedStudyID(scope, studyID), userID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EventHistoryEntry
	for rows.Next() {
		var entry domain.EventHistoryEntry
		if err := rows.Scan(&entry.Timestamp, &entry.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// PutEvent conditionally writes a new current value. The write succeeds only
// if the stored value still matches expected, so mutability decisions made
// against a stale snapshot surface as domain.ErrConflict.
func (r *EventRepository) PutEvent(ctx context.Context, appID string, scope domain.EventScope, studyID, userID, eventID string, ts time.Time, expected *time.Time) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return err
	}

	study := scopedStudyID(scope, studyID)
	var tag int64
	if expected == nil {
		const stmt = `INSERT INTO activity_events (app_id, scope, study_id, user_id, event_id, event_timestamp, record_count, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6,1,NOW())
            ON CONFLICT (app_id, scope, study_id, user_id, event_id)
            DO UPDATE SET event_timestamp = EXCLUDED.event_timestamp,
                          record_count = activity_events.record_count + 1,
                          updated_at = NOW()
            WHERE activity_events.event_timestamp IS NULL`
		result, err := tx.Exec(ctx, stmt, appID, scope, study, userID, eventID, ts)
		if err != nil {
			return err
		}
		tag = result.RowsAffected()
	} else {
		const stmt = `UPDATE activity_events
            SET event_timestamp=$6, record_count=record_count+1, updated_at=NOW()
            WHERE app_id=$1 AND scope=$2 AND study_id=$3 AND user_id=$4 AND event_id=$5 AND event_timestamp=$7`
		result, err := tx.Exec(ctx, stmt, appID, scope, study, userID, eventID, ts, *expected)
		if err != nil {
			return err
		}
		tag = result.RowsAffected()
	}
	if tag == 0 {
		return domain.ErrConflict
	}

	const historyStmt = `INSERT INTO activity_event_history (app_id, scope, study_id, user_id, event_id, event_timestamp, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6,NOW())`
	if _, err := tx.Exec(ctx, historyStmt, appID, scope, study, userID, eventID, ts); err != nil {
		return err
	}

	if scope == domain.ScopeStudy {
		err = insertOutbox(ctx, tx, outboxEvent{
			AppID:         appID,
			AggregateType: "activity_event",
			AggregateID:   eventID,
			EventType:     "activity_event.updated",
			PartitionKey:  appID + ":" + userID,
			Payload: activityEventUpdated{
				AppID:     appID,
				StudyID:   studyID,
				UserID:    userID,
				EventID:   eventID,
				Timestamp: ts,
			},
		})
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ClearEvent nulls the current value while retaining history. Like PutEvent
// it is conditional on the previously observed value.
func (r *EventRepository) ClearEvent(ctx context.Context, appID string, scope domain.EventScope, studyID, userID, eventID string, expected *time.Time) error {
	if expected == nil {
		// Nothing to clear; deleting an absent key is NotFound.
		return domain.ErrNotFound
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return err
	}

	const stmt = `UPDATE activity_events
        SET event_timestamp=NULL, updated_at=NOW()
        WHERE app_id=$1 AND scope=$2 AND study_id=$3 AND user_id=$4 AND event_id=$5 AND event_timestamp=$6`
	result, err := tx.Exec(ctx, stmt, appID, scope, scopedStudyID(scope, studyID), userID, eventID, *expected)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return tx.Commit(ctx)
}

// activityEventUpdated is the payload published when a study event changes.
type activityEventUpdated struct {
	AppID     string    `json:"app_id"`
	StudyID   string    `json:"study_id"`
	UserID    string    `json:"user_id"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

// scopedStudyID normalizes the study discriminator: global events share a
// single empty-study partition.
func scopedStudyID(scope domain.EventScope, studyID string) string {
	if scope == domain.ScopeGlobal {
		return ""
	}
	return studyID
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredEvent(row rowScanner) (domain.StoredEvent, error) {
	var event domain.StoredEvent
	if err := row.Scan(&event.EventID, &event.Timestamp, &event.RecordCount); err != nil {
		return domain.StoredEvent{}, err
	}
	return event, nil
}
