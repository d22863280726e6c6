package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/adherence/internal/domain"
)

// AdherenceRepository persists adherence records. Upserts run the merge fold
// and session derivation inside one transaction, with the affected rows
// locked, so concurrent submissions for the same instance converge.
type AdherenceRepository struct {
	pool *pgxpool.Pool
}

// NewAdherenceRepository constructs an AdherenceRepository.
func NewAdherenceRepository(pool *pgxpool.Pool) *AdherenceRepository {
	return &AdherenceRepository{pool: pool}
}

const adherenceColumns = `instance_guid, event_timestamp, started_day, record_type,
    session_guid, assessment_guid, time_window_guid,
    started_on, finished_on, declined, client_time_zone, client_data, upload_ids`

// UpsertRecord merges one submitted record into storage and, for assessment
// records, re-derives the parent session record from all sibling assessments.
func (r *AdherenceRepository) UpsertRecord(ctx context.Context, record domain.AdherenceRecord, meta domain.InstanceMetadata) (domain.UpsertOutcome, error) {
	bucket := recordBucket(record, meta.Persistent)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.UpsertOutcome{}, err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, record.AppID); err != nil {
		return domain.UpsertOutcome{}, err
	}

	existing, err := lockRecord(ctx, tx, record, record.InstanceGUID, bucket)
	if err != nil {
		return domain.UpsertOutcome{}, err
	}

	merged := record
	if existing != nil {
		merged = domain.MergeAdherenceRecords(*existing, record)
	}
	if err := writeRecord(ctx, tx, merged, bucket); err != nil {
		return domain.UpsertOutcome{}, err
	}

	outcome := domain.UpsertOutcome{Record: merged}
	if meta.RecordType == domain.RecordTypeAssessment {
		outcome.AssessmentFinished = finishedTransition(existing, merged)

		session, sessionFinished, err := deriveSession(ctx, tx, merged, meta, bucket)
		if err != nil {
			return domain.UpsertOutcome{}, err
		}
		outcome.SessionRecord = &session
		outcome.SessionFinished = sessionFinished
	} else {
		outcome.SessionFinished = finishedTransition(existing, merged)
	}

	if err := emitUpsertEvents(ctx, tx, outcome); err != nil {
		return domain.UpsertOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.UpsertOutcome{}, err
	}
	return outcome, nil
}

// DeleteRecord removes one stored record. A zero startedDay matches every
// day bucket of the instance for the given event timestamp.
func (r *AdherenceRepository) DeleteRecord(ctx context.Context, appID, studyID, userID, instanceGUID string, eventTimestamp, startedDay time.Time) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return err
	}

	stmt := `DELETE FROM adherence_records
        WHERE app_id=$1 AND study_id=$2 AND user_id=$3 AND instance_guid=$4 AND event_timestamp=$5`
	args := []any{appID, studyID, userID, instanceGUID, eventTimestamp}
	if !startedDay.IsZero() {
		// A concrete day narrows the delete to one repeat of a persistent
		// instance; the zero day matches every bucket.
		stmt += ` AND started_day=$6`
		args = append(args, startedDay)
	}
	result, err := tx.Exec(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit(ctx)
}

// SearchRecords applies the record-level criteria in SQL and returns matching
// rows ordered by started_on. Timeline-dependent filtering happens above the
// repository.
func (r *AdherenceRepository) SearchRecords(ctx context.Context, appID, studyID, userID string, search domain.AdherenceRecordsSearch) ([]domain.AdherenceRecord, error) {
	query, args := buildSearchQuery(appID, studyID, userID, search)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AdherenceRecord
	for rows.Next() {
		record, err := scanAdherenceRecord(rows, appID, studyID, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func buildSearchQuery(appID, studyID, userID string, search domain.AdherenceRecordsSearch) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + adherenceColumns + `
        FROM adherence_records
        WHERE app_id=$1 AND study_id=$2 AND user_id=$3`)
	args := []any{appID, studyID, userID}

	appendFilter := func(clause string, value any) {
		args = append(args, value)
		fmt.Fprintf(&sb, " AND "+clause, len(args))
	}

	if len(search.InstanceGUIDs) > 0 {
		appendFilter("instance_guid = ANY($%d)", search.InstanceGUIDs)
	}
	if len(search.SessionGUIDs) > 0 {
		appendFilter("session_guid = ANY($%d)", search.SessionGUIDs)
	}
	if len(search.AssessmentGUIDs) > 0 {
		appendFilter("assessment_guid = ANY($%d)", search.AssessmentGUIDs)
	}
	if len(search.TimeWindowGUIDs) > 0 {
		appendFilter("time_window_guid = ANY($%d)", search.TimeWindowGUIDs)
	}
	if search.RecordType != "" {
		appendFilter("record_type = $%d", string(search.RecordType))
	}
	if search.StartTime != nil {
		appendFilter("started_on >= $%d", *search.StartTime)
	}
	if search.EndTime != nil {
		appendFilter("started_on <= $%d", *search.EndTime)
	}
	if search.Declined != nil {
		appendFilter("declined = $%d", *search.Declined)
	}

	if search.SortOrder == domain.SortDescending {
		sb.WriteString(" ORDER BY started_on DESC NULLS LAST, instance_guid")
	} else {
		sb.WriteString(" ORDER BY started_on ASC NULLS LAST, instance_guid")
	}
	return sb.String(), args
}

// lockRecord reads the row for the key under FOR UPDATE, or nil when absent.
func lockRecord(ctx context.Context, tx pgx.Tx, scope domain.AdherenceRecord, instanceGUID string, bucket time.Time) (*domain.AdherenceRecord, error) {
	const query = `SELECT ` + adherenceColumns + `
        FROM adherence_records
        WHERE app_id=$1 AND study_id=$2 AND user_id=$3 AND instance_guid=$4 AND event_timestamp=$5 AND started_day=$6
        FOR UPDATE`

	row := tx.QueryRow(ctx, query, scope.AppID, scope.StudyID, scope.UserID, instanceGUID, scope.EventTimestamp, bucket)
	record, err := scanAdherenceRecord(row, scope.AppID, scope.StudyID, scope.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func writeRecord(ctx context.Context, tx pgx.Tx, record domain.AdherenceRecord, bucket time.Time) error {
	const stmt = `INSERT INTO adherence_records (app_id, study_id, user_id, instance_guid, event_timestamp, started_day,
            record_type, session_guid, assessment_guid, time_window_guid,
            started_on, finished_on, declined, client_time_zone, client_data, upload_ids, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())
        ON CONFLICT (app_id, study_id, user_id, instance_guid, event_timestamp, started_day)
        DO UPDATE SET started_on=EXCLUDED.started_on,
                      finished_on=EXCLUDED.finished_on,
                      declined=EXCLUDED.declined,
                      client_time_zone=EXCLUDED.client_time_zone,
                      client_data=EXCLUDED.client_data,
                      upload_ids=EXCLUDED.upload_ids,
                      updated_at=NOW()`
	_, err := tx.Exec(ctx, stmt,
		record.AppID, record.StudyID, record.UserID, record.InstanceGUID, record.EventTimestamp, bucket,
		record.RecordType, record.SessionGUID, record.AssessmentGUID, record.TimeWindowGUID,
		record.StartedOn, record.FinishedOn, record.Declined, record.ClientTimeZone, record.ClientData, record.UploadIDs)
	return err
}

// deriveSession recomputes the session record from every sibling assessment
// under the same session instance and persists it.
func deriveSession(ctx context.Context, tx pgx.Tx, merged domain.AdherenceRecord, meta domain.InstanceMetadata, bucket time.Time) (domain.AdherenceRecord, bool, error) {
	children, err := lockSiblings(ctx, tx, merged, meta.SiblingInstanceGUIDs, bucket)
	if err != nil {
		return domain.AdherenceRecord{}, false, err
	}

	previous, err := lockRecord(ctx, tx, merged, meta.SessionInstanceGUID, bucket)
	if err != nil {
		return domain.AdherenceRecord{}, false, err
	}

	base := domain.AdherenceRecord{
		AppID:          merged.AppID,
		StudyID:        merged.StudyID,
		UserID:         merged.UserID,
		InstanceGUID:   meta.SessionInstanceGUID,
		EventTimestamp: merged.EventTimestamp,
		SessionGUID:    meta.SessionGUID,
		TimeWindowGUID: meta.TimeWindowGUID,
		ClientTimeZone: merged.ClientTimeZone,
	}
	if previous != nil {
		base = *previous
	}
	session := domain.DeriveSessionRecord(base, children)

	if err := writeRecord(ctx, tx, session, bucket); err != nil {
		return domain.AdherenceRecord{}, false, err
	}
	return session, finishedTransition(previous, session), nil
}

func lockSiblings(ctx context.Context, tx pgx.Tx, scope domain.AdherenceRecord, siblingGUIDs []string, bucket time.Time) ([]domain.AdherenceRecord, error) {
	if len(siblingGUIDs) == 0 {
		return nil, nil
	}

	const query = `SELECT ` + adherenceColumns + `
        FROM adherence_records
        WHERE app_id=$1 AND study_id=$2 AND user_id=$3 AND instance_guid = ANY($4) AND event_timestamp=$5 AND started_day=$6
        ORDER BY instance_guid
        FOR UPDATE`

	rows, err := tx.Query(ctx, query, scope.AppID, scope.StudyID, scope.UserID, siblingGUIDs, scope.EventTimestamp, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AdherenceRecord
	for rows.Next() {
		record, err := scanAdherenceRecord(rows, scope.AppID, scope.StudyID, scope.UserID)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func emitUpsertEvents(ctx context.Context, tx pgx.Tx, outcome domain.UpsertOutcome) error {
	record := outcome.Record
	err := insertOutbox(ctx, tx, outboxEvent{
		AppID:         record.AppID,
		AggregateType: "adherence_record",
		AggregateID:   adherenceAggregateID(record),
		EventType:     "adherence.record_upserted",
		PartitionKey:  record.AppID + ":" + record.UserID,
		Payload:       record,
	})
	if err != nil {
		return err
	}

	if outcome.AssessmentFinished {
		err = insertOutbox(ctx, tx, outboxEvent{
			AppID:         record.AppID,
			AggregateType: "adherence_record",
			AggregateID:   adherenceAggregateID(record),
			EventType:     "adherence.assessment_finished",
			PartitionKey:  record.AppID + ":" + record.UserID,
			Payload:       record,
		})
		if err != nil {
			return err
		}
	}
	if outcome.SessionFinished {
		session := record
		if outcome.SessionRecord != nil {
			session = *outcome.SessionRecord
		}
		err = insertOutbox(ctx, tx, outboxEvent{
			AppID:         session.AppID,
			AggregateType: "adherence_record",
			AggregateID:   adherenceAggregateID(session),
			EventType:     "adherence.session_finished",
			PartitionKey:  session.AppID + ":" + session.UserID,
			Payload:       session,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func finishedTransition(before *domain.AdherenceRecord, after domain.AdherenceRecord) bool {
	return after.FinishedOn != nil && (before == nil || before.FinishedOn == nil)
}

// recordBucket picks the started_day key component. Non-persistent instances
// have a single record per event timestamp and share the zero bucket.
func recordBucket(record domain.AdherenceRecord, persistent bool) time.Time {
	if !persistent {
		return bucketParam(time.Time{})
	}
	return bucketParam(record.StartedDay())
}

// bucketParam maps the zero time onto the epoch so the not-yet-started
// bucket is a concrete value in the primary key.
func bucketParam(day time.Time) time.Time {
	if day.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return day
}

func adherenceAggregateID(record domain.AdherenceRecord) string {
	return fmt.Sprintf("%s:%s:%s", record.UserID, record.InstanceGUID, record.EventTimestamp.UTC().Format(time.RFC3339))
}

func scanAdherenceRecord(row rowScanner, appID, studyID, userID string) (domain.AdherenceRecord, error) {
	var (
		record domain.AdherenceRecord
		day    time.Time
	)
	err := row.Scan(&record.InstanceGUID, &record.EventTimestamp, &day, &record.RecordType,
		&record.SessionGUID, &record.AssessmentGUID, &record.TimeWindowGUID,
		&record.StartedOn, &record.FinishedOn, &record.Declined,
		&record.ClientTimeZone, &record.ClientData, &record.UploadIDs)
	if err != nil {
		return domain.AdherenceRecord{}, err
	}
	record.AppID = appID
	record.StudyID = studyID
	record.UserID = userID
	return record, nil
}
