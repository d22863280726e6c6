package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/adherence/internal/domain"
)

// ScheduleRepository stores one authored schedule per study as a jsonb
// document. The timeline is always derived, never stored.
type ScheduleRepository struct {
	pool *pgxpool.Pool
}

// NewScheduleRepository constructs a ScheduleRepository.
func NewScheduleRepository(pool *pgxpool.Pool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool}
}

// GetSchedule loads the study's schedule, or domain.ErrNotFound if none was
// ever published.
func (r *ScheduleRepository) GetSchedule(ctx context.Context, appID, studyID string) (*domain.StudySchedule, error) {
	const query = `SELECT definition FROM schedules WHERE app_id=$1 AND study_id=$2`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return nil, err
	}

	var definition []byte
	if err := tx.QueryRow(ctx, query, appID, studyID).Scan(&definition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	var schedule domain.StudySchedule
	if err := json.Unmarshal(definition, &schedule); err != nil {
		return nil, fmt.Errorf("decode schedule for study %s: %w", studyID, err)
	}
	return &schedule, nil
}

// PutSchedule publishes the study's schedule, replacing any prior version.
func (r *ScheduleRepository) PutSchedule(ctx context.Context, appID, studyID string, schedule domain.StudySchedule) error {
	definition, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("encode schedule for study %s: %w", studyID, err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, appID); err != nil {
		return err
	}

	const stmt = `INSERT INTO schedules (app_id, study_id, schedule_guid, definition, updated_at)
        VALUES ($1,$2,$3,$4,NOW())
        ON CONFLICT (app_id, study_id)
        DO UPDATE SET schedule_guid=EXCLUDED.schedule_guid, definition=EXCLUDED.definition, updated_at=NOW()`
	if _, err := tx.Exec(ctx, stmt, appID, studyID, schedule.Schedule.GUID, definition); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
