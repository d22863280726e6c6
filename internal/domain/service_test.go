package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rickb777/period"
)

// fakeEventRepo keeps events in memory with the same conditional-write
// contract as the SQL repository, plus a scriptable conflict count.
type fakeEventRepo struct {
	store     map[string]*time.Time
	history   map[string][]EventHistoryEntry
	conflicts int
	puts      int
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		store:   make(map[string]*time.Time),
		history: make(map[string][]EventHistoryEntry),
	}
}

func eventStoreKey(appID string, scope EventScope, studyID, userID, eventID string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", appID, scope, studyID, userID, eventID)
}

func (f *fakeEventRepo) GetEvent(_ context.Context, appID string, scope EventScope, studyID, userID, eventID string) (*StoredEvent, error) {
	key := eventStoreKey(appID, scope, studyID, userID, eventID)
	ts, ok := f.store[key]
	if !ok {
		return nil, nil
	}
	return &StoredEvent{EventID: eventID, Timestamp: ts, RecordCount: len(f.history[key])}, nil
}

func (f *fakeEventRepo) ListEvents(_ context.Context, appID string, scope EventScope, studyID, userID string) ([]StoredEvent, error) {
	prefix := eventStoreKey(appID, scope, studyID, userID, "")
	out := make([]StoredEvent, 0)
	for key, ts := range f.store {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, StoredEvent{EventID: key[len(prefix):], Timestamp: ts})
		}
	}
	return out, nil
}

func (f *fakeEventRepo) EventHistory(_ context.Context, appID string, scope EventScope, studyID, userID, eventID string) ([]EventHistoryEntry, error) {
	return f.history[eventStoreKey(appID, scope, studyID, userID, eventID)], nil
}

func (f *fakeEventRepo) PutEvent(_ context.Context, appID string, scope EventScope, studyID, userID, eventID string, ts time.Time, expected *time.Time) error {
	f.puts++
	if f.conflicts > 0 {
		f.conflicts--
		return ErrConflict
	}
	key := eventStoreKey(appID, scope, studyID, userID, eventID)
	if !timestampsEqual(f.store[key], expected) {
		return ErrConflict
	}
	stored := ts
	f.store[key] = &stored
	f.history[key] = append(f.history[key], EventHistoryEntry{Timestamp: ts, RecordedAt: time.Now().UTC()})
	return nil
}

func (f *fakeEventRepo) ClearEvent(_ context.Context, appID string, scope EventScope, studyID, userID, eventID string, expected *time.Time) error {
	key := eventStoreKey(appID, scope, studyID, userID, eventID)
	if _, ok := f.store[key]; !ok {
		return ErrNotFound
	}
	if !timestampsEqual(f.store[key], expected) {
		return ErrConflict
	}
	f.store[key] = nil
	return nil
}

func timestampsEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

type fakeScheduleRepo struct {
	study *StudySchedule
}

func (f *fakeScheduleRepo) GetSchedule(context.Context, string, string) (*StudySchedule, error) {
	if f.study == nil {
		return nil, ErrNotFound
	}
	return f.study, nil
}

func (f *fakeScheduleRepo) PutSchedule(_ context.Context, _, _ string, study StudySchedule) error {
	f.study = &study
	return nil
}

func newEventService(study *StudySchedule) (*EventService, *fakeEventRepo) {
	repo := newFakeEventRepo()
	return NewEventService(repo, &fakeScheduleRepo{study: study}), repo
}

func TestEventServiceImmutableRejectionIsNoOp(t *testing.T) {
	svc, _ := newEventService(nil)
	ctx := context.Background()

	first := time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC)
	result, err := svc.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventEnrollment, first)
	if err != nil || !result.Accepted {
		t.Fatalf("first write: accepted=%v err=%v", result.Accepted, err)
	}

	result, err = svc.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventEnrollment, first.Add(time.Hour))
	if err != nil {
		t.Fatalf("rejected write must not error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected the immutable policy to reject the overwrite")
	}
	if result.Current == nil || !result.Current.Equal(first) {
		t.Fatalf("rejection carries the unchanged current value, got %v", result.Current)
	}
}

func TestEventServiceRetriesConflicts(t *testing.T) {
	svc, repo := newEventService(nil)
	repo.conflicts = 2

	result, err := svc.SetEvent(context.Background(), "app-1", ScopeGlobal, "", "user-1", EventCreatedOn,
		time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("expected transparent retries to absorb transient conflicts: %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected the write to land after retrying")
	}
	if repo.puts != 3 {
		t.Fatalf("expected 3 put attempts, got %d", repo.puts)
	}
}

func TestEventServiceSurfacesExhaustedConflicts(t *testing.T) {
	svc, repo := newEventService(nil)
	repo.conflicts = 10

	_, err := svc.SetEvent(context.Background(), "app-1", ScopeGlobal, "", "user-1", EventCreatedOn,
		time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausting retries, got %v", err)
	}
}

func TestEventServiceRejectsUndeclaredCustomEvent(t *testing.T) {
	svc, _ := newEventService(&StudySchedule{Schedule: validSchedule()})

	_, err := svc.SetEvent(context.Background(), "app-1", ScopeStudy, "study-1", "user-1",
		"custom:surprise", time.Now().UTC())
	if !IsValidation(err) {
		t.Fatalf("expected a validation error for undeclared custom events, got %v", err)
	}
}

func TestEventServiceDerivesAutomaticAndBurstEvents(t *testing.T) {
	study := &StudySchedule{
		Schedule: Schedule{
			GUID:     "sched-1",
			Duration: period.MustParse("P60D"),
			StudyBursts: []StudyBurst{{
				Identifier:    "b1",
				OriginEventID: EventEnrollment,
				Delay:         period.MustParse("P1D"),
				Interval:      period.MustParse("P7D"),
				Occurrences:   2,
				UpdateType:    UpdateTypeFutureOnly,
			}},
			Sessions: []Session{{
				GUID:          "sess-1",
				StudyBurstIDs: []string{"b1"},
				Assessments:   []AssessmentReference{{GUID: "asmt-1", Identifier: "survey"}},
				TimeWindows:   []TimeWindow{{GUID: "win-1", StartTime: "08:00", Expiration: period.MustParse("P1D")}},
			}},
		},
		Events: StudyEventConfig{
			CustomEvents:          map[string]EventUpdateType{"lead_in": UpdateTypeMutable},
			AutomaticCustomEvents: map[string]string{"lead_in": EventEnrollment + ":P3D"},
		},
	}
	svc, repo := newEventService(study)
	ctx := context.Background()

	enrollment := time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventEnrollment, enrollment); err != nil {
		t.Fatalf("set enrollment: %v", err)
	}

	expect := map[string]time.Time{
		CustomEventID("lead_in"):   enrollment.AddDate(0, 0, 3),
		StudyBurstEventID("b1", 1): enrollment.AddDate(0, 0, 1),
		StudyBurstEventID("b1", 2): enrollment.AddDate(0, 0, 8),
	}
	for eventID, want := range expect {
		key := eventStoreKey("app-1", ScopeStudy, "study-1", "user-1", eventID)
		got, ok := repo.store[key]
		if !ok || got == nil {
			t.Fatalf("expected derived event %s to be recorded", eventID)
		}
		if !got.Equal(want) {
			t.Fatalf("derived event %s: got %v want %v", eventID, got, want)
		}
	}
}

func TestResolvedEventsStudyDeleteMasksGlobal(t *testing.T) {
	svc, repo := newEventService(nil)
	ctx := context.Background()

	created := time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.SetEvent(ctx, "app-1", ScopeGlobal, "", "user-1", EventCreatedOn, created); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if _, err := svc.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", "custom:clinic_visit", created.Add(time.Hour)); err == nil {
		// Custom events need a study declaration; use a session-finished event
		// instead to get a study-scoped value.
		t.Fatal("expected undeclared custom event to be rejected")
	}
	finishedID := SessionFinishedEventID("sess-1")
	if _, err := svc.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", finishedID, created.Add(time.Hour)); err != nil {
		t.Fatalf("set study event: %v", err)
	}

	resolved, err := svc.ResolvedEvents(ctx, "app-1", "study-1", "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved[EventCreatedOn].Equal(created) {
		t.Fatalf("expected the global event in the resolved map, got %v", resolved[EventCreatedOn])
	}
	if !resolved[finishedID].Equal(created.Add(time.Hour)) {
		t.Fatalf("expected the study event in the resolved map, got %v", resolved[finishedID])
	}

	// A study-scoped delete of the same id masks the global value.
	if _, err := svc.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventTimelineRetrieved, created); err != nil {
		t.Fatalf("set study marker: %v", err)
	}
	if _, err := svc.SetEvent(ctx, "app-1", ScopeGlobal, "", "user-1", EventTimelineRetrieved, created.Add(-time.Hour)); err != nil {
		t.Fatalf("set global marker: %v", err)
	}
	repo.store[eventStoreKey("app-1", ScopeStudy, "study-1", "user-1", EventTimelineRetrieved)] = nil

	resolved, err = svc.ResolvedEvents(ctx, "app-1", "study-1", "user-1")
	if err != nil {
		t.Fatalf("resolve after delete: %v", err)
	}
	if _, ok := resolved[EventTimelineRetrieved]; ok {
		t.Fatal("a deleted study event must mask the global event of the same id")
	}
}

func validSchedule() Schedule {
	return Schedule{
		GUID:     "sched-1",
		Duration: period.MustParse("P22D"),
		Sessions: []Session{{
			GUID:          "sess-1",
			StartEventIDs: []string{EventEnrollment},
			Delay:         period.MustParse("P2D"),
			Assessments:   []AssessmentReference{{GUID: "asmt-1", Identifier: "survey"}},
			TimeWindows:   []TimeWindow{{GUID: "win-1", StartTime: "08:00", Expiration: period.MustParse("P1D")}},
		}},
	}
}

// fakeAdherenceRepo merges in memory and reports scripted outcomes.
type fakeAdherenceRepo struct {
	records  map[string]AdherenceRecord
	outcomes []UpsertOutcome

	lastDeleteDay time.Time
}

func newFakeAdherenceRepo() *fakeAdherenceRepo {
	return &fakeAdherenceRepo{records: make(map[string]AdherenceRecord)}
}

func (f *fakeAdherenceRepo) UpsertRecord(_ context.Context, record AdherenceRecord, meta InstanceMetadata) (UpsertOutcome, error) {
	key := record.InstanceGUID + "|" + record.EventTimestamp.Format(time.RFC3339)
	merged := record
	if existing, ok := f.records[key]; ok {
		merged = MergeAdherenceRecords(existing, record)
	}
	f.records[key] = merged

	outcome := UpsertOutcome{Record: merged}
	if meta.RecordType == RecordTypeAssessment {
		outcome.AssessmentFinished = merged.FinishedOn != nil
		session := merged
		session.InstanceGUID = meta.SessionInstanceGUID
		session.RecordType = RecordTypeSession
		outcome.SessionRecord = &session
		outcome.SessionFinished = merged.FinishedOn != nil
	}
	f.outcomes = append(f.outcomes, outcome)
	return outcome, nil
}

func (f *fakeAdherenceRepo) DeleteRecord(_ context.Context, _, _, _, instanceGUID string, eventTimestamp, startedDay time.Time) error {
	f.lastDeleteDay = startedDay
	key := instanceGUID + "|" + eventTimestamp.Format(time.RFC3339)
	if _, ok := f.records[key]; !ok {
		return ErrNotFound
	}
	delete(f.records, key)
	return nil
}

func (f *fakeAdherenceRepo) SearchRecords(context.Context, string, string, string, AdherenceRecordsSearch) ([]AdherenceRecord, error) {
	out := make([]AdherenceRecord, 0, len(f.records))
	for _, record := range f.records {
		out = append(out, record)
	}
	return out, nil
}

func newAdherenceService(study *StudySchedule) (*AdherenceService, *EventService, *fakeEventRepo, *fakeAdherenceRepo) {
	events := newFakeEventRepo()
	schedules := &fakeScheduleRepo{study: study}
	eventService := NewEventService(events, schedules)
	timelineService := NewTimelineService(schedules, eventService)
	records := newFakeAdherenceRepo()
	return NewAdherenceService(records, timelineService, eventService), eventService, events, records
}

func TestAdherenceServiceRejectsUnknownInstance(t *testing.T) {
	study := &StudySchedule{Schedule: validSchedule()}
	svc, eventService, _, _ := newAdherenceService(study)
	ctx := context.Background()

	enrollment := time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC)
	if _, err := eventService.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventEnrollment, enrollment); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	_, err := svc.UpsertRecords(ctx, "app-1", "study-1", "user-1", []AdherenceRecord{{
		InstanceGUID:   "not-on-the-timeline",
		EventTimestamp: enrollment,
	}})
	if !IsValidation(err) {
		t.Fatalf("expected a validation error for unknown instances, got %v", err)
	}
}

func TestAdherenceServiceRecordsFinishedEvents(t *testing.T) {
	study := &StudySchedule{Schedule: validSchedule()}
	svc, eventService, eventRepo, _ := newAdherenceService(study)
	ctx := context.Background()

	enrollment := time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC)
	if _, err := eventService.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventEnrollment, enrollment); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	timeline := GenerateTimeline(study.Schedule, map[string]time.Time{EventEnrollment: enrollment})
	if len(timeline.Sessions) == 0 || len(timeline.Sessions[0].Assessments) == 0 {
		t.Fatal("fixture timeline must contain an assessment instance")
	}
	instance := timeline.Sessions[0]
	assessment := instance.Assessments[0]

	started := instance.StartTime
	finished := started.Add(20 * time.Minute)
	out, err := svc.UpsertRecords(ctx, "app-1", "study-1", "user-1", []AdherenceRecord{{
		InstanceGUID:   assessment.InstanceGUID,
		EventTimestamp: instance.EventTimestamp,
		StartedOn:      &started,
		FinishedOn:     &finished,
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(out) != 1 || out[0].RecordType != RecordTypeAssessment {
		t.Fatalf("expected the stamped assessment record back, got %+v", out)
	}
	if out[0].SessionGUID != instance.SessionGUID || out[0].TimeWindowGUID != instance.TimeWindowGUID {
		t.Fatalf("expected timeline metadata stamped onto the record, got %+v", out[0])
	}

	assessmentEvent := eventStoreKey("app-1", ScopeStudy, "study-1", "user-1", AssessmentFinishedEventID("survey"))
	if ts := eventRepo.store[assessmentEvent]; ts == nil || !ts.Equal(finished) {
		t.Fatalf("expected the assessment-finished event at %v, got %v", finished, ts)
	}
	sessionEvent := eventStoreKey("app-1", ScopeStudy, "study-1", "user-1", SessionFinishedEventID(instance.SessionGUID))
	if ts := eventRepo.store[sessionEvent]; ts == nil || !ts.Equal(finished) {
		t.Fatalf("expected the session-finished event at %v, got %v", finished, ts)
	}
}

func TestAdherenceServiceDeleteValidation(t *testing.T) {
	svc, _, _, _ := newAdherenceService(&StudySchedule{Schedule: validSchedule()})

	err := svc.DeleteRecord(context.Background(), "app-1", "study-1", "user-1", "", time.Now().UTC(), nil)
	if !IsValidation(err) {
		t.Fatalf("expected a validation error for missing instance guid, got %v", err)
	}
}

func TestAdherenceServiceDeleteBucketsByPersistence(t *testing.T) {
	ctx := context.Background()
	enrollment := time.Date(2022, time.April, 1, 0, 0, 0, 0, time.UTC)

	study := &StudySchedule{Schedule: validSchedule()}
	svc, eventService, _, records := newAdherenceService(study)
	if _, err := eventService.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventEnrollment, enrollment); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	timeline := GenerateTimeline(study.Schedule, map[string]time.Time{EventEnrollment: enrollment})
	instance := timeline.Sessions[0]
	assessment := instance.Assessments[0]

	started := instance.StartTime.Add(30 * time.Minute)
	if _, err := svc.UpsertRecords(ctx, "app-1", "study-1", "user-1", []AdherenceRecord{{
		InstanceGUID:   assessment.InstanceGUID,
		EventTimestamp: instance.EventTimestamp,
		StartedOn:      &started,
	}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// One-shot windows keep a single record per event timestamp, so the
	// caller's started_on must not narrow the delete to a day bucket the
	// stored row never carries.
	if err := svc.DeleteRecord(ctx, "app-1", "study-1", "user-1", assessment.InstanceGUID, instance.EventTimestamp, &started); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !records.lastDeleteDay.IsZero() {
		t.Fatalf("one-shot deletes must use the shared bucket, got %v", records.lastDeleteDay)
	}

	// Persistent windows key repeats by started day, so there the caller's
	// started_on picks the repeat to delete.
	persistent := validSchedule()
	persistent.Sessions[0].TimeWindows = []TimeWindow{{GUID: "win-p", StartTime: "08:00", Persistent: true}}
	pSvc, pEvents, _, pRecords := newAdherenceService(&StudySchedule{Schedule: persistent})
	if _, err := pEvents.SetEvent(ctx, "app-1", ScopeStudy, "study-1", "user-1", EventEnrollment, enrollment); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	pTimeline := GenerateTimeline(persistent, map[string]time.Time{EventEnrollment: enrollment})
	pInstance := pTimeline.Sessions[0]
	pAssessment := pInstance.Assessments[0]

	pStarted := pInstance.StartTime.Add(2 * time.Hour)
	if _, err := pSvc.UpsertRecords(ctx, "app-1", "study-1", "user-1", []AdherenceRecord{{
		InstanceGUID:   pAssessment.InstanceGUID,
		EventTimestamp: pInstance.EventTimestamp,
		StartedOn:      &pStarted,
	}}); err != nil {
		t.Fatalf("persistent upsert: %v", err)
	}
	if err := pSvc.DeleteRecord(ctx, "app-1", "study-1", "user-1", pAssessment.InstanceGUID, pInstance.EventTimestamp, &pStarted); err != nil {
		t.Fatalf("persistent delete: %v", err)
	}
	wantDay := time.Date(pStarted.Year(), pStarted.Month(), pStarted.Day(), 0, 0, 0, 0, time.UTC)
	if !pRecords.lastDeleteDay.Equal(wantDay) {
		t.Fatalf("persistent deletes key on the started day, got %v want %v", pRecords.lastDeleteDay, wantDay)
	}
}

func TestScheduleServiceValidatesBeforeStoring(t *testing.T) {
	repo := &fakeScheduleRepo{}
	svc := NewScheduleService(repo)
	ctx := context.Background()

	err := svc.PutSchedule(ctx, "app-1", "study-1", StudySchedule{Schedule: Schedule{GUID: "sched-1"}})
	if !IsValidation(err) {
		t.Fatalf("expected a validation error for an empty schedule, got %v", err)
	}
	if repo.study != nil {
		t.Fatal("invalid schedules must not be stored")
	}

	bad := StudySchedule{
		Schedule: validSchedule(),
		Events:   StudyEventConfig{AutomaticCustomEvents: map[string]string{"lead_in": "no-period"}},
	}
	if err := svc.PutSchedule(ctx, "app-1", "study-1", bad); !IsValidation(err) {
		t.Fatalf("expected a validation error for a malformed automatic event, got %v", err)
	}

	good := StudySchedule{Schedule: validSchedule()}
	if err := svc.PutSchedule(ctx, "app-1", "study-1", good); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	stored, err := svc.GetSchedule(ctx, "app-1", "study-1")
	if err != nil || stored.Schedule.GUID != "sched-1" {
		t.Fatalf("round trip failed: %+v, %v", stored, err)
	}
}
