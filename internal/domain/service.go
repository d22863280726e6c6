package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickb777/period"
)

// conflictRetries bounds transparent retries of conditional event writes
// before a Conflict surfaces to the caller.
const conflictRetries = 3

// derivedEventDepthLimit stops pathological automatic-event chains.
const derivedEventDepthLimit = 5

// StoredEvent is the persisted current view of one activity event.
type StoredEvent struct {
	EventID     string
	Timestamp   *time.Time // nil after a permitted delete
	RecordCount int
}

// EventResult reports the outcome of a set/delete. A policy rejection is a
// successful no-op carrying the unchanged current value.
type EventResult struct {
	Accepted bool       `json:"accepted"`
	EventID  string     `json:"event_id"`
	Current  *time.Time `json:"current,omitempty"`
}

// EventRepository persists activity events with per-key conditional writes.
// Put/Clear must fail with ErrConflict when the stored current value no
// longer matches expected, so policy decisions see a consistent snapshot.
type EventRepository interface {
	GetEvent(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string) (*StoredEvent, error)
	ListEvents(ctx context.Context, appID string, scope EventScope, studyID, userID string) ([]StoredEvent, error)
	EventHistory(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string) ([]EventHistoryEntry, error)
	PutEvent(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string, ts time.Time, expected *time.Time) error
	ClearEvent(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string, expected *time.Time) error
}

// StudySchedule couples the authored schedule with the study's event config.
type StudySchedule struct {
	Schedule Schedule         `json:"schedule"`
	Events   StudyEventConfig `json:"events"`
}

// ScheduleRepository stores authored schedules per study.
type ScheduleRepository interface {
	GetSchedule(ctx context.Context, appID, studyID string) (*StudySchedule, error)
	PutSchedule(ctx context.Context, appID, studyID string, schedule StudySchedule) error
}

// InstanceMetadata locates one timeline instance for ledger writes.
type InstanceMetadata struct {
	RecordType           AdherenceRecordType
	SessionGUID          string
	SessionInstanceGUID  string
	AssessmentGUID       string
	AssessmentIdentifier string
	TimeWindowGUID       string
	Persistent           bool
	// SiblingInstanceGUIDs lists every assessment instance under the same
	// session instance, used to derive the session record.
	SiblingInstanceGUIDs []string
}

// UpsertOutcome reports what an adherence upsert changed.
type UpsertOutcome struct {
	Record             AdherenceRecord
	SessionRecord      *AdherenceRecord
	AssessmentFinished bool // finishedOn transitioned nil -> non-nil
	SessionFinished    bool
}

// AdherenceRepository persists adherence records. Upsert runs the merge fold
// and session derivation under a transaction so concurrent submissions for
// the same key converge.
type AdherenceRepository interface {
	UpsertRecord(ctx context.Context, record AdherenceRecord, meta InstanceMetadata) (UpsertOutcome, error)
	DeleteRecord(ctx context.Context, appID, studyID, userID, instanceGUID string, eventTimestamp, startedDay time.Time) error
	SearchRecords(ctx context.Context, appID, studyID, userID string, search AdherenceRecordsSearch) ([]AdherenceRecord, error)
}

// EventService is the event register: it applies mutability policy, retries
// conditional-write conflicts, and fans out derived events.
type EventService struct {
	events    EventRepository
	schedules ScheduleRepository
}

// NewEventService constructs an EventService.
func NewEventService(events EventRepository, schedules ScheduleRepository) *EventService {
	return &EventService{events: events, schedules: schedules}
}

// SetEvent records a timestamp for an event id, subject to the event's
// mutability policy. A disallowed write returns Accepted=false with the
// unchanged current value and a nil error.
func (s *EventService) SetEvent(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string, ts time.Time) (EventResult, error) {
	return s.applyEvent(ctx, appID, scope, studyID, userID, eventID, &ts, 0)
}

// DeleteEvent clears the current value where the policy allows it. History
// is retained regardless.
func (s *EventService) DeleteEvent(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string) (EventResult, error) {
	return s.applyEvent(ctx, appID, scope, studyID, userID, eventID, nil, 0)
}

func (s *EventService) applyEvent(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string, proposed *time.Time, depth int) (EventResult, error) {
	if depth > derivedEventDepthLimit {
		return EventResult{}, fmt.Errorf("derived event chain for %q exceeds depth %d", eventID, derivedEventDepthLimit)
	}
	if strings.TrimSpace(userID) == "" {
		return EventResult{}, &ValidationError{Field: "user_id", Detail: "is required"}
	}

	id, err := ParseEventID(eventID)
	if err != nil {
		return EventResult{}, &ValidationError{Field: "event_id", Detail: err.Error()}
	}
	if proposed != nil && proposed.IsZero() {
		return EventResult{}, &ValidationError{Field: "timestamp", Detail: "is required"}
	}

	var study *StudySchedule
	if scope == ScopeStudy {
		study, err = s.studySchedule(ctx, appID, studyID)
		if err != nil {
			return EventResult{}, err
		}
	}
	updateType, err := s.resolveUpdateType(id, scope, study)
	if err != nil {
		return EventResult{}, err
	}

	var result EventResult
	for attempt := 0; ; attempt++ {
		current, err := s.events.GetEvent(ctx, appID, scope, studyID, userID, id.Raw)
		if err != nil {
			return EventResult{}, err
		}
		var currentTS *time.Time
		if current != nil {
			currentTS = current.Timestamp
		}

		if !updateType.Accepts(currentTS, proposed) {
			return EventResult{Accepted: false, EventID: id.Raw, Current: currentTS}, nil
		}

		if proposed != nil {
			utc := proposed.UTC()
			err = s.events.PutEvent(ctx, appID, scope, studyID, userID, id.Raw, utc, currentTS)
		} else {
			err = s.events.ClearEvent(ctx, appID, scope, studyID, userID, id.Raw, currentTS)
		}
		if err == nil {
			result = EventResult{Accepted: true, EventID: id.Raw, Current: proposed}
			break
		}
		if !errors.Is(err, ErrConflict) {
			return EventResult{}, err
		}
		if attempt >= conflictRetries {
			return EventResult{}, fmt.Errorf("event %s: %w", id.Raw, ErrConflict)
		}
		select {
		case <-ctx.Done():
			return EventResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}

	if proposed != nil && scope == ScopeStudy && study != nil {
		if err := s.deriveEvents(ctx, appID, studyID, userID, id, *proposed, *study, depth); err != nil {
			return result, err
		}
	}
	return result, nil
}

// deriveEvents fans out automatic custom events and study-burst events when
// their origin is accepted. Each derived event is applied recursively under
// its own declared policy.
func (s *EventService) deriveEvents(ctx context.Context, appID, studyID, userID string, origin EventID, ts time.Time, study StudySchedule, depth int) error {
	for key, spec := range study.Events.AutomaticCustomEvents {
		originID, offset, err := parseAutomaticEventSpec(spec)
		if err != nil || originID != origin.Raw {
			continue
		}
		derived, _ := offset.AddTo(ts)
		if _, err := s.applyEvent(ctx, appID, ScopeStudy, studyID, userID, CustomEventID(key), &derived, depth+1); err != nil {
			return err
		}
	}

	for _, burst := range study.Schedule.StudyBursts {
		if burst.OriginEventID != origin.Raw {
			continue
		}
		start, _ := burst.Delay.AddTo(ts)
		for i := 1; i <= burst.Occurrences; i++ {
			occurrenceTS := start
			if _, err := s.applyEvent(ctx, appID, ScopeStudy, studyID, userID, StudyBurstEventID(burst.Identifier, i), &occurrenceTS, depth+1); err != nil {
				return err
			}
			start, _ = burst.Interval.AddTo(start)
		}
	}
	return nil
}

// GetEvents returns the current view of every event for the participant in
// the given scope. Deleted events report a null timestamp.
func (s *EventService) GetEvents(ctx context.Context, appID string, scope EventScope, studyID, userID string) ([]ActivityEvent, error) {
	stored, err := s.events.ListEvents(ctx, appID, scope, studyID, userID)
	if err != nil {
		return nil, err
	}

	var study *StudySchedule
	if scope == ScopeStudy {
		if study, err = s.studySchedule(ctx, appID, studyID); err != nil {
			return nil, err
		}
	}

	out := make([]ActivityEvent, 0, len(stored))
	for _, event := range stored {
		updateType := UpdateTypeMutable
		if id, parseErr := ParseEventID(event.EventID); parseErr == nil {
			if resolved, typeErr := s.resolveUpdateType(id, scope, study); typeErr == nil {
				updateType = resolved
			}
		}
		out = append(out, ActivityEvent{
			EventID:     event.EventID,
			Timestamp:   event.Timestamp,
			UpdateType:  updateType,
			RecordCount: event.RecordCount,
		})
	}
	return out, nil
}

// GetEventHistory returns the ordered accepted writes for one event.
func (s *EventService) GetEventHistory(ctx context.Context, appID string, scope EventScope, studyID, userID, eventID string) ([]EventHistoryEntry, error) {
	if _, err := ParseEventID(eventID); err != nil {
		return nil, &ValidationError{Field: "event_id", Detail: err.Error()}
	}
	return s.events.EventHistory(ctx, appID, scope, studyID, userID, eventID)
}

// ResolvedEvents flattens the current study-scoped events (with global
// events as fallback) into the timestamp map timeline generation consumes.
func (s *EventService) ResolvedEvents(ctx context.Context, appID, studyID, userID string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)

	global, err := s.events.ListEvents(ctx, appID, ScopeGlobal, "", userID)
	if err != nil {
		return nil, err
	}
	for _, event := range global {
		if event.Timestamp != nil {
			out[event.EventID] = *event.Timestamp
		}
	}

	study, err := s.events.ListEvents(ctx, appID, ScopeStudy, studyID, userID)
	if err != nil {
		return nil, err
	}
	for _, event := range study {
		if event.Timestamp != nil {
			out[event.EventID] = *event.Timestamp
		} else {
			// A deleted study event masks any global event of the same id.
			delete(out, event.EventID)
		}
	}
	return out, nil
}

func (s *EventService) resolveUpdateType(id EventID, scope EventScope, study *StudySchedule) (EventUpdateType, error) {
	if scope == ScopeGlobal {
		switch id.Kind {
		case EventKindBuiltin:
			return builtinEventTypes[id.Key], nil
		case EventKindCustom:
			// App-scoped custom events carry no study declaration.
			return UpdateTypeMutable, nil
		default:
			return "", &ValidationError{Field: "event_id", Detail: fmt.Sprintf("%s events are study-scoped", id.Kind)}
		}
	}
	var schedule *Schedule
	config := StudyEventConfig{}
	if study != nil {
		schedule = &study.Schedule
		config = study.Events
	}
	return ResolveUpdateType(id, schedule, config)
}

func (s *EventService) studySchedule(ctx context.Context, appID, studyID string) (*StudySchedule, error) {
	if strings.TrimSpace(studyID) == "" {
		return nil, &ValidationError{Field: "study_id", Detail: "is required"}
	}
	study, err := s.schedules.GetSchedule(ctx, appID, studyID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return study, nil
}

// parseAutomaticEventSpec splits "<originEventId>:<ISO period>".
func parseAutomaticEventSpec(spec string) (string, period.Period, error) {
	sep := strings.LastIndex(spec, ":")
	if sep <= 0 || sep == len(spec)-1 {
		return "", period.Period{}, fmt.Errorf("malformed automatic event spec %q", spec)
	}
	offset, err := period.Parse(spec[sep+1:])
	if err != nil {
		return "", period.Period{}, fmt.Errorf("malformed automatic event period in %q: %w", spec, err)
	}
	return spec[:sep], offset, nil
}

// ScheduleService owns the authored schedule surface.
type ScheduleService struct {
	schedules ScheduleRepository
}

// NewScheduleService constructs a ScheduleService.
func NewScheduleService(schedules ScheduleRepository) *ScheduleService {
	return &ScheduleService{schedules: schedules}
}

// GetSchedule fetches the study's schedule, or ErrNotFound.
func (s *ScheduleService) GetSchedule(ctx context.Context, appID, studyID string) (*StudySchedule, error) {
	study, err := s.schedules.GetSchedule(ctx, appID, studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, ErrNotFound
	}
	return study, nil
}

// PutSchedule validates and stores a schedule for a study.
func (s *ScheduleService) PutSchedule(ctx context.Context, appID, studyID string, study StudySchedule) error {
	if err := study.Schedule.Validate(); err != nil {
		return err
	}
	for key, updateType := range study.Events.CustomEvents {
		if strings.TrimSpace(key) == "" {
			return &ValidationError{Field: "events.custom_events", Detail: "empty key"}
		}
		if !updateType.Valid() {
			return &ValidationError{Field: "events.custom_events", Detail: fmt.Sprintf("unknown update type %q for %q", updateType, key)}
		}
	}
	for key, spec := range study.Events.AutomaticCustomEvents {
		if _, _, err := parseAutomaticEventSpec(spec); err != nil {
			return &ValidationError{Field: "events.automatic_custom_events", Detail: fmt.Sprintf("%s: %v", key, err)}
		}
	}
	return s.schedules.PutSchedule(ctx, appID, studyID, study)
}

// TimelineService computes participant timelines on demand.
type TimelineService struct {
	schedules ScheduleRepository
	events    *EventService
}

// NewTimelineService constructs a TimelineService.
func NewTimelineService(schedules ScheduleRepository, events *EventService) *TimelineService {
	return &TimelineService{schedules: schedules, events: events}
}

// GetTimeline generates the participant's timeline from the study schedule
// and the currently resolved events. Instances are computed, not stored.
func (s *TimelineService) GetTimeline(ctx context.Context, appID, studyID, userID string) (Timeline, error) {
	study, err := s.schedules.GetSchedule(ctx, appID, studyID)
	if err != nil {
		return Timeline{}, err
	}
	if study == nil {
		return Timeline{}, ErrNotFound
	}
	events, err := s.events.ResolvedEvents(ctx, appID, studyID, userID)
	if err != nil {
		return Timeline{}, err
	}
	return GenerateTimeline(study.Schedule, events), nil
}

// GenerateWith computes a timeline against an explicit event timestamp map,
// used by the query engine's series join.
func (s *TimelineService) GenerateWith(ctx context.Context, appID, studyID string, events map[string]time.Time) (Timeline, error) {
	study, err := s.schedules.GetSchedule(ctx, appID, studyID)
	if err != nil {
		return Timeline{}, err
	}
	if study == nil {
		return Timeline{}, ErrNotFound
	}
	return GenerateTimeline(study.Schedule, events), nil
}

// MarkTimelineRetrieved updates the future-only retrieval marker. Policy
// rejections (an older timestamp) are expected and ignored.
func (s *TimelineService) MarkTimelineRetrieved(ctx context.Context, appID, studyID, userID string, now time.Time) error {
	_, err := s.events.SetEvent(ctx, appID, ScopeStudy, studyID, userID, EventTimelineRetrieved, now)
	return err
}

// AdherenceService is the ledger and query engine facade.
type AdherenceService struct {
	records  AdherenceRepository
	timeline *TimelineService
	events   *EventService
}

// NewAdherenceService constructs an AdherenceService.
func NewAdherenceService(records AdherenceRepository, timeline *TimelineService, events *EventService) *AdherenceService {
	return &AdherenceService{records: records, timeline: timeline, events: events}
}

// UpsertRecords applies a batch of adherence submissions. Each record is
// validated against the live timeline, merged under the ledger's fold, and
// finished transitions loop back into the event register.
func (s *AdherenceService) UpsertRecords(ctx context.Context, appID, studyID, userID string, records []AdherenceRecord) ([]AdherenceRecord, error) {
	if len(records) == 0 {
		return nil, &ValidationError{Field: "records", Detail: "at least one record is required"}
	}
	timeline, err := s.timeline.GetTimeline(ctx, appID, studyID, userID)
	if err != nil {
		return nil, err
	}
	index := BuildInstanceIndex(timeline)

	out := make([]AdherenceRecord, 0, len(records))
	for _, record := range records {
		if err := record.Validate(); err != nil {
			return nil, err
		}
		meta, ok := index[record.InstanceGUID]
		if !ok {
			return nil, &ValidationError{Field: "instance_guid", Detail: fmt.Sprintf("%q is not in the participant's timeline", record.InstanceGUID)}
		}

		record.AppID = appID
		record.StudyID = studyID
		record.UserID = userID
		record.RecordType = meta.RecordType
		record.SessionGUID = meta.SessionGUID
		record.AssessmentGUID = meta.AssessmentGUID
		record.TimeWindowGUID = meta.TimeWindowGUID

		outcome, err := s.records.UpsertRecord(ctx, record, meta)
		if err != nil {
			return nil, err
		}
		out = append(out, outcome.Record)

		if err := s.recordFinishedEvents(ctx, appID, studyID, userID, meta, outcome); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *AdherenceService) recordFinishedEvents(ctx context.Context, appID, studyID, userID string, meta InstanceMetadata, outcome UpsertOutcome) error {
	if outcome.AssessmentFinished && meta.AssessmentIdentifier != "" && outcome.Record.FinishedOn != nil {
		eventID := AssessmentFinishedEventID(meta.AssessmentIdentifier)
		if _, err := s.events.SetEvent(ctx, appID, ScopeStudy, studyID, userID, eventID, *outcome.Record.FinishedOn); err != nil {
			return err
		}
	}
	if outcome.SessionFinished && outcome.SessionRecord != nil && outcome.SessionRecord.FinishedOn != nil {
		eventID := SessionFinishedEventID(meta.SessionGUID)
		if _, err := s.events.SetEvent(ctx, appID, ScopeStudy, studyID, userID, eventID, *outcome.SessionRecord.FinishedOn); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRecord removes one occurrence's record. Persistent instances remain
// creatable by the next submission.
func (s *AdherenceService) DeleteRecord(ctx context.Context, appID, studyID, userID, instanceGUID string, eventTimestamp time.Time, startedOn *time.Time) error {
	if instanceGUID == "" {
		return &ValidationError{Field: "instance_guid", Detail: "is required"}
	}

	// Only persistent instances key their repeats by started day; every
	// other record sits in the shared bucket regardless of when it started,
	// so the day filter must not narrow the delete for them.
	startedDay := time.Time{}
	timeline, err := s.timeline.GetTimeline(ctx, appID, studyID, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if meta, ok := BuildInstanceIndex(timeline)[instanceGUID]; ok && meta.Persistent {
		probe := AdherenceRecord{StartedOn: startedOn}
		startedDay = probe.StartedDay()
	}
	return s.records.DeleteRecord(ctx, appID, studyID, userID, instanceGUID, eventTimestamp.UTC(), startedDay)
}

// SearchRecords runs the query engine: repository filtering, the timeline
// series join, repeat collapsing, sorting, and pagination.
func (s *AdherenceService) SearchRecords(ctx context.Context, appID, studyID, userID string, search AdherenceRecordsSearch) (AdherenceRecordPage, error) {
	if err := search.Validate(); err != nil {
		return AdherenceRecordPage{}, err
	}

	var (
		timeline Timeline
		err      error
	)
	if len(search.EventTimestamps) > 0 && !search.CurrentTimestampsOnly {
		timeline, err = s.timeline.GenerateWith(ctx, appID, studyID, search.EventTimestamps)
	} else {
		timeline, err = s.timeline.GetTimeline(ctx, appID, studyID, userID)
	}
	if errors.Is(err, ErrNotFound) {
		// No schedule means no timeline; searches still answer from the
		// ledger alone.
		timeline = Timeline{}
		err = nil
	}
	if err != nil {
		return AdherenceRecordPage{}, err
	}

	records, err := s.records.SearchRecords(ctx, appID, studyID, userID, search)
	if err != nil {
		return AdherenceRecordPage{}, err
	}
	return FilterAdherenceRecords(records, timeline, search), nil
}

// EventStreamReport joins the current timeline with the full ledger.
func (s *AdherenceService) EventStreamReport(ctx context.Context, appID, studyID, userID string) (EventStreamReport, error) {
	timeline, err := s.timeline.GetTimeline(ctx, appID, studyID, userID)
	if err != nil {
		return EventStreamReport{}, err
	}
	records, err := s.records.SearchRecords(ctx, appID, studyID, userID, AdherenceRecordsSearch{})
	if err != nil {
		return EventStreamReport{}, err
	}
	return BuildEventStreamReport(timeline, records, time.Now().UTC()), nil
}

// BuildInstanceIndex maps instance guids to the metadata ledger writes need.
func BuildInstanceIndex(timeline Timeline) map[string]InstanceMetadata {
	index := make(map[string]InstanceMetadata)
	for _, session := range timeline.Sessions {
		siblings := make([]string, 0, len(session.Assessments))
		for _, assessment := range session.Assessments {
			siblings = append(siblings, assessment.InstanceGUID)
		}
		index[session.InstanceGUID] = InstanceMetadata{
			RecordType:           RecordTypeSession,
			SessionGUID:          session.SessionGUID,
			SessionInstanceGUID:  session.InstanceGUID,
			TimeWindowGUID:       session.TimeWindowGUID,
			Persistent:           session.Persistent,
			SiblingInstanceGUIDs: siblings,
		}
		for _, assessment := range session.Assessments {
			index[assessment.InstanceGUID] = InstanceMetadata{
				RecordType:           RecordTypeAssessment,
				SessionGUID:          session.SessionGUID,
				SessionInstanceGUID:  session.InstanceGUID,
				AssessmentGUID:       assessment.AssessmentGUID,
				AssessmentIdentifier: assessment.Identifier,
				TimeWindowGUID:       session.TimeWindowGUID,
				Persistent:           session.Persistent,
				SiblingInstanceGUIDs: siblings,
			}
		}
	}
	return index
}
