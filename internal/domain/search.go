package domain

import (
	"sort"
	"time"
)

// SortOrder controls result ordering on startedOn.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// AdherenceRecordsSearch is the composable, AND-combined search criteria for
// a participant's adherence records.
type AdherenceRecordsSearch struct {
	InstanceGUIDs   []string            `json:"instance_guids,omitempty"`
	SessionGUIDs    []string            `json:"session_guids,omitempty"`
	AssessmentGUIDs []string            `json:"assessment_guids,omitempty"`
	TimeWindowGUIDs []string            `json:"time_window_guids,omitempty"`
	RecordType      AdherenceRecordType `json:"record_type,omitempty"`
	StartTime       *time.Time          `json:"start_time,omitempty"`
	EndTime         *time.Time          `json:"end_time,omitempty"`
	Declined        *bool               `json:"declined,omitempty"`
	// EventTimestamps selects which series of a repeating session to return;
	// records are joined to the timeline computed with exactly these values.
	EventTimestamps map[string]time.Time `json:"event_timestamps,omitempty"`
	// CurrentTimestampsOnly substitutes the live current event timestamps
	// for EventTimestamps.
	CurrentTimestampsOnly bool      `json:"current_timestamps_only,omitempty"`
	IncludeRepeats        *bool     `json:"include_repeats,omitempty"`
	Offset                int       `json:"offset,omitempty"`
	PageSize              int       `json:"page_size,omitempty"`
	SortOrder             SortOrder `json:"sort_order,omitempty"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Validate rejects malformed search input; inconsistent joint filters are
// not errors and simply yield empty results.
func (s AdherenceRecordsSearch) Validate() error {
	if s.Offset < 0 {
		return &ValidationError{Field: "offset", Detail: "must be >= 0"}
	}
	if s.PageSize < 0 || s.PageSize > maxPageSize {
		return &ValidationError{Field: "page_size", Detail: "must be between 0 and 500"}
	}
	if s.RecordType != "" && s.RecordType != RecordTypeSession && s.RecordType != RecordTypeAssessment {
		return &ValidationError{Field: "record_type", Detail: "must be session or assessment"}
	}
	if s.StartTime != nil && s.EndTime != nil && s.EndTime.Before(*s.StartTime) {
		return &ValidationError{Field: "end_time", Detail: "must not precede start_time"}
	}
	switch s.SortOrder {
	case "", SortAscending, SortDescending:
	default:
		return &ValidationError{Field: "sort_order", Detail: "must be asc or desc"}
	}
	return nil
}

func (s AdherenceRecordsSearch) pageSize() int {
	if s.PageSize == 0 {
		return defaultPageSize
	}
	return s.PageSize
}

func (s AdherenceRecordsSearch) includeRepeats() bool {
	return s.IncludeRepeats == nil || *s.IncludeRepeats
}

// AdherenceRecordPage is one page of search results.
type AdherenceRecordPage struct {
	Items    []AdherenceRecord `json:"items"`
	Total    int               `json:"total"`
	Offset   int               `json:"offset"`
	PageSize int               `json:"page_size"`
}

// FilterAdherenceRecords applies the in-memory half of the query engine:
// the timeline join, repeat collapsing, ordering, and pagination. The
// repository has already applied the SQL-expressible criteria; this function
// re-applies all record-level filters so it is correct standalone.
func FilterAdherenceRecords(records []AdherenceRecord, timeline Timeline, search AdherenceRecordsSearch) AdherenceRecordPage {
	index := indexTimeline(timeline)

	filtered := make([]AdherenceRecord, 0, len(records))
	for _, record := range records {
		if !matchesCriteria(record, search) {
			continue
		}
		if len(search.EventTimestamps) > 0 || search.CurrentTimestampsOnly {
			meta, ok := index[record.InstanceGUID]
			if !ok {
				continue
			}
			// Persistent instances are reusable across series; repeats of a
			// non-persistent instance belong to exactly one event series.
			if !meta.persistent && !record.EventTimestamp.Equal(meta.eventTimestamp) {
				continue
			}
		}
		filtered = append(filtered, record)
	}

	if !search.includeRepeats() {
		filtered = collapseRepeats(filtered, index)
	}

	sortRecords(filtered, search.SortOrder)

	total := len(filtered)
	start := search.Offset
	if start > total {
		start = total
	}
	end := start + search.pageSize()
	if end > total {
		end = total
	}

	return AdherenceRecordPage{
		Items:    filtered[start:end],
		Total:    total,
		Offset:   search.Offset,
		PageSize: search.pageSize(),
	}
}

func matchesCriteria(record AdherenceRecord, search AdherenceRecordsSearch) bool {
	if len(search.InstanceGUIDs) > 0 && !containsString(search.InstanceGUIDs, record.InstanceGUID) {
		return false
	}
	if len(search.SessionGUIDs) > 0 && !containsString(search.SessionGUIDs, record.SessionGUID) {
		return false
	}
	if len(search.AssessmentGUIDs) > 0 && !containsString(search.AssessmentGUIDs, record.AssessmentGUID) {
		return false
	}
	if len(search.TimeWindowGUIDs) > 0 && !containsString(search.TimeWindowGUIDs, record.TimeWindowGUID) {
		return false
	}
	if search.RecordType != "" && record.RecordType != search.RecordType {
		return false
	}
	if search.Declined != nil && record.Declined != *search.Declined {
		return false
	}
	if search.StartTime != nil {
		if record.StartedOn == nil || record.StartedOn.Before(*search.StartTime) {
			return false
		}
	}
	if search.EndTime != nil {
		if record.StartedOn == nil || record.StartedOn.After(*search.EndTime) {
			return false
		}
	}
	return true
}

type instanceMeta struct {
	sessionGUID    string
	assessmentGUID string
	timeWindowGUID string
	startEventID   string
	eventTimestamp time.Time
	persistent     bool
	windowStart    time.Time
}

func indexTimeline(timeline Timeline) map[string]instanceMeta {
	index := make(map[string]instanceMeta)
	for _, session := range timeline.Sessions {
		index[session.InstanceGUID] = instanceMeta{
			sessionGUID:    session.SessionGUID,
			timeWindowGUID: session.TimeWindowGUID,
			startEventID:   session.StartEventID,
			eventTimestamp: session.EventTimestamp,
			persistent:     session.Persistent,
			windowStart:    session.StartTime,
		}
		for _, assessment := range session.Assessments {
			index[assessment.InstanceGUID] = instanceMeta{
				sessionGUID:    session.SessionGUID,
				assessmentGUID: assessment.AssessmentGUID,
				timeWindowGUID: session.TimeWindowGUID,
				startEventID:   session.StartEventID,
				eventTimestamp: session.EventTimestamp,
				persistent:     session.Persistent,
				windowStart:    session.StartTime,
			}
		}
	}
	return index
}

// collapseRepeats keeps one representative record per (session or
// assessment, time window) pair: the earliest occurrence by window start,
// ties broken by instance guid.
func collapseRepeats(records []AdherenceRecord, index map[string]instanceMeta) []AdherenceRecord {
	type groupKey struct {
		sessionGUID    string
		assessmentGUID string
		timeWindowGUID string
		recordType     AdherenceRecordType
	}
	best := make(map[groupKey]int)
	out := make([]AdherenceRecord, 0, len(records))

	better := func(a, b AdherenceRecord) bool {
		ma, aOK := index[a.InstanceGUID]
		mb, bOK := index[b.InstanceGUID]
		if aOK && bOK {
			if !ma.windowStart.Equal(mb.windowStart) {
				return ma.windowStart.Before(mb.windowStart)
			}
		}
		return a.InstanceGUID < b.InstanceGUID
	}

	for _, record := range records {
		key := groupKey{
			sessionGUID:    record.SessionGUID,
			assessmentGUID: record.AssessmentGUID,
			timeWindowGUID: record.TimeWindowGUID,
			recordType:     record.RecordType,
		}
		if existing, ok := best[key]; !ok || better(record, out[existing]) {
			if !ok {
				best[key] = len(out)
				out = append(out, record)
			} else {
				out[existing] = record
			}
		}
	}
	return out
}

func sortRecords(records []AdherenceRecord, order SortOrder) {
	desc := order == SortDescending
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].StartedOn, records[j].StartedOn
		// Unstarted records sort after started ones in either direction.
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		if desc {
			return a.After(*b)
		}
		return a.Before(*b)
	})
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
