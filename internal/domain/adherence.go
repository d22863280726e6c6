package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// AdherenceRecordType distinguishes session-level records from assessment-level.
type AdherenceRecordType string

const (
	RecordTypeSession    AdherenceRecordType = "session"
	RecordTypeAssessment AdherenceRecordType = "assessment"
)

// AdherenceRecord is the completion state attached to one timeline instance.
// For composite sessions the session record is derived from its assessment
// records, never submitted directly.
type AdherenceRecord struct {
	AppID          string              `json:"app_id,omitempty"`
	StudyID        string              `json:"study_id,omitempty"`
	UserID         string              `json:"user_id,omitempty"`
	InstanceGUID   string              `json:"instance_guid"`
	EventTimestamp time.Time           `json:"event_timestamp"`
	RecordType     AdherenceRecordType `json:"record_type,omitempty"`
	SessionGUID    string              `json:"session_guid,omitempty"`
	AssessmentGUID string              `json:"assessment_guid,omitempty"`
	TimeWindowGUID string              `json:"time_window_guid,omitempty"`
	StartedOn      *time.Time          `json:"started_on,omitempty"`
	FinishedOn     *time.Time          `json:"finished_on,omitempty"`
	Declined       bool                `json:"declined,omitempty"`
	ClientTimeZone string              `json:"client_time_zone,omitempty"`
	ClientData     json.RawMessage     `json:"client_data,omitempty"`
	UploadIDs      []string            `json:"upload_ids,omitempty"`
}

// Validate checks the fields a submitted record must carry.
func (r AdherenceRecord) Validate() error {
	if r.InstanceGUID == "" {
		return &ValidationError{Field: "instance_guid", Detail: "is required"}
	}
	if r.EventTimestamp.IsZero() {
		return &ValidationError{Field: "event_timestamp", Detail: "is required"}
	}
	return nil
}

// StartedDay is the day bucket that distinguishes repeats of a persistent
// instance. Records with no start share the zero bucket.
func (r AdherenceRecord) StartedDay() time.Time {
	if r.StartedOn == nil {
		return time.Time{}
	}
	t := r.StartedOn.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MergeAdherenceRecords folds an incoming submission into the stored record
// for the same key. The fold is idempotent and, whenever the declined flag
// agrees, commutative: first-start wins, last-finish wins, upload ids only
// accumulate. An explicit decline wipes progress.
func MergeAdherenceRecords(existing, incoming AdherenceRecord) AdherenceRecord {
	out := existing

	if incoming.Declined {
		out.Declined = true
		out.StartedOn = nil
		out.FinishedOn = nil
	} else {
		out.Declined = false
		out.StartedOn = earliestOf(existing.StartedOn, incoming.StartedOn)
		out.FinishedOn = latestOf(existing.FinishedOn, incoming.FinishedOn)
	}

	out.UploadIDs = unionUploadIDs(existing.UploadIDs, incoming.UploadIDs)
	if incoming.ClientTimeZone != "" {
		out.ClientTimeZone = incoming.ClientTimeZone
	}
	if len(incoming.ClientData) > 0 {
		out.ClientData = incoming.ClientData
	}
	return out
}

// DeriveSessionRecord recomputes a session instance's record from its child
// assessment records. The fold runs in full on every child write rather than
// patching incrementally.
func DeriveSessionRecord(session AdherenceRecord, children []AdherenceRecord) AdherenceRecord {
	out := session
	out.RecordType = RecordTypeSession
	out.StartedOn = nil
	out.FinishedOn = nil

	started := 0
	finished := 0
	declined := 0
	var minStart, maxFinish *time.Time
	for _, child := range children {
		if child.Declined {
			declined++
			continue
		}
		if child.StartedOn != nil {
			started++
			minStart = earliestOf(minStart, child.StartedOn)
		}
		if child.FinishedOn != nil {
			finished++
			maxFinish = latestOf(maxFinish, child.FinishedOn)
		}
	}

	// A session declines only when every child declined; partial declines
	// leave the session active but exclude declined children from the fold.
	out.Declined = len(children) > 0 && declined == len(children)
	if out.Declined {
		return out
	}

	if started > 0 {
		out.StartedOn = minStart
	}
	// The session finishes only when every child carries a finish stamp.
	// Declined children clear their stamps, so a decline holds the session
	// open rather than counting toward completion.
	if finished > 0 && finished == len(children) {
		out.FinishedOn = maxFinish
	}
	return out
}

func earliestOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return copyTime(b)
	case b == nil:
		return copyTime(a)
	case b.Before(*a):
		return copyTime(b)
	default:
		return copyTime(a)
	}
}

func latestOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return copyTime(b)
	case b == nil:
		return copyTime(a)
	case b.After(*a):
		return copyTime(b)
	default:
		return copyTime(a)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func unionUploadIDs(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
