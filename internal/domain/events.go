package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventScope distinguishes app-global events from study-scoped events.
// Events with the same id in different scopes are fully independent.
type EventScope string

const (
	ScopeGlobal EventScope = "global"
	ScopeStudy  EventScope = "study"
)

// EventUpdateType is the mutability policy governing an activity event.
type EventUpdateType string

const (
	UpdateTypeMutable    EventUpdateType = "mutable"
	UpdateTypeImmutable  EventUpdateType = "immutable"
	UpdateTypeFutureOnly EventUpdateType = "future_only"
)

// Valid reports whether the update type is one of the known policies.
func (u EventUpdateType) Valid() bool {
	switch u {
	case UpdateTypeMutable, UpdateTypeImmutable, UpdateTypeFutureOnly:
		return true
	}
	return false
}

// Accepts decides whether a proposed write is allowed given the current
// value. A nil proposed timestamp is a delete. Policy rejections are
// successful no-ops, not errors.
func (u EventUpdateType) Accepts(current *time.Time, proposed *time.Time) bool {
	switch u {
	case UpdateTypeMutable:
		return true
	case UpdateTypeImmutable:
		return current == nil && proposed != nil
	case UpdateTypeFutureOnly:
		if proposed == nil {
			// Delete is always rejected once any value was accepted.
			return current == nil
		}
		return current == nil || proposed.After(*current)
	}
	return false
}

// Built-in event identifiers.
const (
	EventCreatedOn         = "created_on"
	EventEnrollment        = "enrollment"
	EventStudyStartDate    = "study_start_date"
	EventTimelineRetrieved = "timeline_retrieved"
	EventInstallLinkSent   = "install_link_sent"
)

// Compound event id prefixes.
const (
	customEventPrefix     = "custom:"
	sessionEventPrefix    = "session:"
	assessmentEventPrefix = "assessment:"
	studyBurstEventPrefix = "study_burst:"
	finishedEventSuffix   = ":finished"
)

var builtinEventTypes = map[string]EventUpdateType{
	EventCreatedOn:         UpdateTypeImmutable,
	EventEnrollment:        UpdateTypeImmutable,
	EventStudyStartDate:    UpdateTypeImmutable,
	EventTimelineRetrieved: UpdateTypeFutureOnly,
	EventInstallLinkSent:   UpdateTypeFutureOnly,
}

// EventIDKind classifies a parsed event identifier.
type EventIDKind string

const (
	EventKindBuiltin            EventIDKind = "builtin"
	EventKindCustom             EventIDKind = "custom"
	EventKindSessionFinished    EventIDKind = "session_finished"
	EventKindAssessmentFinished EventIDKind = "assessment_finished"
	EventKindStudyBurst         EventIDKind = "study_burst"
)

// EventID is a parsed activity event identifier.
type EventID struct {
	Raw  string
	Kind EventIDKind
	// Key is the custom key, session guid, assessment identifier, or study
	// burst identifier depending on Kind.
	Key string
	// BurstOccurrence is the 1-based iteration for study burst events.
	BurstOccurrence int
}

// ParseEventID validates and classifies an event identifier.
func ParseEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("event id is required")
	}
	if _, ok := builtinEventTypes[trimmed]; ok {
		return EventID{Raw: trimmed, Kind: EventKindBuiltin, Key: trimmed}, nil
	}
	switch {
	case strings.HasPrefix(trimmed, customEventPrefix):
		key := trimmed[len(customEventPrefix):]
		if key == "" {
			return EventID{}, fmt.Errorf("custom event id %q has no key", raw)
		}
		return EventID{Raw: trimmed, Kind: EventKindCustom, Key: key}, nil
	case strings.HasPrefix(trimmed, sessionEventPrefix) && strings.HasSuffix(trimmed, finishedEventSuffix):
		key := trimmed[len(sessionEventPrefix) : len(trimmed)-len(finishedEventSuffix)]
		if key == "" {
			return EventID{}, fmt.Errorf("session event id %q has no guid", raw)
		}
		return EventID{Raw: trimmed, Kind: EventKindSessionFinished, Key: key}, nil
	case strings.HasPrefix(trimmed, assessmentEventPrefix) && strings.HasSuffix(trimmed, finishedEventSuffix):
		key := trimmed[len(assessmentEventPrefix) : len(trimmed)-len(finishedEventSuffix)]
		if key == "" {
			return EventID{}, fmt.Errorf("assessment event id %q has no identifier", raw)
		}
		return EventID{Raw: trimmed, Kind: EventKindAssessmentFinished, Key: key}, nil
	case strings.HasPrefix(trimmed, studyBurstEventPrefix):
		rest := trimmed[len(studyBurstEventPrefix):]
		sep := strings.LastIndex(rest, ":")
		if sep <= 0 || sep == len(rest)-1 {
			return EventID{}, fmt.Errorf("study burst event id %q must be study_burst:<id>:<occurrence>", raw)
		}
		var occurrence int
		if _, err := fmt.Sscanf(rest[sep+1:], "%d", &occurrence); err != nil || occurrence <= 0 {
			return EventID{}, fmt.Errorf("study burst event id %q has a malformed occurrence", raw)
		}
		return EventID{Raw: trimmed, Kind: EventKindStudyBurst, Key: rest[:sep], BurstOccurrence: occurrence}, nil
	}
	return EventID{}, fmt.Errorf("unknown event id %q", raw)
}

// SessionFinishedEventID builds the synthetic event id written when a session
// instance transitions to finished.
func SessionFinishedEventID(sessionGUID string) string {
	return sessionEventPrefix + sessionGUID + finishedEventSuffix
}

// AssessmentFinishedEventID builds the synthetic event id for a finished
// assessment, keyed by the shared assessment identifier.
func AssessmentFinishedEventID(identifier string) string {
	return assessmentEventPrefix + identifier + finishedEventSuffix
}

// StudyBurstEventID builds the derived event id for one burst iteration.
func StudyBurstEventID(burstID string, occurrence int) string {
	return fmt.Sprintf("%s%s:%02d", studyBurstEventPrefix, burstID, occurrence)
}

// CustomEventID builds the namespaced id for a declared custom event key.
func CustomEventID(key string) string {
	return customEventPrefix + key
}

// ActivityEvent is the current value of a named timestamp anchoring schedule
// computation, together with its governing policy and history length.
type ActivityEvent struct {
	EventID     string          `json:"event_id"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
	UpdateType  EventUpdateType `json:"update_type"`
	RecordCount int             `json:"record_count"`
}

// EventHistoryEntry is one accepted write in an event's history.
type EventHistoryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ResolveUpdateType determines the mutability policy for a parsed event id
// within a study. Custom events must be declared in the study's event config;
// burst events take the burst's declared type.
func ResolveUpdateType(id EventID, schedule *Schedule, config StudyEventConfig) (EventUpdateType, error) {
	switch id.Kind {
	case EventKindBuiltin:
		return builtinEventTypes[id.Key], nil
	case EventKindCustom:
		if updateType, ok := config.CustomEvents[id.Key]; ok {
			return updateType, nil
		}
		return "", &ValidationError{Field: "event_id", Detail: fmt.Sprintf("custom event %q is not declared for this study", id.Key)}
	case EventKindSessionFinished, EventKindAssessmentFinished:
		return UpdateTypeMutable, nil
	case EventKindStudyBurst:
		if schedule != nil {
			if burst, ok := schedule.burst(id.Key); ok {
				return burst.UpdateType, nil
			}
		}
		return "", &ValidationError{Field: "event_id", Detail: fmt.Sprintf("study burst %q is not declared for this study", id.Key)}
	}
	return "", &ValidationError{Field: "event_id", Detail: fmt.Sprintf("unknown event id %q", id.Raw)}
}
