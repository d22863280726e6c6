// Package domain defines the schedule timeline and adherence engine.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickb777/period"
)

var (
	// ErrNotFound is returned when a record or event key does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a concurrent-write conflict that exhausted retries.
	ErrConflict = errors.New("concurrent write conflict")
)

// ValidationError marks structurally invalid input rejected before any state change.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PerformanceOrder hints how clients should order assessments within a session.
type PerformanceOrder string

const (
	PerformanceOrderSequential PerformanceOrder = "sequential"
	PerformanceOrderOrdered    PerformanceOrder = "ordered"
)

// Schedule is the declarative study schedule authored by designers. It is a
// read-only input to timeline generation.
type Schedule struct {
	GUID         string        `json:"guid"`
	Name         string        `json:"name"`
	OwnerID      string        `json:"owner_id"`
	Duration     period.Period `json:"duration"`
	StartEventID string        `json:"start_event_id,omitempty"`
	Sessions     []Session     `json:"sessions"`
	StudyBursts  []StudyBurst  `json:"study_bursts,omitempty"`
}

// Session is a schedulable unit of one or more assessments.
type Session struct {
	GUID             string                `json:"guid"`
	Name             string                `json:"name"`
	StartEventIDs    []string              `json:"start_event_ids"`
	Delay            period.Period         `json:"delay,omitempty"`
	Interval         period.Period         `json:"interval,omitempty"`
	PerformanceOrder PerformanceOrder      `json:"performance_order,omitempty"`
	Assessments      []AssessmentReference `json:"assessments"`
	TimeWindows      []TimeWindow          `json:"time_windows"`
	StudyBurstIDs    []string              `json:"study_burst_ids,omitempty"`
	Notifications    []NotificationInfo    `json:"notifications,omitempty"`
}

// AssessmentReference points at an assessment revision included in a session.
type AssessmentReference struct {
	GUID       string `json:"guid"`
	Identifier string `json:"identifier"`
	Revision   int    `json:"revision,omitempty"`
}

// TimeWindow is a recurring slot in which a session occurrence may be
// performed. Persistent windows never expire and are reusable.
type TimeWindow struct {
	GUID       string        `json:"guid"`
	StartTime  string        `json:"start_time"` // "HH:MM" local clock time
	Expiration period.Period `json:"expiration,omitempty"`
	Persistent bool          `json:"persistent,omitempty"`
}

// StudyBurst is a named recurring group anchored to an origin event.
type StudyBurst struct {
	Identifier    string          `json:"identifier"`
	OriginEventID string          `json:"origin_event_id"`
	Delay         period.Period   `json:"delay,omitempty"`
	Interval      period.Period   `json:"interval"`
	Occurrences   int             `json:"occurrences"`
	UpdateType    EventUpdateType `json:"update_type"`
}

// NotificationInfo describes a reminder attached to a session. Delivery is
// owned by an external collaborator; the engine only stores the declaration.
type NotificationInfo struct {
	NotifyAt string        `json:"notify_at"` // "start_of_window" | "before_window_end"
	Offset   period.Period `json:"offset,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// StudyEventConfig declares the study's custom events and automatic events.
type StudyEventConfig struct {
	// CustomEvents maps a custom event key to its declared update type.
	CustomEvents map[string]EventUpdateType `json:"custom_events,omitempty"`
	// AutomaticCustomEvents maps a custom event key to "<originEventId>:<ISO period>".
	AutomaticCustomEvents map[string]string `json:"automatic_custom_events,omitempty"`
}

// Validate checks structural correctness of an authored schedule.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.GUID) == "" {
		return &ValidationError{Field: "guid", Detail: "is required"}
	}
	if s.Duration.IsZero() {
		return &ValidationError{Field: "duration", Detail: "is required"}
	}
	if len(s.Sessions) == 0 {
		return &ValidationError{Field: "sessions", Detail: "at least one session is required"}
	}
	burstIDs := make(map[string]struct{}, len(s.StudyBursts))
	for i, burst := range s.StudyBursts {
		if err := burst.validate(i); err != nil {
			return err
		}
		burstIDs[burst.Identifier] = struct{}{}
	}
	for i, session := range s.Sessions {
		if err := session.validate(i, burstIDs); err != nil {
			return err
		}
	}
	return nil
}

func (s Session) validate(idx int, burstIDs map[string]struct{}) error {
	field := func(name string) string { return fmt.Sprintf("sessions[%d].%s", idx, name) }
	if strings.TrimSpace(s.GUID) == "" {
		return &ValidationError{Field: field("guid"), Detail: "is required"}
	}
	if len(s.StartEventIDs) == 0 && len(s.StudyBurstIDs) == 0 {
		return &ValidationError{Field: field("start_event_ids"), Detail: "a trigger event or study burst is required"}
	}
	for _, eventID := range s.StartEventIDs {
		if _, err := ParseEventID(eventID); err != nil {
			return &ValidationError{Field: field("start_event_ids"), Detail: err.Error()}
		}
	}
	if len(s.TimeWindows) == 0 {
		return &ValidationError{Field: field("time_windows"), Detail: "at least one time window is required"}
	}
	for j, window := range s.TimeWindows {
		if strings.TrimSpace(window.GUID) == "" {
			return &ValidationError{Field: fmt.Sprintf("sessions[%d].time_windows[%d].guid", idx, j), Detail: "is required"}
		}
		if _, err := parseClockTime(window.StartTime); err != nil {
			return &ValidationError{Field: fmt.Sprintf("sessions[%d].time_windows[%d].start_time", idx, j), Detail: err.Error()}
		}
		if !window.Persistent && window.Expiration.IsZero() {
			return &ValidationError{Field: fmt.Sprintf("sessions[%d].time_windows[%d].expiration", idx, j), Detail: "is required for non-persistent windows"}
		}
	}
	for _, burstID := range s.StudyBurstIDs {
		if _, ok := burstIDs[burstID]; !ok {
			return &ValidationError{Field: field("study_burst_ids"), Detail: fmt.Sprintf("unknown study burst %q", burstID)}
		}
	}
	if len(s.Assessments) == 0 {
		return &ValidationError{Field: field("assessments"), Detail: "at least one assessment is required"}
	}
	switch s.PerformanceOrder {
	case "", PerformanceOrderSequential, PerformanceOrderOrdered:
	default:
		return &ValidationError{Field: field("performance_order"), Detail: fmt.Sprintf("unknown value %q", s.PerformanceOrder)}
	}
	return nil
}

func (b StudyBurst) validate(idx int) error {
	field := func(name string) string { return fmt.Sprintf("study_bursts[%d].%s", idx, name) }
	if strings.TrimSpace(b.Identifier) == "" {
		return &ValidationError{Field: field("identifier"), Detail: "is required"}
	}
	if strings.TrimSpace(b.OriginEventID) == "" {
		return &ValidationError{Field: field("origin_event_id"), Detail: "is required"}
	}
	if b.Interval.IsZero() {
		return &ValidationError{Field: field("interval"), Detail: "is required"}
	}
	if b.Occurrences <= 0 {
		return &ValidationError{Field: field("occurrences"), Detail: "must be > 0"}
	}
	if !b.UpdateType.Valid() {
		return &ValidationError{Field: field("update_type"), Detail: fmt.Sprintf("unknown value %q", b.UpdateType)}
	}
	return nil
}

// burst returns the burst with the given identifier, if declared.
func (s Schedule) burst(identifier string) (StudyBurst, bool) {
	for _, b := range s.StudyBursts {
		if b.Identifier == identifier {
			return b, true
		}
	}
	return StudyBurst{}, false
}

// parseClockTime parses a "HH:MM" time-of-day into an offset from midnight.
func parseClockTime(value string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("malformed time of day %q", value)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}
