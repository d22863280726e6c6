package domain

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"
)

// instanceGuidLen bounds the content-addressed identifier length.
const instanceGuidLen = 21

// maxOccurrencesPerSource caps runaway interval expansion from malformed
// schedules. Validation rejects zero intervals, so this is never reached by
// well-formed input.
const maxOccurrencesPerSource = 1000

// ScheduledSession is one concrete occurrence of a session in a participant's
// timeline, carrying its assessments.
type ScheduledSession struct {
	InstanceGUID   string                `json:"instance_guid"`
	SessionGUID    string                `json:"session_guid"`
	SessionName    string                `json:"session_name,omitempty"`
	StartEventID   string                `json:"start_event_id"`
	EventTimestamp time.Time             `json:"event_timestamp"`
	TimeWindowGUID string                `json:"time_window_guid"`
	Persistent     bool                  `json:"persistent,omitempty"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        *time.Time            `json:"end_time,omitempty"` // nil for persistent windows
	Assessments    []ScheduledAssessment `json:"assessments"`
}

// ScheduledAssessment is one assessment within a scheduled session instance.
type ScheduledAssessment struct {
	InstanceGUID    string `json:"instance_guid"`
	AssessmentGUID  string `json:"assessment_guid"`
	Identifier      string `json:"identifier"`
	PerformanceHint int    `json:"performance_hint"` // ordinal for sequential sessions, 0-based
}

// Timeline is the ordered set of scheduled sessions for one participant.
type Timeline struct {
	ScheduleGUID string             `json:"schedule_guid"`
	Sessions     []ScheduledSession `json:"sessions"`
}

// occurrence is one expansion point of a session before windows are applied.
type occurrence struct {
	startEventID   string
	eventTimestamp time.Time
	start          time.Time
	// key distinguishes repeats of the same (session, trigger) pair inside
	// instance guids. Empty for one-shot occurrences.
	key string
}

// GenerateTimeline expands a schedule against resolved event timestamps into
// concrete session instances. It is a pure function: identical inputs yield
// identical instance guids and window bounds. It never errors; sessions with
// unresolved triggers or no windows simply contribute nothing.
func GenerateTimeline(schedule Schedule, events map[string]time.Time) Timeline {
	timeline := Timeline{ScheduleGUID: schedule.GUID}

	for _, session := range schedule.Sessions {
		occurrences := expandOccurrences(schedule, session, events)
		for _, window := range session.TimeWindows {
			timeline.Sessions = append(timeline.Sessions, applyWindow(session, window, occurrences)...)
		}
	}

	sort.Slice(timeline.Sessions, func(i, j int) bool {
		a, b := timeline.Sessions[i], timeline.Sessions[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if a.SessionGUID != b.SessionGUID {
			return a.SessionGUID < b.SessionGUID
		}
		return a.InstanceGUID < b.InstanceGUID
	})
	return timeline
}

// expandOccurrences applies every recurrence source a session declares:
// a plain interval (or one-shot) per trigger event, plus burst-aligned
// occurrences for each referenced study burst.
func expandOccurrences(schedule Schedule, session Session, events map[string]time.Time) []occurrence {
	var out []occurrence

	for _, eventID := range session.StartEventIDs {
		eventTS, ok := events[eventID]
		if !ok {
			continue
		}
		anchor, _ := session.Delay.AddTo(eventTS)
		cutoff := scheduleCutoff(schedule, eventID, eventTS, events)

		if session.Interval.IsZero() {
			if anchor.Before(cutoff) {
				out = append(out, occurrence{startEventID: eventID, eventTimestamp: eventTS, start: anchor})
			}
			continue
		}

		start := anchor
		for k := 0; k < maxOccurrencesPerSource && start.Before(cutoff); k++ {
			out = append(out, occurrence{
				startEventID:   eventID,
				eventTimestamp: eventTS,
				start:          start,
				key:            occurrenceKey(k),
			})
			start, _ = session.Interval.AddTo(start)
		}
	}

	for _, burstID := range session.StudyBurstIDs {
		burst, ok := schedule.burst(burstID)
		if !ok {
			continue
		}
		originTS, ok := events[burst.OriginEventID]
		if !ok {
			continue
		}
		cutoff := scheduleCutoff(schedule, burst.OriginEventID, originTS, events)
		burstStart, _ := burst.Delay.AddTo(originTS)
		for i := 0; i < burst.Occurrences; i++ {
			// Individual burst iterations are addressable events of their
			// own; a mutated burst event re-anchors that iteration.
			burstEventID := StudyBurstEventID(burst.Identifier, i+1)
			eventTS := burstStart
			if override, ok := events[burstEventID]; ok {
				eventTS = override
			}
			anchor, _ := session.Delay.AddTo(eventTS)
			if anchor.Before(cutoff) {
				out = append(out, occurrence{startEventID: burstEventID, eventTimestamp: eventTS, start: anchor})
			}
			burstStart, _ = burst.Interval.AddTo(burstStart)
		}
	}

	return out
}

// scheduleCutoff bounds occurrence expansion at the schedule's own anchor
// event plus its duration, falling back to the session trigger when the
// schedule declares no anchor of its own.
func scheduleCutoff(schedule Schedule, triggerEventID string, triggerTS time.Time, events map[string]time.Time) time.Time {
	anchor := triggerTS
	if schedule.StartEventID != "" && schedule.StartEventID != triggerEventID {
		if ts, ok := events[schedule.StartEventID]; ok {
			anchor = ts
		}
	}
	cutoff, _ := schedule.Duration.AddTo(anchor)
	return cutoff
}

func applyWindow(session Session, window TimeWindow, occurrences []occurrence) []ScheduledSession {
	startOfDay, err := parseClockTime(window.StartTime)
	if err != nil {
		return nil
	}

	if window.Persistent {
		return persistentInstances(session, window, startOfDay, occurrences)
	}

	out := make([]ScheduledSession, 0, len(occurrences))
	for _, occ := range occurrences {
		windowStart := atClockTime(occ.start, startOfDay)
		windowEnd, _ := window.Expiration.AddTo(windowStart)
		instance := ScheduledSession{
			InstanceGUID:   instanceGUID(session.GUID, occ.startEventID, window.GUID, occ.key),
			SessionGUID:    session.GUID,
			SessionName:    session.Name,
			StartEventID:   occ.startEventID,
			EventTimestamp: occ.eventTimestamp,
			TimeWindowGUID: window.GUID,
			StartTime:      windowStart,
			EndTime:        &windowEnd,
		}
		instance.Assessments = expandAssessments(session, instance.InstanceGUID)
		out = append(out, instance)
	}
	return out
}

// persistentInstances collapses all repeats for a (session, window, trigger)
// tuple into a single re-enterable instance with no expiration.
func persistentInstances(session Session, window TimeWindow, startOfDay time.Duration, occurrences []occurrence) []ScheduledSession {
	type firstSeen struct {
		occ occurrence
	}
	earliest := make(map[string]firstSeen)
	order := make([]string, 0)
	for _, occ := range occurrences {
		trigger := occ.startEventID
		existing, seen := earliest[trigger]
		if !seen {
			order = append(order, trigger)
		}
		if !seen || occ.start.Before(existing.occ.start) {
			earliest[trigger] = firstSeen{occ: occ}
		}
	}

	out := make([]ScheduledSession, 0, len(order))
	for _, trigger := range order {
		occ := earliest[trigger].occ
		instance := ScheduledSession{
			InstanceGUID:   instanceGUID(session.GUID, trigger, window.GUID, ""),
			SessionGUID:    session.GUID,
			SessionName:    session.Name,
			StartEventID:   trigger,
			EventTimestamp: occ.eventTimestamp,
			TimeWindowGUID: window.GUID,
			Persistent:     true,
			StartTime:      atClockTime(occ.start, startOfDay),
		}
		instance.Assessments = expandAssessments(session, instance.InstanceGUID)
		out = append(out, instance)
	}
	return out
}

func expandAssessments(session Session, parentGUID string) []ScheduledAssessment {
	out := make([]ScheduledAssessment, 0, len(session.Assessments))
	for i, ref := range session.Assessments {
		hint := 0
		if session.PerformanceOrder == PerformanceOrderSequential || session.PerformanceOrder == PerformanceOrderOrdered {
			hint = i
		}
		out = append(out, ScheduledAssessment{
			InstanceGUID:    instanceGUID(ref.GUID, parentGUID, "", occurrenceKey(i)),
			AssessmentGUID:  ref.GUID,
			Identifier:      ref.Identifier,
			PerformanceHint: hint,
		})
	}
	return out
}

// instanceGUID derives a stable content-addressed identifier from the fields
// that distinguish one instance from every other. Any replica computes the
// same guid without coordination.
func instanceGUID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:instanceGuidLen]
}

// occurrenceKey renders a repeat index as a zero-padded tag for guid input.
func occurrenceKey(index int) string {
	return fmt.Sprintf("%02d", index)
}

// atClockTime sets the time-of-day on the occurrence's calendar date (UTC).
func atClockTime(t time.Time, offset time.Duration) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.Add(offset)
}
