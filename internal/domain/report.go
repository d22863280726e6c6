package domain

import (
	"sort"
	"time"
)

// SessionCompletionState summarizes one instance's adherence for reporting.
type SessionCompletionState string

const (
	StateNotStarted SessionCompletionState = "not_started"
	StateStarted    SessionCompletionState = "started"
	StateCompleted  SessionCompletionState = "completed"
	StateDeclined   SessionCompletionState = "declined"
	StateExpired    SessionCompletionState = "expired"
)

// EventStreamEntry is one scheduled session instance positioned on its
// triggering event's day axis.
type EventStreamEntry struct {
	InstanceGUID   string                 `json:"instance_guid"`
	SessionGUID    string                 `json:"session_guid"`
	SessionName    string                 `json:"session_name,omitempty"`
	TimeWindowGUID string                 `json:"time_window_guid"`
	StartDay       int                    `json:"start_day"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        *time.Time             `json:"end_time,omitempty"`
	State          SessionCompletionState `json:"state"`
}

// EventStream groups entries by triggering event, bucketed per day offset.
type EventStream struct {
	StartEventID   string                     `json:"start_event_id"`
	EventTimestamp time.Time                  `json:"event_timestamp"`
	ByDay          map[int][]EventStreamEntry `json:"by_day"`
}

// EventStreamReport is the event-stream adherence report: the participant's
// timeline joined with ledger state, grouped by anchor event.
type EventStreamReport struct {
	Streams    []EventStream       `json:"streams"`
	Statistics AdherenceStatistics `json:"statistics"`
}

// AdherenceStatistics carries compliance counts over the joined timeline.
type AdherenceStatistics struct {
	TotalInstances int     `json:"total_instances"`
	Completed      int     `json:"completed"`
	Started        int     `json:"started"`
	Declined       int     `json:"declined"`
	Expired        int     `json:"expired"`
	NotStarted     int     `json:"not_started"`
	Compliance     float64 `json:"compliance"`
}

// BuildEventStreamReport joins the generated timeline with adherence records
// as of now. Grouping and day bucketing is data for the external renderer;
// labeling stays out of scope.
func BuildEventStreamReport(timeline Timeline, records []AdherenceRecord, now time.Time) EventStreamReport {
	byInstance := make(map[string]AdherenceRecord, len(records))
	for _, record := range records {
		existing, ok := byInstance[record.InstanceGUID]
		if !ok || laterProgress(record, existing) {
			byInstance[record.InstanceGUID] = record
		}
	}

	streams := make(map[string]*EventStream)
	order := make([]string, 0)
	var stats AdherenceStatistics

	for _, session := range timeline.Sessions {
		stream, ok := streams[session.StartEventID]
		if !ok {
			stream = &EventStream{
				StartEventID:   session.StartEventID,
				EventTimestamp: session.EventTimestamp,
				ByDay:          make(map[int][]EventStreamEntry),
			}
			streams[session.StartEventID] = stream
			order = append(order, session.StartEventID)
		}

		state := instanceState(session, byInstance, now)
		day := daysBetween(session.EventTimestamp, session.StartTime)
		stream.ByDay[day] = append(stream.ByDay[day], EventStreamEntry{
			InstanceGUID:   session.InstanceGUID,
			SessionGUID:    session.SessionGUID,
			SessionName:    session.SessionName,
			TimeWindowGUID: session.TimeWindowGUID,
			StartDay:       day,
			StartTime:      session.StartTime,
			EndTime:        session.EndTime,
			State:          state,
		})

		stats.TotalInstances++
		switch state {
		case StateCompleted:
			stats.Completed++
		case StateStarted:
			stats.Started++
		case StateDeclined:
			stats.Declined++
		case StateExpired:
			stats.Expired++
		default:
			stats.NotStarted++
		}
	}

	if stats.TotalInstances > 0 {
		stats.Compliance = float64(stats.Completed) / float64(stats.TotalInstances)
	}

	sort.Strings(order)
	report := EventStreamReport{Statistics: stats}
	for _, eventID := range order {
		report.Streams = append(report.Streams, *streams[eventID])
	}
	return report
}

func instanceState(session ScheduledSession, byInstance map[string]AdherenceRecord, now time.Time) SessionCompletionState {
	record, ok := byInstance[session.InstanceGUID]
	if ok {
		switch {
		case record.Declined:
			return StateDeclined
		case record.FinishedOn != nil:
			return StateCompleted
		case record.StartedOn != nil:
			return StateStarted
		}
	}
	if session.EndTime != nil && session.EndTime.Before(now) {
		return StateExpired
	}
	return StateNotStarted
}

// laterProgress prefers the record with more recent activity when a
// persistent instance has accumulated several day buckets.
func laterProgress(a, b AdherenceRecord) bool {
	at := a.StartedOn
	if a.FinishedOn != nil {
		at = a.FinishedOn
	}
	bt := b.StartedOn
	if b.FinishedOn != nil {
		bt = b.FinishedOn
	}
	if bt == nil {
		return at != nil
	}
	if at == nil {
		return false
	}
	return at.After(*bt)
}

func daysBetween(from, to time.Time) int {
	fromDay := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toDay := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(toDay.Sub(fromDay) / (24 * time.Hour))
}
