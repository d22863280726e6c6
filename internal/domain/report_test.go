package domain

import (
	"testing"
	"time"
)

func TestBuildEventStreamReport(t *testing.T) {
	trigger := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	open := time.Date(2023, time.June, 3, 8, 0, 0, 0, time.UTC)
	expired := open.Add(24 * time.Hour)
	now := time.Date(2023, time.June, 10, 12, 0, 0, 0, time.UTC)

	timeline := Timeline{Sessions: []ScheduledSession{
		{
			InstanceGUID:   "done",
			SessionGUID:    "sess-1",
			TimeWindowGUID: "win-1",
			StartEventID:   EventEnrollment,
			EventTimestamp: trigger,
			StartTime:      open,
			EndTime:        &expired,
		},
		{
			InstanceGUID:   "declined",
			SessionGUID:    "sess-1",
			TimeWindowGUID: "win-1",
			StartEventID:   EventEnrollment,
			EventTimestamp: trigger,
			StartTime:      open.AddDate(0, 0, 3),
		},
		{
			InstanceGUID:   "missed",
			SessionGUID:    "sess-1",
			TimeWindowGUID: "win-1",
			StartEventID:   EventEnrollment,
			EventTimestamp: trigger,
			StartTime:      open,
			EndTime:        &expired,
		},
		{
			InstanceGUID:   "upcoming",
			SessionGUID:    "sess-2",
			TimeWindowGUID: "win-2",
			StartEventID:   "custom:clinic_visit",
			EventTimestamp: trigger.AddDate(0, 0, 4),
			StartTime:      now.AddDate(0, 0, 2),
		},
	}}

	finished := open.Add(time.Hour)
	records := []AdherenceRecord{
		{InstanceGUID: "done", StartedOn: &open, FinishedOn: &finished},
		{InstanceGUID: "declined", Declined: true},
	}

	report := BuildEventStreamReport(timeline, records, now)

	if got := report.Statistics; got.TotalInstances != 4 ||
		got.Completed != 1 || got.Declined != 1 || got.Expired != 1 || got.NotStarted != 1 {
		t.Fatalf("unexpected statistics: %+v", got)
	}
	if report.Statistics.Compliance != 0.25 {
		t.Fatalf("expected compliance 0.25, got %v", report.Statistics.Compliance)
	}

	if len(report.Streams) != 2 {
		t.Fatalf("expected one stream per anchor event, got %d", len(report.Streams))
	}
	// Streams are ordered by event id for stable output.
	if report.Streams[0].StartEventID != "custom:clinic_visit" || report.Streams[1].StartEventID != EventEnrollment {
		t.Fatalf("unexpected stream order: %s, %s", report.Streams[0].StartEventID, report.Streams[1].StartEventID)
	}

	enrollment := report.Streams[1]
	day2 := enrollment.ByDay[2]
	if len(day2) != 2 {
		t.Fatalf("expected the two day-2 instances bucketed together, got %d", len(day2))
	}
	states := map[string]SessionCompletionState{}
	for _, entry := range day2 {
		states[entry.InstanceGUID] = entry.State
	}
	if states["done"] != StateCompleted || states["missed"] != StateExpired {
		t.Fatalf("unexpected day-2 states: %v", states)
	}
	if len(enrollment.ByDay[5]) != 1 || enrollment.ByDay[5][0].State != StateDeclined {
		t.Fatalf("expected the declined instance on day 5, got %+v", enrollment.ByDay[5])
	}
}

func TestBuildEventStreamReportPrefersLatestBucket(t *testing.T) {
	trigger := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	start := trigger.Add(9 * time.Hour)
	later := start.AddDate(0, 0, 3)

	timeline := Timeline{Sessions: []ScheduledSession{{
		InstanceGUID:   "persistent",
		SessionGUID:    "sess-1",
		TimeWindowGUID: "win-1",
		StartEventID:   EventEnrollment,
		EventTimestamp: trigger,
		Persistent:     true,
		StartTime:      start,
	}}}

	// Two day buckets of the same persistent instance; the later one finished.
	records := []AdherenceRecord{
		{InstanceGUID: "persistent", StartedOn: &start},
		{InstanceGUID: "persistent", StartedOn: &later, FinishedOn: tp(later.Add(time.Hour))},
	}

	report := BuildEventStreamReport(timeline, records, later.AddDate(0, 0, 1))
	if report.Statistics.Completed != 1 {
		t.Fatalf("expected the most recent bucket to determine state, got %+v", report.Statistics)
	}
}
