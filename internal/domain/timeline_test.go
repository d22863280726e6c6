package domain

import (
	"reflect"
	"testing"
	"time"

	"github.com/rickb777/period"
)

func intervalSchedule() Schedule {
	return Schedule{
		GUID:     "sched-1",
		Name:     "Main Arm",
		Duration: period.MustParse("P22D"),
		Sessions: []Session{{
			GUID:          "sess-1",
			Name:          "Weekly Survey",
			StartEventIDs: []string{EventEnrollment},
			Delay:         period.MustParse("P2D"),
			Interval:      period.MustParse("P3D"),
			Assessments:   []AssessmentReference{{GUID: "asmt-1", Identifier: "survey"}},
			TimeWindows: []TimeWindow{{
				GUID:       "win-1",
				StartTime:  "08:00",
				Expiration: period.MustParse("P1D"),
			}},
		}},
	}
}

func TestGenerateTimelineExpandsIntervals(t *testing.T) {
	enrollment := time.Date(2020, time.May, 10, 0, 0, 0, 0, time.UTC)
	timeline := GenerateTimeline(intervalSchedule(), map[string]time.Time{EventEnrollment: enrollment})

	if len(timeline.Sessions) != 7 {
		t.Fatalf("expected 7 occurrences within the study duration, got %d", len(timeline.Sessions))
	}

	first := timeline.Sessions[0]
	wantStart := time.Date(2020, time.May, 12, 8, 0, 0, 0, time.UTC)
	if !first.StartTime.Equal(wantStart) {
		t.Fatalf("expected first window to open at %v, got %v", wantStart, first.StartTime)
	}
	if first.EndTime == nil || !first.EndTime.Equal(wantStart.Add(24*time.Hour)) {
		t.Fatalf("expected first window to expire one day after opening, got %v", first.EndTime)
	}
	if !first.EventTimestamp.Equal(enrollment) {
		t.Fatalf("expected occurrences to carry the trigger timestamp, got %v", first.EventTimestamp)
	}

	last := timeline.Sessions[len(timeline.Sessions)-1]
	wantLast := time.Date(2020, time.May, 30, 8, 0, 0, 0, time.UTC)
	if !last.StartTime.Equal(wantLast) {
		t.Fatalf("expected last occurrence at %v, got %v", wantLast, last.StartTime)
	}

	seen := make(map[string]struct{})
	for _, session := range timeline.Sessions {
		if _, dup := seen[session.InstanceGUID]; dup {
			t.Fatalf("duplicate instance guid %s", session.InstanceGUID)
		}
		seen[session.InstanceGUID] = struct{}{}
		if len(session.Assessments) != 1 {
			t.Fatalf("expected one assessment per occurrence, got %d", len(session.Assessments))
		}
	}
}

func TestGenerateTimelineIsDeterministic(t *testing.T) {
	events := map[string]time.Time{EventEnrollment: time.Date(2020, time.May, 10, 13, 30, 0, 0, time.UTC)}

	a := GenerateTimeline(intervalSchedule(), events)
	b := GenerateTimeline(intervalSchedule(), events)

	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical inputs must produce identical timelines")
	}
}

func TestGenerateTimelineUnresolvedTriggerYieldsNothing(t *testing.T) {
	timeline := GenerateTimeline(intervalSchedule(), map[string]time.Time{})
	if len(timeline.Sessions) != 0 {
		t.Fatalf("expected empty timeline without the trigger event, got %d sessions", len(timeline.Sessions))
	}
}

func TestGenerateTimelineDelayPastCutoffYieldsNothing(t *testing.T) {
	schedule := intervalSchedule()
	schedule.Sessions[0].Delay = period.MustParse("P30D")
	schedule.Sessions[0].Interval = period.Period{}

	timeline := GenerateTimeline(schedule, map[string]time.Time{
		EventEnrollment: time.Date(2020, time.May, 10, 0, 0, 0, 0, time.UTC),
	})
	if len(timeline.Sessions) != 0 {
		t.Fatalf("expected no occurrences past the schedule duration, got %d", len(timeline.Sessions))
	}
}

func TestGenerateTimelinePersistentWindowCollapsesRepeats(t *testing.T) {
	schedule := intervalSchedule()
	schedule.Sessions[0].TimeWindows = []TimeWindow{{
		GUID:       "win-p",
		StartTime:  "08:00",
		Persistent: true,
	}}

	timeline := GenerateTimeline(schedule, map[string]time.Time{
		EventEnrollment: time.Date(2020, time.May, 10, 0, 0, 0, 0, time.UTC),
	})

	if len(timeline.Sessions) != 1 {
		t.Fatalf("expected the persistent window to collapse repeats to one instance, got %d", len(timeline.Sessions))
	}
	instance := timeline.Sessions[0]
	if !instance.Persistent {
		t.Fatal("expected the collapsed instance to be marked persistent")
	}
	if instance.EndTime != nil {
		t.Fatalf("persistent instances never expire, got end %v", instance.EndTime)
	}
	wantStart := time.Date(2020, time.May, 12, 8, 0, 0, 0, time.UTC)
	if !instance.StartTime.Equal(wantStart) {
		t.Fatalf("expected the earliest occurrence to anchor the instance, got %v", instance.StartTime)
	}
}

func TestGenerateTimelineBurstReanchoring(t *testing.T) {
	schedule := Schedule{
		GUID:     "sched-b",
		Duration: period.MustParse("P60D"),
		StudyBursts: []StudyBurst{{
			Identifier:    "b1",
			OriginEventID: EventEnrollment,
			Interval:      period.MustParse("P7D"),
			Occurrences:   3,
			UpdateType:    UpdateTypeFutureOnly,
		}},
		Sessions: []Session{{
			GUID:          "sess-b",
			StudyBurstIDs: []string{"b1"},
			Assessments:   []AssessmentReference{{GUID: "asmt-1", Identifier: "survey"}},
			TimeWindows: []TimeWindow{{
				GUID:       "win-1",
				StartTime:  "09:00",
				Expiration: period.MustParse("P1D"),
			}},
		}},
	}

	enrollment := time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC)
	events := map[string]time.Time{
		EventEnrollment: enrollment,
		// The participant's second burst iteration was moved by a day.
		StudyBurstEventID("b1", 2): enrollment.AddDate(0, 0, 8),
	}

	timeline := GenerateTimeline(schedule, events)
	if len(timeline.Sessions) != 3 {
		t.Fatalf("expected 3 burst occurrences, got %d", len(timeline.Sessions))
	}

	wantDays := []int{1, 9, 15}
	for i, session := range timeline.Sessions {
		want := time.Date(2021, time.March, wantDays[i], 9, 0, 0, 0, time.UTC)
		if !session.StartTime.Equal(want) {
			t.Fatalf("occurrence %d: expected start %v, got %v", i, want, session.StartTime)
		}
		if session.StartEventID != StudyBurstEventID("b1", i+1) {
			t.Fatalf("occurrence %d: expected burst event trigger, got %s", i, session.StartEventID)
		}
	}
}

func TestGenerateTimelineBurstRespectsCutoff(t *testing.T) {
	schedule := Schedule{
		GUID:     "sched-b",
		Duration: period.MustParse("P10D"),
		StudyBursts: []StudyBurst{{
			Identifier:    "b1",
			OriginEventID: EventEnrollment,
			Interval:      period.MustParse("P7D"),
			Occurrences:   3,
			UpdateType:    UpdateTypeMutable,
		}},
		Sessions: []Session{{
			GUID:          "sess-b",
			StudyBurstIDs: []string{"b1"},
			Assessments:   []AssessmentReference{{GUID: "asmt-1", Identifier: "survey"}},
			TimeWindows: []TimeWindow{{
				GUID:       "win-1",
				StartTime:  "09:00",
				Expiration: period.MustParse("P1D"),
			}},
		}},
	}

	timeline := GenerateTimeline(schedule, map[string]time.Time{
		EventEnrollment: time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	if len(timeline.Sessions) != 2 {
		t.Fatalf("expected the third burst iteration past the cutoff to be dropped, got %d occurrences", len(timeline.Sessions))
	}
}

func TestExpandAssessmentsSequentialHints(t *testing.T) {
	session := Session{
		GUID:             "sess-1",
		PerformanceOrder: PerformanceOrderSequential,
		Assessments: []AssessmentReference{
			{GUID: "a", Identifier: "first"},
			{GUID: "b", Identifier: "second"},
		},
	}

	assessments := expandAssessments(session, "parent-guid")
	if len(assessments) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(assessments))
	}
	for i, assessment := range assessments {
		if assessment.PerformanceHint != i {
			t.Fatalf("expected sequential hint %d, got %d", i, assessment.PerformanceHint)
		}
	}

	session.PerformanceOrder = ""
	for _, assessment := range expandAssessments(session, "parent-guid") {
		if assessment.PerformanceHint != 0 {
			t.Fatalf("unordered sessions carry no hint, got %d", assessment.PerformanceHint)
		}
	}
}
