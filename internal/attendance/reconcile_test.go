package attendance

import (
	"testing"
	"time"

	"rollcall/internal/model"
)

var studentViewer = model.Viewer{ID: "r1", Role: model.RoleStudent}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func TestBuildTimelineUnionNotIntersection(t *testing.T) {
	// Session only for March 1, mark only for March 2. Both days must show
	// present: either stream alone is enough.
	sessions := []model.SessionRecord{
		{ID: "sess-1", TeacherID: "t1", Date: day(2024, 3, 1), PresentStudents: []model.PresentStudent{{RosterID: "r1"}}},
	}
	marks := []model.IndividualMark{
		{ID: "m1", TeacherID: "t1", StudentRosterID: "r1", Date: day(2024, 3, 2), Present: true},
	}
	entries := BuildTimeline(studentViewer, sessions, marks, time.UTC)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	// Descending by date.
	if !entries[0].Date.Equal(day(2024, 3, 2)) || !entries[1].Date.Equal(day(2024, 3, 1)) {
		t.Fatalf("expected descending order, got %v then %v", entries[0].Date, entries[1].Date)
	}
	for _, e := range entries {
		if !e.Present {
			t.Fatalf("expected present for %v", e.Date)
		}
	}
}

func TestBuildTimelineDedupPrefersSession(t *testing.T) {
	sessions := []model.SessionRecord{
		{ID: "sess-1", TeacherID: "t1", Date: day(2024, 3, 1), PresentStudents: []model.PresentStudent{{RosterID: "r1", Confidence: 0.9}}},
	}
	marks := []model.IndividualMark{
		{ID: "m1", TeacherID: "t1", StudentRosterID: "r1", Date: day(2024, 3, 1).Add(time.Hour), Present: true, SessionID: "sess-1"},
	}
	entries := BuildTimeline(studentViewer, sessions, marks, time.UTC)
	if len(entries) != 1 {
		t.Fatalf("expected session and mark to collapse into one day, got %d", len(entries))
	}
	if entries[0].SessionID != "sess-1" || len(entries[0].PresentStudents) == 0 {
		t.Fatalf("expected the session-derived entry to win, got %+v", entries[0])
	}
}

func TestBuildTimelineMembershipBySecondaryID(t *testing.T) {
	// Class records sometimes store the student code instead of the roster id.
	sessions := []model.SessionRecord{
		{ID: "sess-1", Date: day(2024, 3, 1), PresentStudents: []model.PresentStudent{{RosterID: "other", SecondaryID: "r1"}}},
	}
	entries := BuildTimeline(studentViewer, sessions, nil, time.UTC)
	if len(entries) != 1 {
		t.Fatalf("expected membership via secondary id, got %+v", entries)
	}
}

func TestBuildTimelineSkipsMalformed(t *testing.T) {
	sessions := []model.SessionRecord{
		{ID: "bad", PresentStudents: []model.PresentStudent{{RosterID: "r1"}}}, // zero date
		{ID: "good", Date: day(2024, 3, 1), PresentStudents: []model.PresentStudent{{RosterID: "r1"}}},
	}
	marks := []model.IndividualMark{
		{ID: "bad-mark", StudentRosterID: "r1", Present: true}, // zero date
	}
	entries := BuildTimeline(studentViewer, sessions, marks, time.UTC)
	if len(entries) != 1 || entries[0].SessionID != "good" {
		t.Fatalf("expected only the well-formed session, got %+v", entries)
	}
}

func TestBuildTimelineEmptyStreams(t *testing.T) {
	if entries := BuildTimeline(studentViewer, nil, nil, time.UTC); len(entries) != 0 {
		t.Fatalf("expected empty timeline, got %+v", entries)
	}
	marks := []model.IndividualMark{
		{ID: "m1", StudentRosterID: "r1", Date: day(2024, 3, 2), Present: true},
	}
	if entries := BuildTimeline(studentViewer, nil, marks, time.UTC); len(entries) != 1 {
		t.Fatalf("mark stream alone must still build the view, got %+v", entries)
	}
}

func TestBuildTimelineIgnoresOtherStudents(t *testing.T) {
	marks := []model.IndividualMark{
		{ID: "m1", StudentRosterID: "someone-else", Date: day(2024, 3, 2), Present: true},
	}
	if entries := BuildTimeline(studentViewer, nil, marks, time.UTC); len(entries) != 0 {
		t.Fatalf("expected no entries for other students, got %+v", entries)
	}
}

func TestBuildTimelineTeacherView(t *testing.T) {
	teacher := model.Viewer{ID: "t1", Role: model.RoleTeacher}
	sessions := []model.SessionRecord{
		{ID: "s1", TeacherID: "t1", Date: day(2024, 3, 1), PresentStudents: []model.PresentStudent{{RosterID: "r1"}, {RosterID: "r2"}}},
		{ID: "s2", TeacherID: "t1", Date: day(2024, 3, 1).Add(2 * time.Hour)},
	}
	entries := BuildTimeline(teacher, sessions, nil, time.UTC)
	// Teacher view is session-centric: two sessions on one day stay two entries.
	if len(entries) != 2 {
		t.Fatalf("expected one entry per session, got %d", len(entries))
	}
	if entries[0].SessionID != "s2" {
		t.Fatalf("expected newest session first, got %+v", entries[0])
	}
	if len(entries[1].PresentStudents) != 2 {
		t.Fatalf("expected embedded present list, got %+v", entries[1])
	}
}
