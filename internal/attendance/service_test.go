package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rollcall/internal/model"
	"rollcall/internal/queue"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	students []model.RosterEntry
	sessions []model.SessionRecord
	marks    []model.IndividualMark

	failMarkInsert bool
	markLookupErr  error
}

func (m *memStore) CreateStudent(_ context.Context, e model.RosterEntry) (model.RosterEntry, error) {
	e.CreatedAt = time.Now()
	m.students = append(m.students, e)
	return e, nil
}

func (m *memStore) ListStudents(_ context.Context, teacherID string) ([]model.RosterEntry, error) {
	var out []model.RosterEntry
	for _, e := range m.students {
		if e.TeacherID == teacherID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) GetStudent(_ context.Context, id string) (*model.RosterEntry, error) {
	for i := range m.students {
		if m.students[i].ID == id {
			return &m.students[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateStudentPhoto(_ context.Context, id, photoURL string) error {
	for i := range m.students {
		if m.students[i].ID == id {
			m.students[i].PhotoURL = photoURL
			return nil
		}
	}
	return errors.New("not found")
}

func (m *memStore) InsertSession(_ context.Context, s model.SessionRecord) (model.SessionRecord, error) {
	if s.ID == "" {
		s.ID = fmt.Sprintf("sess-%d", len(m.sessions)+1)
	}
	s.CreatedAt = time.Now()
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *memStore) GetSession(_ context.Context, id string) (model.SessionRecord, error) {
	for _, s := range m.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return model.SessionRecord{}, errors.New("not found")
}

func (m *memStore) ListSessionsByTeacher(_ context.Context, teacherID string) ([]model.SessionRecord, error) {
	var out []model.SessionRecord
	for _, s := range m.sessions {
		if s.TeacherID == teacherID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) ListSessions(_ context.Context) ([]model.SessionRecord, error) {
	return append([]model.SessionRecord(nil), m.sessions...), nil
}

func (m *memStore) InsertMark(_ context.Context, mk model.IndividualMark) (model.IndividualMark, error) {
	if m.failMarkInsert {
		return model.IndividualMark{}, errors.New("mark write refused")
	}
	if mk.ID == "" {
		mk.ID = fmt.Sprintf("mark-%d", len(m.marks)+1)
	}
	mk.CreatedAt = time.Now()
	m.marks = append(m.marks, mk)
	return mk, nil
}

func (m *memStore) ListMarksByStudent(_ context.Context, studentID string) ([]model.IndividualMark, error) {
	var out []model.IndividualMark
	for _, mk := range m.marks {
		if mk.StudentRosterID == studentID {
			out = append(out, mk)
		}
	}
	return out, nil
}

func (m *memStore) MarkBetween(_ context.Context, teacherID, studentID string, from, to time.Time) (*model.IndividualMark, error) {
	if m.markLookupErr != nil {
		return nil, m.markLookupErr
	}
	for i := range m.marks {
		mk := m.marks[i]
		if mk.TeacherID == teacherID && mk.StudentRosterID == studentID &&
			!mk.Date.Before(from) && mk.Date.Before(to) {
			return &mk, nil
		}
	}
	return nil, nil
}

// stubOracle returns fixed detections.
type stubOracle struct {
	cands []model.RecognitionCandidate
	err   error
}

func (o *stubOracle) Identify(_ context.Context, _ string, _ []model.RosterEntry) ([]model.RecognitionCandidate, error) {
	return o.cands, o.err
}

func newTestService(store *memStore, rec Recognizer) *Service {
	svc := NewService(store, rec, queue.NewInMemory(8), time.UTC)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return svc
}

func rosterAlice() []model.RosterEntry {
	return []model.RosterEntry{{ID: "1", SecondaryID: "S001", Name: "Alice", TeacherID: "t1"}}
}

func TestTakeAndCommitAttendance(t *testing.T) {
	store := &memStore{students: rosterAlice()}
	rec := &stubOracle{cands: []model.RecognitionCandidate{{RawID: "S001", RawName: "Alicia", Confidence: 0.95}}}
	svc := newTestService(store, rec)
	ctx := context.Background()

	resolved, err := svc.TakeAttendance(ctx, "t1", "https://img.example/class.jpg")
	if err != nil {
		t.Fatalf("take attendance failed: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(resolved))
	}
	if resolved[0].Entry == nil || resolved[0].Entry.ID != "1" || resolved[0].Match != model.MatchID || resolved[0].Confidence != 0.95 {
		t.Fatalf("unexpected resolution: %+v", resolved[0])
	}

	session, err := svc.CommitAttendance(ctx, "t1", time.Time{}, resolved, "https://img.example/class.jpg")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(session.PresentStudents) != 1 || session.PresentStudents[0].RosterID != "1" || session.PresentStudents[0].Confidence != 0.95 {
		t.Fatalf("unexpected present list: %+v", session.PresentStudents)
	}
	if len(store.marks) != 1 || store.marks[0].StudentRosterID != "1" || store.marks[0].SessionID != session.ID {
		t.Fatalf("expected one mark referencing the session, got %+v", store.marks)
	}
}

func TestCommitAttendanceIdempotentPerDay(t *testing.T) {
	store := &memStore{students: rosterAlice()}
	svc := newTestService(store, &stubOracle{})
	ctx := context.Background()

	candidate := model.ResolvedCandidate{
		Entry: &store.students[0], RosterID: "1", SecondaryID: "S001",
		Name: "Alice", Confidence: 0.95, Match: model.MatchID,
	}

	first, err := svc.CommitAttendance(ctx, "t1", time.Time{}, []model.ResolvedCandidate{candidate}, "")
	if err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	marked, err := svc.HasMarkedToday(ctx, "t1", "1", svc.now())
	if err != nil || !marked {
		t.Fatalf("expected marked today after first commit, got %v %v", marked, err)
	}

	second, err := svc.CommitAttendance(ctx, "t1", time.Time{}, []model.ResolvedCandidate{candidate}, "")
	if err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the prior session back, got %s vs %s", second.ID, first.ID)
	}
	if len(store.marks) != 1 {
		t.Fatalf("expected exactly one mark, got %d", len(store.marks))
	}

	entries, err := svc.Timeline(ctx, model.Viewer{ID: "1", Role: model.RoleStudent})
	if err != nil {
		t.Fatalf("timeline failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one present day, got %d: %+v", len(entries), entries)
	}
}

func TestCommitAttendanceDeduplicatesCandidates(t *testing.T) {
	store := &memStore{students: rosterAlice()}
	svc := newTestService(store, &stubOracle{})

	entry := store.students[0]
	candidates := []model.ResolvedCandidate{
		{Entry: &entry, RosterID: "1", Name: "Alice", Confidence: 0.7, Match: model.MatchName},
		{Entry: &entry, RosterID: "1", Name: "Alice", Confidence: 0.95, Match: model.MatchID},
		{RosterID: "unknown-abc123", Name: "Stranger", Confidence: 0.4, Match: model.MatchUnmatched},
	}
	session, err := svc.CommitAttendance(context.Background(), "t1", time.Time{}, candidates, "")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(session.PresentStudents) != 1 {
		t.Fatalf("expected duplicates collapsed and unmatched dropped, got %+v", session.PresentStudents)
	}
	if session.PresentStudents[0].Confidence != 0.95 {
		t.Fatalf("expected max confidence kept, got %v", session.PresentStudents[0].Confidence)
	}
}

func TestCommitAttendanceOnlyUnmatched(t *testing.T) {
	store := &memStore{students: rosterAlice()}
	svc := newTestService(store, &stubOracle{})
	_, err := svc.CommitAttendance(context.Background(), "t1", time.Time{}, []model.ResolvedCandidate{
		{RosterID: "unknown-xyz", Name: "Stranger", Confidence: 0.4, Match: model.MatchUnmatched},
	}, "")
	if err == nil {
		t.Fatalf("expected error when no candidate matched the roster")
	}
}

func TestCommitSurvivesMarkWriteFailure(t *testing.T) {
	store := &memStore{students: rosterAlice(), failMarkInsert: true}
	svc := newTestService(store, &stubOracle{})
	ctx := context.Background()

	entry := store.students[0]
	session, err := svc.CommitAttendance(ctx, "t1", time.Time{}, []model.ResolvedCandidate{
		{Entry: &entry, RosterID: "1", Name: "Alice", Confidence: 0.9, Match: model.MatchID},
	}, "")
	if err != nil {
		t.Fatalf("commit must not fail when only marks fail: %v", err)
	}
	if len(store.marks) != 0 {
		t.Fatalf("expected no marks written, got %+v", store.marks)
	}

	// The reconciler answers from the session alone.
	entries, err := svc.Timeline(ctx, model.Viewer{ID: "1", Role: model.RoleStudent})
	if err != nil {
		t.Fatalf("timeline failed: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != session.ID {
		t.Fatalf("expected present day from session record, got %+v", entries)
	}
	marked, err := svc.HasMarkedToday(ctx, "t1", "1", svc.now())
	if err != nil || !marked {
		t.Fatalf("expected session-scan fallback to report marked, got %v %v", marked, err)
	}
}

func TestHasMarkedTodayFallsBackWhenMarksUnavailable(t *testing.T) {
	store := &memStore{
		students:      rosterAlice(),
		markLookupErr: errors.New("marks unavailable"),
		sessions: []model.SessionRecord{{
			ID: "s1", TeacherID: "t1",
			Date:            time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
			PresentStudents: []model.PresentStudent{{RosterID: "1"}},
		}},
	}
	svc := newTestService(store, &stubOracle{})
	marked, err := svc.HasMarkedToday(context.Background(), "t1", "1", svc.now())
	if err != nil || !marked {
		t.Fatalf("expected fallback scan to succeed, got %v %v", marked, err)
	}
}

func TestReconcileSessionBackfillsMissingMarks(t *testing.T) {
	store := &memStore{
		students: rosterAlice(),
		sessions: []model.SessionRecord{{
			ID: "s1", TeacherID: "t1",
			Date: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
			PresentStudents: []model.PresentStudent{
				{RosterID: "1", Name: "Alice", Confidence: 0.9},
			},
		}},
		marks: []model.IndividualMark{{
			ID: "m-existing", TeacherID: "t1", StudentRosterID: "2",
			Date: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Present: true,
		}},
	}
	svc := newTestService(store, &stubOracle{})

	n, err := svc.ReconcileSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 backfilled mark, got %d", n)
	}
	marks, _ := store.ListMarksByStudent(context.Background(), "1")
	if len(marks) != 1 || marks[0].SessionID != "s1" {
		t.Fatalf("expected backfilled mark referencing s1, got %+v", marks)
	}

	// Second run is a no-op.
	n, err = svc.ReconcileSession(context.Background(), "s1")
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent reconcile, got n=%d err=%v", n, err)
	}
}

func TestTakeAttendanceOracleFailure(t *testing.T) {
	store := &memStore{students: rosterAlice()}
	svc := newTestService(store, &stubOracle{err: errors.New("oracle down")})
	if _, err := svc.TakeAttendance(context.Background(), "t1", "url"); err == nil {
		t.Fatalf("expected oracle failure to propagate")
	}
}

func TestDashboardStats(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	store := &memStore{
		students: rosterAlice(),
		sessions: []model.SessionRecord{
			{ID: "a", TeacherID: "t1", Date: now.Add(-2 * time.Hour)},
			{ID: "b", TeacherID: "t1", Date: now.AddDate(0, 0, -3)},
			{ID: "c", TeacherID: "t1", Date: now.AddDate(0, 0, -10)},
			{ID: "d", TeacherID: "t1", Date: now.AddDate(0, -2, 0)},
		},
	}
	svc := newTestService(store, &stubOracle{})
	svc.now = func() time.Time { return now }

	st, err := svc.DashboardStats(context.Background(), model.Viewer{ID: "t1", Role: model.RoleTeacher})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if st.TotalSessions != 4 || st.Today != 1 || st.ThisWeek != 2 || st.ThisMonth != 3 || st.TotalStudents != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSubscribeNotifiesOnCommit(t *testing.T) {
	store := &memStore{students: rosterAlice()}
	svc := newTestService(store, &stubOracle{})

	ch, cancel := svc.Subscribe("1")
	defer cancel()

	entry := store.students[0]
	if _, err := svc.CommitAttendance(context.Background(), "t1", time.Time{}, []model.ResolvedCandidate{
		{Entry: &entry, RosterID: "1", Name: "Alice", Confidence: 0.9, Match: model.MatchID},
	}, ""); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected a change notification for the marked student")
	}
}
