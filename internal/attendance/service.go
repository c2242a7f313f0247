package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/calendar"
	"rollcall/internal/identity"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
	"rollcall/internal/queue"
)

// Store is the persistence surface the service needs. *Repository satisfies
// it; tests use an in-memory fake.
type Store interface {
	CreateStudent(ctx context.Context, e model.RosterEntry) (model.RosterEntry, error)
	ListStudents(ctx context.Context, teacherID string) ([]model.RosterEntry, error)
	GetStudent(ctx context.Context, id string) (*model.RosterEntry, error)
	UpdateStudentPhoto(ctx context.Context, id, photoURL string) error

	InsertSession(ctx context.Context, s model.SessionRecord) (model.SessionRecord, error)
	GetSession(ctx context.Context, id string) (model.SessionRecord, error)
	ListSessionsByTeacher(ctx context.Context, teacherID string) ([]model.SessionRecord, error)
	ListSessions(ctx context.Context) ([]model.SessionRecord, error)

	InsertMark(ctx context.Context, m model.IndividualMark) (model.IndividualMark, error)
	ListMarksByStudent(ctx context.Context, studentID string) ([]model.IndividualMark, error)
	MarkBetween(ctx context.Context, teacherID, studentID string, from, to time.Time) (*model.IndividualMark, error)
}

// Recognizer is the external oracle: image plus roster in, raw candidate
// detections out.
type Recognizer interface {
	Identify(ctx context.Context, imageURL string, roster []model.RosterEntry) ([]model.RecognitionCandidate, error)
}

// Service coordinates recognition, identity resolution, the dual write and
// the reconciled read side.
type Service struct {
	store Store
	rec   Recognizer
	q     queue.Queue
	hub   *Hub
	loc   *time.Location
	now   func() time.Time
}

// NewService creates a service. q may be nil (no backfill worker); loc nil
// means local time.
func NewService(store Store, rec Recognizer, q queue.Queue, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store: store,
		rec:   rec,
		q:     q,
		hub:   NewHub(),
		loc:   loc,
		now:   time.Now,
	}
}

// Stats summarizes a viewer's timeline for the dashboard.
type Stats struct {
	TotalStudents int `json:"total_students,omitempty"`
	TotalSessions int `json:"total_sessions"`
	Today         int `json:"today"`
	ThisWeek      int `json:"this_week"`
	ThisMonth     int `json:"this_month"`
}

// NewStudent is the input for roster registration.
type NewStudent struct {
	SecondaryID string `json:"student_id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photo_url"`
}

// RegisterStudent adds a student to a teacher's roster.
func (s *Service) RegisterStudent(ctx context.Context, teacherID string, in NewStudent) (model.RosterEntry, error) {
	if teacherID == "" {
		return model.RosterEntry{}, errors.New("teacher id required")
	}
	if in.Name == "" || in.SecondaryID == "" {
		return model.RosterEntry{}, errors.New("name and student id required")
	}
	entry := model.RosterEntry{
		ID:          uuid.NewString(),
		SecondaryID: in.SecondaryID,
		Name:        in.Name,
		Email:       in.Email,
		PhotoURL:    in.PhotoURL,
		TeacherID:   teacherID,
	}
	created, err := s.store.CreateStudent(ctx, entry)
	if err != nil {
		return model.RosterEntry{}, err
	}
	s.hub.Notify(teacherID)
	return created, nil
}

// Roster returns a teacher's registered students.
func (s *Service) Roster(ctx context.Context, teacherID string) ([]model.RosterEntry, error) {
	return s.store.ListStudents(ctx, teacherID)
}

// SetStudentPhoto updates a roster entry's profile photo after verifying
// the caller owns the entry.
func (s *Service) SetStudentPhoto(ctx context.Context, teacherID, studentID, photoURL string) error {
	entry, err := s.store.GetStudent(ctx, studentID)
	if err != nil {
		return err
	}
	if entry == nil || entry.TeacherID != teacherID {
		return errors.New("student not found")
	}
	return s.store.UpdateStudentPhoto(ctx, studentID, photoURL)
}

// TakeAttendance runs the recognition step: oracle call, then identity
// resolution against the caller's roster. No writes happen here; the result
// goes back to the teacher for review before commit.
func (s *Service) TakeAttendance(ctx context.Context, teacherID, imageURL string) ([]model.ResolvedCandidate, error) {
	roster, err := s.store.ListStudents(ctx, teacherID)
	if err != nil {
		return nil, err
	}
	cands, err := s.rec.Identify(ctx, imageURL, roster)
	if err != nil {
		metrics.OracleCalls.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.OracleCalls.WithLabelValues("ok").Inc()

	resolved := identity.ResolveAll(cands, roster)
	for _, rc := range resolved {
		if rc.Match == model.MatchUnmatched {
			metrics.UnmatchedDetections.Inc()
		}
	}
	return resolved, nil
}

// CommitAttendance persists one session and its per-student marks.
//
// The two writes are not atomic: the session is written first and is
// canonical; marks are best effort, with failures logged, counted, and
// repaired later by the backfill worker. Candidates are deduplicated by
// roster id keeping the highest confidence, and students already marked
// present today are not marked again. A commit where every student was
// already marked today is a no-op returning the existing session.
func (s *Service) CommitAttendance(ctx context.Context, teacherID string, date time.Time, candidates []model.ResolvedCandidate, photoURL string) (model.SessionRecord, error) {
	if teacherID == "" {
		return model.SessionRecord{}, errors.New("teacher id required")
	}
	now := s.now()
	if date.IsZero() {
		date = now
	}

	present := dedupeCandidates(candidates, now)
	if len(present) == 0 {
		return model.SessionRecord{}, errors.New("no matched students to mark")
	}

	var unmarked []model.PresentStudent
	for _, p := range present {
		marked, err := s.HasMarkedToday(ctx, teacherID, p.RosterID, date)
		if err != nil {
			return model.SessionRecord{}, err
		}
		if !marked {
			unmarked = append(unmarked, p)
		}
	}

	if len(unmarked) == 0 {
		if prior, err := s.sessionForDay(ctx, teacherID, date); err == nil && prior != nil {
			return *prior, nil
		}
		// All students carry marks but no session exists (legacy data);
		// fall through and write the session so it becomes canonical.
	}

	session, err := s.store.InsertSession(ctx, model.SessionRecord{
		TeacherID:       teacherID,
		Date:            date,
		PresentStudents: present,
		PhotoURL:        photoURL,
	})
	if err != nil {
		return model.SessionRecord{}, err
	}

	partial := false
	for _, p := range unmarked {
		_, err := s.store.InsertMark(ctx, model.IndividualMark{
			TeacherID:       teacherID,
			StudentRosterID: p.RosterID,
			StudentName:     p.Name,
			Date:            date,
			Present:         true,
			SessionID:       session.ID,
		})
		if err != nil {
			// The session is already committed; the reconciler answers
			// correctly without this mark and the worker retries it.
			log.Printf("mark write failed for student %s in session %s: %v", p.RosterID, session.ID, err)
			metrics.PartialMarkWrites.Inc()
			partial = true
		}
	}

	if s.q != nil {
		if err := s.q.Publish(ctx, queue.Job{Type: "session", SessionID: session.ID}); err != nil {
			log.Printf("queue publish failed for session %s: %v", session.ID, err)
		}
	} else if partial {
		log.Printf("session %s committed with missing marks and no backfill queue", session.ID)
	}

	keys := make([]string, 0, len(present)+1)
	keys = append(keys, teacherID)
	for _, p := range present {
		keys = append(keys, p.RosterID)
	}
	s.hub.Notify(keys...)

	return session, nil
}

// HasMarkedToday answers the idempotency check for one (teacher, student,
// day). Marks are the fast path; when no mark is found the session records
// for that day are scanned, since a partial dual write may have dropped the
// mark.
func (s *Service) HasMarkedToday(ctx context.Context, teacherID, studentID string, day time.Time) (bool, error) {
	from, to := model.DayBounds(day, s.loc)

	m, err := s.store.MarkBetween(ctx, teacherID, studentID, from, to)
	if err == nil && m != nil && m.Present {
		return true, nil
	}
	if err != nil {
		log.Printf("mark lookup failed for %s/%s, falling back to sessions: %v", teacherID, studentID, err)
	}

	sessions, serr := s.store.ListSessionsByTeacher(ctx, teacherID)
	if serr != nil {
		if err != nil {
			return false, fmt.Errorf("mark lookup: %v; session scan: %w", err, serr)
		}
		return false, serr
	}
	for _, sess := range sessions {
		if sess.Date.IsZero() || !model.SameDay(sess.Date, day, s.loc) {
			continue
		}
		if identity.MemberOf(sess.PresentStudents, studentID) {
			return true, nil
		}
	}
	return false, nil
}

// Timeline builds the reconciled view for a viewer. Teachers see their own
// sessions; students see the union of class records naming them and their
// individual marks. One degraded source never blanks the view.
func (s *Service) Timeline(ctx context.Context, viewer model.Viewer) ([]model.TimelineEntry, error) {
	if viewer.Role == model.RoleTeacher {
		sessions, err := s.store.ListSessionsByTeacher(ctx, viewer.ID)
		if err != nil {
			return nil, err
		}
		return BuildTimeline(viewer, sessions, nil, s.loc), nil
	}

	sessions, sessErr := s.store.ListSessions(ctx)
	marks, markErr := s.store.ListMarksByStudent(ctx, viewer.ID)
	if sessErr != nil && markErr != nil {
		return nil, fmt.Errorf("timeline unavailable: sessions: %v; marks: %w", sessErr, markErr)
	}
	if sessErr != nil {
		log.Printf("session stream unavailable for %s, serving marks only: %v", viewer.ID, sessErr)
		sessions = nil
	}
	if markErr != nil {
		log.Printf("mark stream unavailable for %s, serving sessions only: %v", viewer.ID, markErr)
		marks = nil
	}
	return BuildTimeline(viewer, sessions, marks, s.loc), nil
}

// MonthGrid returns the 42-cell calendar for a viewer and month.
func (s *Service) MonthGrid(ctx context.Context, viewer model.Viewer, year int, month time.Month) ([]calendar.Cell, error) {
	entries, err := s.Timeline(ctx, viewer)
	if err != nil {
		return nil, err
	}
	return calendar.MonthGrid(entries, year, month, s.now().In(s.loc)), nil
}

// DashboardStats computes the counters the dashboard shows.
func (s *Service) DashboardStats(ctx context.Context, viewer model.Viewer) (Stats, error) {
	entries, err := s.Timeline(ctx, viewer)
	if err != nil {
		return Stats{}, err
	}
	today := s.now().In(s.loc)

	st := Stats{TotalSessions: len(entries)}
	for _, e := range entries {
		if model.SameDay(e.Date, today, s.loc) {
			st.Today++
		}
		if calendar.WithinDays(e.Date, today, 7) {
			st.ThisWeek++
		}
		if calendar.SameMonth(e.Date, today) {
			st.ThisMonth++
		}
	}
	if viewer.Role == model.RoleTeacher {
		roster, err := s.store.ListStudents(ctx, viewer.ID)
		if err == nil {
			st.TotalStudents = len(roster)
		}
	}
	return st, nil
}

// Subscribe delivers a coalesced tick whenever records affecting the viewer
// change. The caller re-queries a fresh snapshot per tick.
func (s *Service) Subscribe(viewerID string) (<-chan struct{}, func()) {
	return s.hub.Subscribe(viewerID)
}

// ReconcileSession re-derives the individual marks for one committed
// session, inserting any the dual write missed. Returns how many marks were
// backfilled. Used by the worker.
func (s *Service) ReconcileSession(ctx context.Context, sessionID string) (int, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if session.Date.IsZero() {
		metrics.MalformedRecords.Inc()
		return 0, fmt.Errorf("session %s has no usable date", sessionID)
	}

	from, to := model.DayBounds(session.Date, s.loc)
	backfilled := 0
	for _, p := range session.PresentStudents {
		if p.RosterID == "" {
			continue
		}
		m, err := s.store.MarkBetween(ctx, session.TeacherID, p.RosterID, from, to)
		if err != nil {
			return backfilled, err
		}
		if m != nil {
			continue
		}
		_, err = s.store.InsertMark(ctx, model.IndividualMark{
			TeacherID:       session.TeacherID,
			StudentRosterID: p.RosterID,
			StudentName:     p.Name,
			Date:            session.Date,
			Present:         true,
			SessionID:       session.ID,
		})
		if err != nil {
			return backfilled, err
		}
		metrics.BackfilledMarks.Inc()
		backfilled++
	}
	if backfilled > 0 {
		keys := []string{session.TeacherID}
		for _, p := range session.PresentStudents {
			keys = append(keys, p.RosterID)
		}
		s.hub.Notify(keys...)
	}
	return backfilled, nil
}

// sessionForDay returns the teacher's newest session on day's calendar day.
func (s *Service) sessionForDay(ctx context.Context, teacherID string, day time.Time) (*model.SessionRecord, error) {
	sessions, err := s.store.ListSessionsByTeacher(ctx, teacherID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if !sess.Date.IsZero() && model.SameDay(sess.Date, day, s.loc) {
			return &sess, nil
		}
	}
	return nil, nil
}

// dedupeCandidates collapses reviewed candidates into the embedded present
// list: unmatched rows are dropped, duplicate roster ids keep the highest
// confidence.
func dedupeCandidates(candidates []model.ResolvedCandidate, markedAt time.Time) []model.PresentStudent {
	index := make(map[string]int, len(candidates))
	present := make([]model.PresentStudent, 0, len(candidates))
	for _, c := range candidates {
		if c.Match == model.MatchUnmatched || c.RosterID == "" {
			continue
		}
		if i, ok := index[c.RosterID]; ok {
			if c.Confidence > present[i].Confidence {
				present[i].Confidence = c.Confidence
			}
			continue
		}
		index[c.RosterID] = len(present)
		present = append(present, model.PresentStudent{
			RosterID:    c.RosterID,
			SecondaryID: c.SecondaryID,
			Name:        c.Name,
			Confidence:  c.Confidence,
			MarkedAt:    markedAt,
		})
	}
	return present
}
