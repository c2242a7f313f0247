package model

import "time"

// Roles carried in JWT claims and viewer identities.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Viewer is the authenticated identity a query runs as. It is passed
// explicitly into every store/reconciler call; nothing reads it from
// ambient state.
type Viewer struct {
	ID   string
	Role string
}

// RosterEntry is a registered student. The store-assigned ID is the durable
// identity anchor; SecondaryID is the human-facing student code and may or
// may not equal ID. All identity comparison against these fields lives in
// the identity package.
type RosterEntry struct {
	ID          string    `json:"id"`
	SecondaryID string    `json:"student_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	TeacherID   string    `json:"teacher_id"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PresentStudent is one embedded entry in a session's present list.
type PresentStudent struct {
	RosterID    string    `json:"roster_id"`
	SecondaryID string    `json:"student_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	Confidence  float64   `json:"confidence"`
	MarkedAt    time.Time `json:"marked_at,omitempty"`
}

// SessionRecord is one attendance-taking event. Immutable once written;
// corrections are out of scope. PresentStudents never contains two entries
// with the same RosterID.
type SessionRecord struct {
	ID              string           `json:"id"`
	TeacherID       string           `json:"teacher_id"`
	Date            time.Time        `json:"date"`
	PresentStudents []PresentStudent `json:"students"`
	PhotoURL        string           `json:"photo_url,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// IndividualMark is the denormalized one-row-per-student-per-session record.
// It exists to make "was X present on day Y" cheap; sessions remain the
// source of truth when the two disagree.
type IndividualMark struct {
	ID              string    `json:"id"`
	TeacherID       string    `json:"teacher_id"`
	StudentRosterID string    `json:"student_id"`
	StudentName     string    `json:"student_name,omitempty"`
	Date            time.Time `json:"date"`
	Present         bool      `json:"present"`
	SessionID       string    `json:"session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecognitionCandidate is a raw detection from the oracle, before identity
// resolution. Never persisted directly.
type RecognitionCandidate struct {
	RawID      string  `json:"id"`
	RawName    string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// MatchKind tags how a candidate was bound to the roster.
type MatchKind string

const (
	MatchID        MatchKind = "id"
	MatchName      MatchKind = "name"
	MatchFuzzy     MatchKind = "fuzzy"
	MatchUnmatched MatchKind = "unmatched"
)

// ResolvedCandidate is a roster-bound, confidence-scored detection ready for
// teacher review. Entry is nil for unmatched candidates; RosterID then holds
// a stable placeholder so the row can still be displayed and rejected.
type ResolvedCandidate struct {
	Entry       *RosterEntry `json:"entry,omitempty"`
	RosterID    string       `json:"roster_id"`
	SecondaryID string       `json:"student_id,omitempty"`
	Name        string       `json:"name"`
	Confidence  float64      `json:"confidence"`
	Match       MatchKind    `json:"match"`
}

// TimelineEntry is one reconciled attendance outcome. Teacher timelines are
// session-centric (Present is not meaningful); student timelines carry one
// entry per calendar day.
type TimelineEntry struct {
	Date            time.Time        `json:"date"`
	Present         bool             `json:"present"`
	SessionID       string           `json:"session_id,omitempty"`
	PresentStudents []PresentStudent `json:"students,omitempty"`
}

// DayKey collapses a timestamp to its calendar day in loc. All same-day
// comparisons in the engine go through this so that dedup, idempotency and
// grid lookups agree on day boundaries.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02")
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return DayKey(a, loc) == DayKey(b, loc)
}

// DayBounds returns the inclusive start and exclusive end of t's calendar
// day in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
