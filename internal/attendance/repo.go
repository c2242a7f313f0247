package attendance

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
	"rollcall/internal/model"
)

// Repository persists rosters, sessions and individual marks in Postgres.
// Session rows embed their present list as JSONB; decoding runs through the
// model normalization step so legacy field aliases never leak past here.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the tables when they do not exist yet.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		role       TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		user_id    TEXT NOT NULL,
		token      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS students (
		id           TEXT PRIMARY KEY,
		student_code TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL,
		email        TEXT NOT NULL DEFAULT '',
		teacher_id   TEXT NOT NULL,
		photo_url    TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS attendance_sessions (
		id               TEXT PRIMARY KEY,
		teacher_id       TEXT NOT NULL,
		date             TIMESTAMPTZ NOT NULL,
		present_students JSONB NOT NULL DEFAULT '[]',
		photo_url        TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS attendance_marks (
		id           TEXT PRIMARY KEY,
		teacher_id   TEXT NOT NULL,
		student_id   TEXT NOT NULL,
		student_name TEXT NOT NULL DEFAULT '',
		date         TIMESTAMPTZ NOT NULL,
		present      BOOLEAN NOT NULL DEFAULT TRUE,
		session_id   TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_students_teacher ON students(teacher_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_teacher ON attendance_sessions(teacher_id, date);
	CREATE INDEX IF NOT EXISTS idx_marks_student    ON attendance_marks(student_id, date);
	CREATE INDEX IF NOT EXISTS idx_marks_session    ON attendance_marks(session_id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// UpsertUser ensures an account row exists.
func (r *Repository) UpsertUser(ctx context.Context, id, role, name string) error {
	if id == "" {
		return errors.New("user id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, role, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, name = EXCLUDED.name
	`, id, role, name)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, userID, token, expiresAt)
	return err
}

// CreateStudent inserts a roster entry.
func (r *Repository) CreateStudent(ctx context.Context, e model.RosterEntry) (model.RosterEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (id, student_code, name, email, teacher_id, photo_url)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, e.ID, e.SecondaryID, e.Name, e.Email, e.TeacherID, e.PhotoURL)
	if err := row.Scan(&e.CreatedAt); err != nil {
		return model.RosterEntry{}, err
	}
	return e, nil
}

// ListStudents returns a teacher's roster ordered by name.
func (r *Repository) ListStudents(ctx context.Context, teacherID string) ([]model.RosterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_code, name, email, teacher_id, photo_url, created_at
		FROM students WHERE teacher_id = $1 ORDER BY name
	`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []model.RosterEntry
	for rows.Next() {
		var e model.RosterEntry
		if err := rows.Scan(&e.ID, &e.SecondaryID, &e.Name, &e.Email, &e.TeacherID, &e.PhotoURL, &e.CreatedAt); err != nil {
			return nil, err
		}
		roster = append(roster, e)
	}
	return roster, rows.Err()
}

// GetStudent returns a roster entry by id, nil when absent.
func (r *Repository) GetStudent(ctx context.Context, id string) (*model.RosterEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_code, name, email, teacher_id, photo_url, created_at
		FROM students WHERE id = $1
	`, id)
	var e model.RosterEntry
	if err := row.Scan(&e.ID, &e.SecondaryID, &e.Name, &e.Email, &e.TeacherID, &e.PhotoURL, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// UpdateStudentPhoto stores the profile photo URL for a roster entry.
func (r *Repository) UpdateStudentPhoto(ctx context.Context, id, photoURL string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE students SET photo_url = $2 WHERE id = $1`, id, photoURL)
	return err
}

// InsertSession writes a new session record.
func (r *Repository) InsertSession(ctx context.Context, s model.SessionRecord) (model.SessionRecord, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Date.IsZero() {
		s.Date = time.Now().UTC()
	}
	encoded, err := model.EncodePresentStudents(s.PresentStudents)
	if err != nil {
		return model.SessionRecord{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (id, teacher_id, date, present_students, photo_url)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, s.ID, s.TeacherID, s.Date, encoded, s.PhotoURL)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return model.SessionRecord{}, err
	}
	return s, nil
}

// GetSession returns a single session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (model.SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, date, present_students, photo_url, created_at
		FROM attendance_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// ListSessionsByTeacher returns a teacher's sessions, newest first.
func (r *Repository) ListSessionsByTeacher(ctx context.Context, teacherID string) ([]model.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, teacher_id, date, present_students, photo_url, created_at
		FROM attendance_sessions WHERE teacher_id = $1 ORDER BY date DESC
	`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessions returns sessions across all teachers, newest first. Student
// timelines need this because a student may appear in any teacher's class
// records.
func (r *Repository) ListSessions(ctx context.Context) ([]model.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, teacher_id, date, present_students, photo_url, created_at
		FROM attendance_sessions ORDER BY date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// InsertMark writes one individual mark.
func (r *Repository) InsertMark(ctx context.Context, m model.IndividualMark) (model.IndividualMark, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Date.IsZero() {
		m.Date = time.Now().UTC()
	}
	var sessionID any
	if m.SessionID != "" {
		sessionID = m.SessionID
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_marks (id, teacher_id, student_id, student_name, date, present, session_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, m.ID, m.TeacherID, m.StudentRosterID, m.StudentName, m.Date, m.Present, sessionID)
	if err := row.Scan(&m.CreatedAt); err != nil {
		return model.IndividualMark{}, err
	}
	return m, nil
}

// ListMarksByStudent returns a student's marks, newest first.
func (r *Repository) ListMarksByStudent(ctx context.Context, studentID string) ([]model.IndividualMark, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, teacher_id, student_id, student_name, date, present, session_id, created_at
		FROM attendance_marks WHERE student_id = $1 ORDER BY date DESC
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarks(rows)
}

// ListMarksBySession returns the marks referencing one session.
func (r *Repository) ListMarksBySession(ctx context.Context, sessionID string) ([]model.IndividualMark, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, teacher_id, student_id, student_name, date, present, session_id, created_at
		FROM attendance_marks WHERE session_id = $1 ORDER BY date DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarks(rows)
}

// MarkBetween returns the newest mark for a student in [from, to), nil when
// there is none.
func (r *Repository) MarkBetween(ctx context.Context, teacherID, studentID string, from, to time.Time) (*model.IndividualMark, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, student_id, student_name, date, present, session_id, created_at
		FROM attendance_marks
		WHERE teacher_id = $1 AND student_id = $2 AND date >= $3 AND date < $4
		ORDER BY date DESC
		LIMIT 1
	`, teacherID, studentID, from, to)
	m, err := scanMark(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.SessionRecord, error) {
	var s model.SessionRecord
	var encoded []byte
	if err := row.Scan(&s.ID, &s.TeacherID, &s.Date, &encoded, &s.PhotoURL, &s.CreatedAt); err != nil {
		return model.SessionRecord{}, err
	}
	students, err := model.DecodePresentStudents(encoded)
	if err != nil {
		// The session itself is still usable for session-centric views;
		// the embedded list is what went bad.
		log.Printf("session %s: undecodable present list: %v", s.ID, err)
		metrics.MalformedRecords.Inc()
		students = nil
	}
	s.PresentStudents = students
	return s, nil
}

func collectSessions(rows *sql.Rows) ([]model.SessionRecord, error) {
	var out []model.SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanMark(row rowScanner) (model.IndividualMark, error) {
	var m model.IndividualMark
	var sessionID sql.NullString
	if err := row.Scan(&m.ID, &m.TeacherID, &m.StudentRosterID, &m.StudentName, &m.Date, &m.Present, &sessionID, &m.CreatedAt); err != nil {
		return model.IndividualMark{}, err
	}
	m.SessionID = sessionID.String
	return m, nil
}

func collectMarks(rows *sql.Rows) ([]model.IndividualMark, error) {
	var out []model.IndividualMark
	for rows.Next() {
		m, err := scanMark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
