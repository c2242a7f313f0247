package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The mobile app that originally wrote these documents was loose about field
// names: a present-student entry may carry its roster id under "roster_id",
// "id", "studentId" or "student_id", and ids occasionally arrive as numbers.
// Everything is mapped onto the canonical PresentStudent here, once, at the
// store boundary. Nothing past this point branches on field presence.

type presentStudentDoc struct {
	RosterID       json.RawMessage `json:"roster_id"`
	ID             json.RawMessage `json:"id"`
	StudentIDCamel json.RawMessage `json:"studentId"`
	StudentIDSnake json.RawMessage `json:"student_id"`
	Name           string          `json:"name"`
	StudentName    string          `json:"studentName"`
	Confidence     float64         `json:"confidence"`
	MarkedAt       time.Time       `json:"marked_at"`
}

// DecodePresentStudents parses an embedded present list, tolerating the
// legacy alias shapes. Entries with no usable identifier and no name are
// dropped; the caller decides whether to count that as a data-quality event.
func DecodePresentStudents(data []byte) ([]PresentStudent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var docs []presentStudentDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode present students: %w", err)
	}
	out := make([]PresentStudent, 0, len(docs))
	for _, d := range docs {
		p, ok := normalizePresent(d)
		if !ok {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// EncodePresentStudents serializes the canonical shape. The secondary id is
// written under the legacy "student_id" key that PresentStudent already
// declares, so round-trips stay readable by older consumers.
func EncodePresentStudents(students []PresentStudent) ([]byte, error) {
	if students == nil {
		students = []PresentStudent{}
	}
	return json.Marshal(students)
}

func normalizePresent(d presentStudentDoc) (PresentStudent, bool) {
	rosterID := firstString(d.RosterID, d.ID)
	secondary := firstString(d.StudentIDCamel, d.StudentIDSnake)
	if rosterID == "" {
		// Oldest records stored only the student code.
		rosterID = secondary
	}
	name := d.Name
	if name == "" {
		name = d.StudentName
	}
	if rosterID == "" && name == "" {
		return PresentStudent{}, false
	}
	return PresentStudent{
		RosterID:    rosterID,
		SecondaryID: secondary,
		Name:        name,
		Confidence:  d.Confidence,
		MarkedAt:    d.MarkedAt,
	}, true
}

func firstString(raws ...json.RawMessage) string {
	for _, raw := range raws {
		if s := asString(raw); s != "" {
			return s
		}
	}
	return ""
}

// asString coerces a JSON scalar to its string form; numeric ids are common
// in older documents.
func asString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
