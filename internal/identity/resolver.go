// Package identity binds uncertain external identifications to canonical
// roster entries. Every identity comparison in the engine lives here; no
// other package compares student ids directly.
package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"rollcall/internal/model"
)

// Confidence ceilings per match tier. Weaker identity signals cap the
// reported confidence so reviewers (or a threshold) can rank candidates.
const (
	nameCap      = 0.7
	fuzzyCap     = 0.6
	unmatchedCap = 0.5
)

// Defaults used when the oracle omitted a confidence for a detection.
const (
	idDefault        = 0.85
	nameDefault      = 0.7
	fuzzyDefault     = 0.6
	unmatchedDefault = 0.5
)

// Resolve matches a raw detection against the roster.
//
// Precedence, first match wins:
//  1. exact id: RawID equals a roster entry's SecondaryID or ID, case
//     sensitive; confidence passes through.
//  2. exact name: lowercased, trimmed names equal; confidence capped.
//  3. fuzzy name: tier 2 normalization plus inner-whitespace folding. This
//     tier is the extension point for a real fuzzy matcher (edit distance,
//     phonetic); today it only folds whitespace.
//  4. unmatched: Entry is nil, RosterID is a stable placeholder so the row
//     can still be shown and rejected.
//
// Ambiguity never errors; it surfaces as a lower confidence. Ties within a
// tier go to roster order.
func Resolve(c model.RecognitionCandidate, roster []model.RosterEntry) model.ResolvedCandidate {
	if c.RawID != "" {
		for i := range roster {
			e := &roster[i]
			if c.RawID == e.SecondaryID || c.RawID == e.ID {
				return resolved(e, confidence(c.Confidence, 1, idDefault), model.MatchID)
			}
		}
	}

	name := normalizeName(c.RawName)
	if name != "" {
		for i := range roster {
			if normalizeName(roster[i].Name) == name {
				return resolved(&roster[i], confidence(c.Confidence, nameCap, nameDefault), model.MatchName)
			}
		}
		folded := foldSpaces(name)
		for i := range roster {
			if foldSpaces(normalizeName(roster[i].Name)) == folded {
				return resolved(&roster[i], confidence(c.Confidence, fuzzyCap, fuzzyDefault), model.MatchFuzzy)
			}
		}
	}

	return model.ResolvedCandidate{
		RosterID:   Placeholder(c.RawID, c.RawName),
		Name:       c.RawName,
		Confidence: confidence(c.Confidence, unmatchedCap, unmatchedDefault),
		Match:      model.MatchUnmatched,
	}
}

// ResolveAll maps a batch of detections through Resolve.
func ResolveAll(cands []model.RecognitionCandidate, roster []model.RosterEntry) []model.ResolvedCandidate {
	out := make([]model.ResolvedCandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, Resolve(c, roster))
	}
	return out
}

// MemberOf reports whether a present list contains the given student. The
// two record streams may store either the roster id or the student code, so
// both embedded fields are checked.
func MemberOf(students []model.PresentStudent, studentID string) bool {
	if studentID == "" {
		return false
	}
	for _, p := range students {
		if p.RosterID == studentID || (p.SecondaryID != "" && p.SecondaryID == studentID) {
			return true
		}
	}
	return false
}

// MarkBelongsTo reports whether an individual mark belongs to the given
// student. Marks store the roster id the writer knew at the time, which for
// the oldest records is the student code.
func MarkBelongsTo(m model.IndividualMark, studentID string) bool {
	return studentID != "" && m.StudentRosterID == studentID
}

// Placeholder derives a stable identifier for a detection that could not be
// bound to the roster. Deterministic when the detection carried any data, so
// repeated resolutions of the same output agree; random otherwise.
func Placeholder(rawID, rawName string) string {
	if rawID == "" && rawName == "" {
		return "unknown-" + uuid.NewString()[:8]
	}
	sum := sha1.Sum([]byte(rawID + "|" + rawName))
	return "unknown-" + hex.EncodeToString(sum[:])[:10]
}

func resolved(e *model.RosterEntry, conf float64, kind model.MatchKind) model.ResolvedCandidate {
	entry := *e
	return model.ResolvedCandidate{
		Entry:       &entry,
		RosterID:    entry.ID,
		SecondaryID: entry.SecondaryID,
		Name:        entry.Name,
		Confidence:  conf,
		Match:       kind,
	}
}

func confidence(c, ceiling, fallback float64) float64 {
	if c <= 0 {
		return fallback
	}
	if c > ceiling {
		return ceiling
	}
	return c
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func foldSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
