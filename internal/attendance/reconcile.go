package attendance

import (
	"log"
	"sort"
	"time"

	"rollcall/internal/identity"
	"rollcall/internal/metrics"
	"rollcall/internal/model"
)

// BuildTimeline merges session records and individual marks into one
// deduplicated, date-descending timeline for the viewer. Pure function: it
// never touches the store and can be re-run on every snapshot.
//
// Teachers get one entry per session. Students get one entry per calendar
// day, unioned from both record streams: the dual write behind a session is
// not atomic, so a day counts as present when EITHER stream says so. When
// both do, the session-derived entry wins since it carries the full present
// list. Records with a missing date are dropped and counted, never fatal.
func BuildTimeline(viewer model.Viewer, sessions []model.SessionRecord, marks []model.IndividualMark, loc *time.Location) []model.TimelineEntry {
	if loc == nil {
		loc = time.Local
	}

	if viewer.Role == model.RoleTeacher {
		entries := make([]model.TimelineEntry, 0, len(sessions))
		for _, s := range sessions {
			if s.Date.IsZero() {
				dropMalformed("session", s.ID)
				continue
			}
			entries = append(entries, model.TimelineEntry{
				Date:            s.Date,
				Present:         true,
				SessionID:       s.ID,
				PresentStudents: s.PresentStudents,
			})
		}
		sortTimeline(entries)
		return entries
	}

	byDay := make(map[string]model.TimelineEntry)

	// Sessions first: a session-derived entry is never displaced by a mark.
	for _, s := range sessions {
		if s.Date.IsZero() {
			dropMalformed("session", s.ID)
			continue
		}
		if !identity.MemberOf(s.PresentStudents, viewer.ID) {
			continue
		}
		key := model.DayKey(s.Date, loc)
		if _, ok := byDay[key]; ok {
			continue
		}
		byDay[key] = model.TimelineEntry{
			Date:            s.Date,
			Present:         true,
			SessionID:       s.ID,
			PresentStudents: s.PresentStudents,
		}
	}

	for _, m := range marks {
		if m.Date.IsZero() {
			dropMalformed("mark", m.ID)
			continue
		}
		if !m.Present || !identity.MarkBelongsTo(m, viewer.ID) {
			continue
		}
		key := model.DayKey(m.Date, loc)
		if _, ok := byDay[key]; ok {
			continue
		}
		byDay[key] = model.TimelineEntry{
			Date:      m.Date,
			Present:   true,
			SessionID: m.SessionID,
		}
	}

	entries := make([]model.TimelineEntry, 0, len(byDay))
	for _, e := range byDay {
		entries = append(entries, e)
	}
	sortTimeline(entries)
	return entries
}

func sortTimeline(entries []model.TimelineEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date)
	})
}

func dropMalformed(kind, id string) {
	log.Printf("dropping %s %s from timeline: missing date", kind, id)
	metrics.MalformedRecords.Inc()
}
