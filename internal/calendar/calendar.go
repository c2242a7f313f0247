// Package calendar maps reconciled attendance entries onto calendar grids
// and date-range filters. Everything here is pure: "today" is always an
// argument, never read from the clock.
package calendar

import (
	"time"

	"rollcall/internal/model"
)

// GridCells is the fixed 6-row by 7-column month grid size.
const GridCells = 42

// Status is the attendance outcome shown in a grid cell.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusNone    Status = "none"
)

// Cell is one day in the month grid.
type Cell struct {
	Date           time.Time `json:"date"`
	Day            int       `json:"day"`
	InCurrentMonth bool      `json:"in_current_month"`
	IsToday        bool      `json:"is_today"`
	Status         Status    `json:"status"`
}

// MonthGrid buckets timeline entries into a 42-cell grid for the given
// month, starting from the Sunday on or before the 1st. Cell status is a
// calendar-day lookup against entries: a present entry wins over an absent
// one for the same day.
func MonthGrid(entries []model.TimelineEntry, year int, month time.Month, today time.Time) []Cell {
	loc := today.Location()
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	start := first.AddDate(0, 0, -int(first.Weekday()))

	status := make(map[string]Status, len(entries))
	for _, e := range entries {
		if e.Date.IsZero() {
			continue
		}
		key := model.DayKey(e.Date, loc)
		if e.Present {
			status[key] = StatusPresent
		} else if status[key] != StatusPresent {
			status[key] = StatusAbsent
		}
	}

	cells := make([]Cell, 0, GridCells)
	for i := 0; i < GridCells; i++ {
		d := start.AddDate(0, 0, i)
		key := model.DayKey(d, loc)
		st, ok := status[key]
		if !ok {
			st = StatusNone
		}
		cells = append(cells, Cell{
			Date:           d,
			Day:            d.Day(),
			InCurrentMonth: d.Month() == month && d.Year() == year,
			IsToday:        model.SameDay(d, today, loc),
			Status:         st,
		})
	}
	return cells
}

// WithinDays reports whether t falls on today or one of the previous n-1
// calendar days. The "this week" stat is defined as within 7 days, not as
// an ISO week.
func WithinDays(t, today time.Time, n int) bool {
	if t.IsZero() || n <= 0 {
		return false
	}
	loc := today.Location()
	dayStart, _ := model.DayBounds(today, loc)
	windowStart := dayStart.AddDate(0, 0, -(n - 1))
	_, dayEnd := model.DayBounds(today, loc)
	tt := t.In(loc)
	return !tt.Before(windowStart) && tt.Before(dayEnd)
}

// SameMonth reports whether t falls in today's calendar month.
func SameMonth(t, today time.Time) bool {
	if t.IsZero() {
		return false
	}
	tt := t.In(today.Location())
	return tt.Year() == today.Year() && tt.Month() == today.Month()
}
