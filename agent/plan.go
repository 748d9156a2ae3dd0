// Package agent runs the scheduled backup loop: it fetches a plan from an
// external plan server, decides per channel which items are due, executes
// the save pipeline for each, and reports the outcome back. A local
// control socket lets UI clients observe the current item table.
package agent

import (
	"fmt"
	"time"
)

// PlanItem is one scheduled backup in the plan the server hands out.
type PlanItem struct {
	Channel       string   `json:"channel"`
	Clock         string   `json:"clock_hhmm"`
	Days          uint8    `json:"days_bitmask_mon_to_sun"`
	Paths         []string `json:"paths"`
	LastTimestamp int64    `json:"last_timestamp"` // ms since Unix epoch
	LastSuccess   bool     `json:"last_success"`
}

// staleAfter forces a run whenever a channel hasn't recorded anything for
// this long, regardless of its day mask.
const staleAfter = 7 * 24 * time.Hour

// dayBit maps a weekday to its bit in the Monday-first mask.
func dayBit(d time.Weekday) uint8 {
	// time.Weekday counts Sunday=0; the mask counts Monday=bit 0.
	if d == time.Sunday {
		return 1 << 6
	}
	return 1 << (uint(d) - 1)
}

// parseClock turns "HH:MM" (or "HHMM") into minutes since midnight.
func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		if _, err := fmt.Sscanf(s, "%2d%2d", &hh, &mm); err != nil {
			return 0, fmt.Errorf("bad clock %q: %w", s, err)
		}
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return hh*60 + mm, nil
}

func minutesIntoDay(t time.Time) int {
	u := t.UTC()
	return u.Hour()*60 + u.Minute()
}

// utcDay truncates t to its UTC calendar day.
func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ShouldRun decides whether item is due at now. The rules, in order:
// a run is forced when the last one is a week old or failed; a scheduled
// day that passed entirely since the last run fires it; otherwise today
// fires it once now walks past the item's clock. The result is monotone
// in now — once true it stays true until LastTimestamp moves.
func ShouldRun(item PlanItem, now time.Time) bool {
	last := time.UnixMilli(item.LastTimestamp)

	if now.Sub(last) >= staleAfter {
		return true
	}
	if !item.LastSuccess {
		return true
	}

	clock, err := parseClock(item.Clock)
	if err != nil {
		// An unparseable clock never fires on schedule; the staleness rule
		// above still guarantees weekly runs.
		return false
	}

	// Any scheduled slot that passed whole between last and today means a
	// run was missed. On the day of the last run itself only a slot later
	// than that run counts; every later full day counts outright. Folding
	// the last day in keeps the decision monotone in now across midnight.
	for day := utcDay(last); day.Before(utcDay(now)); day = day.AddDate(0, 0, 1) {
		if item.Days&dayBit(day.Weekday()) == 0 {
			continue
		}
		if day.After(utcDay(last)) || minutesIntoDay(last) < clock {
			return true
		}
	}

	// Today's slot fires once now walks past it, provided the last run
	// predates the slot.
	if item.Days&dayBit(now.UTC().Weekday()) != 0 && clock <= minutesIntoDay(now) {
		slot := utcDay(now).Add(time.Duration(clock) * time.Minute)
		if last.Before(slot) {
			return true
		}
	}

	return false
}
