// Package schedule computes next run times for job schedules.
//
// Everything here is pure: inputs are the schedule variant, a reference
// instant, the last run (if any), and the job creation time. Malformed
// schedules are rejected at job validation time, so calculator errors are
// limited to environmental surprises (e.g. a timezone database miss).
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"jobd/internal/job"
)

// cronParser mirrors the parser used by job validation: standard 5-field
// specs plus @-descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// recurringScanDays bounds the calendar walk. 800 days covers a yearly
// schedule constrained to a single month with leap-year slack.
const recurringScanDays = 800

// NextRun returns the next eligible run strictly after ref, or nil when the
// schedule has ended (one-shot already fired, or window exhausted).
func NextRun(s job.Schedule, ref time.Time, lastRun *time.Time, createdAt time.Time) (*time.Time, error) {
	if s == nil {
		return nil, fmt.Errorf("nil schedule")
	}
	w := s.Bounds()
	loc, err := w.Location()
	if err != nil {
		return nil, fmt.Errorf("schedule timezone: %w", err)
	}

	// Runs never land before StartDate: pretend the reference sits just
	// before the window opens so "strictly after" yields candidates >= start.
	base := ref
	if w.StartDate != nil && base.Before(*w.StartDate) {
		base = w.StartDate.Add(-time.Nanosecond)
	}

	var next *time.Time
	switch v := s.(type) {
	case job.OneTime:
		next = nextOneShot(v.RunAt, base, lastRun)
	case job.Delayed:
		next = nextOneShot(createdAt.Add(time.Duration(v.DelayMinutes)*time.Minute), base, lastRun)
	case job.Interval:
		next = nextInterval(time.Duration(v.IntervalMinutes)*time.Minute, base, lastRun, createdAt)
	case job.Recurring:
		next = nextRecurring(v, base, lastRun, createdAt, loc)
	case job.Cron:
		sched, err := cronParser.Parse(v.Expression)
		if err != nil {
			return nil, fmt.Errorf("cron expression: %w", err)
		}
		t := sched.Next(base.In(loc))
		if !t.IsZero() {
			next = &t
		}
	default:
		return nil, fmt.Errorf("unknown schedule variant %T", s)
	}

	if next == nil {
		return nil, nil
	}
	if w.EndDate != nil && next.After(*w.EndDate) {
		return nil, nil
	}
	u := next.UTC()
	return &u, nil
}

// nextOneShot handles ONE_TIME and DELAYED: a single instant that never fires
// twice and never fires late (a missed instant stays due via the persisted
// nextRun until claimed, not via recomputation).
func nextOneShot(at time.Time, base time.Time, lastRun *time.Time) *time.Time {
	if lastRun != nil {
		return nil
	}
	if !at.After(base) {
		return nil
	}
	return &at
}

func nextInterval(every time.Duration, base time.Time, lastRun *time.Time, createdAt time.Time) *time.Time {
	if every <= 0 {
		return nil
	}
	anchor := createdAt
	if lastRun != nil {
		anchor = *lastRun
	}
	// Smallest anchor + k*every > base with k >= 1.
	t := anchor.Add(every)
	if !t.After(base) {
		gap := base.Sub(anchor)
		k := gap / every
		t = anchor.Add((k + 1) * every)
		// Guard the boundary where base sits exactly on a tick.
		if !t.After(base) {
			t = t.Add(every)
		}
	}
	return &t
}

func nextRecurring(v job.Recurring, base time.Time, lastRun *time.Time, createdAt time.Time, loc *time.Location) *time.Time {
	// CUSTOM with no calendar constraint degrades to interval cadence.
	// Validation guarantees IntervalMinutes >= 1 in that case.
	if v.Frequency == job.FreqCustom &&
		len(v.DaysOfWeek) == 0 && len(v.DaysOfMonth) == 0 && len(v.MonthsOfYear) == 0 {
		return nextInterval(time.Duration(v.IntervalMinutes)*time.Minute, base, lastRun, createdAt)
	}

	hour, minute := 0, 0
	if v.TimeOfDay != "" {
		// Validated upstream; fall back to midnight on the off chance.
		if h, m, err := job.ParseTimeOfDay(v.TimeOfDay); err == nil {
			hour, minute = h, m
		}
	}

	anchor := createdAt
	if lastRun != nil {
		anchor = *lastRun
	}
	anchorLocal := anchor.In(loc)

	day := base.In(loc)
	for i := 0; i < recurringScanDays; i++ {
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if candidate.After(base) && recurringDayMatches(v, candidate, anchorLocal) {
			return &candidate
		}
		day = day.AddDate(0, 0, 1)
	}
	return nil
}

// recurringDayMatches applies the calendar constraints (ANDed when several
// are set) plus the frequency's implicit constraint when the explicit one is
// absent (e.g. WEEKLY with no days_of_week pins the anchor's weekday).
func recurringDayMatches(v job.Recurring, t time.Time, anchor time.Time) bool {
	if len(v.MonthsOfYear) > 0 && !containsMonth(v.MonthsOfYear, t.Month()) {
		return false
	}
	if len(v.DaysOfWeek) > 0 && !containsWeekday(v.DaysOfWeek, t.Weekday()) {
		return false
	}
	if len(v.DaysOfMonth) > 0 && !containsInt(v.DaysOfMonth, t.Day()) {
		return false
	}

	switch v.Frequency {
	case job.FreqDaily, job.FreqCustom:
		return true
	case job.FreqWeekly:
		if len(v.DaysOfWeek) == 0 {
			return t.Weekday() == anchor.Weekday()
		}
		return true
	case job.FreqMonthly:
		if len(v.DaysOfMonth) == 0 {
			return t.Day() == anchor.Day()
		}
		return true
	case job.FreqYearly:
		if len(v.MonthsOfYear) == 0 && len(v.DaysOfMonth) == 0 {
			return t.Month() == anchor.Month() && t.Day() == anchor.Day()
		}
		if len(v.MonthsOfYear) > 0 && len(v.DaysOfMonth) == 0 {
			return t.Day() == anchor.Day()
		}
		return true
	default:
		return false
	}
}

func containsWeekday(s []time.Weekday, d time.Weekday) bool {
	for _, v := range s {
		if v == d {
			return true
		}
	}
	return false
}

func containsMonth(s []time.Month, m time.Month) bool {
	for _, v := range s {
		if v == m {
			return true
		}
	}
	return false
}

func containsInt(s []int, n int) bool {
	for _, v := range s {
		if v == n {
			return true
		}
	}
	return false
}
