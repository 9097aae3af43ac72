package schedule

import (
	"testing"
	"time"

	"jobd/internal/job"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestOneTime(t *testing.T) {
	t.Parallel()
	ref := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	future := ref.Add(2 * time.Hour)
	past := ref.Add(-2 * time.Hour)

	tests := []struct {
		name    string
		runAt   time.Time
		lastRun *time.Time
		want    *time.Time
	}{
		{name: "future instant fires once", runAt: future, want: &future},
		{name: "past instant never fires", runAt: past, want: nil},
		{name: "already ran", runAt: future, lastRun: &past, want: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(job.OneTime{RunAt: tt.runAt}, ref, tt.lastRun, ref.Add(-time.Hour))
			if err != nil {
				t.Fatalf("NextRun error: %v", err)
			}
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("NextRun = %v, want %v", got, tt.want)
			}
			if got != nil && !got.Equal(*tt.want) {
				t.Fatalf("NextRun = %v, want %v", got, *tt.want)
			}
		})
	}
}

func TestDelayed(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	got, err := NextRun(job.Delayed{DelayMinutes: 30}, created, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := created.Add(30 * time.Minute)
	if got == nil || !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}

	// After the occurrence ran, the schedule is exhausted.
	got, err = NextRun(job.Delayed{DelayMinutes: 30}, want, &want, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if got != nil {
		t.Fatalf("NextRun after run = %v, want nil", got)
	}
}

func TestInterval(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	spec := job.Interval{IntervalMinutes: 15}

	// First occurrence anchors on creation.
	got, err := NextRun(spec, created, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if want := created.Add(15 * time.Minute); got == nil || !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}

	// Subsequent occurrences anchor on the last run.
	last := created.Add(20 * time.Minute)
	got, err = NextRun(spec, last, &last, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if want := last.Add(15 * time.Minute); got == nil || !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}

	// An overdue reference skips missed ticks instead of replaying them.
	ref := last.Add(47 * time.Minute)
	got, err = NextRun(spec, ref, &last, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if got == nil || !got.After(ref) {
		t.Fatalf("NextRun = %v, want strictly after %v", got, ref)
	}
	if want := last.Add(60 * time.Minute); !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestRecurringWeekdayMornings(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	spec := job.Recurring{
		Frequency: job.FreqWeekly,
		DaysOfWeek: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
		TimeOfDay: "09:00",
		Window:    job.Window{Timezone: "America/New_York"},
	}
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Saturday reference rolls forward to Monday 09:00 local time.
	ref := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) // Saturday
	got, err := NextRun(spec, ref, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, loc) // Monday
	if got == nil || !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want.UTC())
	}
}

func TestRecurringMonotonic(t *testing.T) {
	t.Parallel()
	spec := job.Recurring{
		Frequency: job.FreqDaily,
		TimeOfDay: "06:30",
	}
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ref := created
	var prev *time.Time
	for i := 0; i < 10; i++ {
		got, err := NextRun(spec, ref, prev, created)
		if err != nil {
			t.Fatalf("NextRun error: %v", err)
		}
		if got == nil {
			t.Fatalf("NextRun = nil at iteration %d", i)
		}
		if !got.After(ref) {
			t.Fatalf("NextRun %v not after ref %v", got, ref)
		}
		ref = *got
		prev = got
	}
}

func TestRecurringCustomFallsBackToInterval(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	spec := job.Recurring{Frequency: job.FreqCustom, IntervalMinutes: 45}

	got, err := NextRun(spec, created, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if want := created.Add(45 * time.Minute); got == nil || !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestRecurringMonthlyAnchorsOnCreationDay(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 17, 8, 0, 0, 0, time.UTC)
	spec := job.Recurring{Frequency: job.FreqMonthly, TimeOfDay: "08:00"}

	got, err := NextRun(spec, created, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := time.Date(2026, 4, 17, 8, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestCronWeekdayMornings(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	spec := job.Cron{
		Expression: "0 9 * * MON-FRI",
		Window:     job.Window{Timezone: "America/New_York"},
	}
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	ref := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) // Saturday
	got, err := NextRun(spec, ref, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, loc) // Monday
	if got == nil || !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want.UTC())
	}
}

func TestCronMonotonic(t *testing.T) {
	t.Parallel()
	spec := job.Cron{Expression: "*/10 * * * *"}
	created := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	ref := created
	for i := 0; i < 12; i++ {
		got, err := NextRun(spec, ref, nil, created)
		if err != nil {
			t.Fatalf("NextRun error: %v", err)
		}
		if got == nil || !got.After(ref) {
			t.Fatalf("NextRun %v not after ref %v", got, ref)
		}
		ref = *got
	}
}

func TestWindowBounds(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)

	// StartDate pushes the first occurrence into the window.
	spec := job.Interval{IntervalMinutes: 60, Window: job.Window{StartDate: &start, EndDate: &end}}
	got, err := NextRun(spec, created, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if got == nil || got.Before(start) {
		t.Fatalf("NextRun = %v, want >= %v", got, start)
	}

	// Past EndDate the schedule is exhausted.
	afterEnd := end.Add(time.Hour)
	got, err = NextRun(spec, afterEnd, &afterEnd, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if got != nil {
		t.Fatalf("NextRun past end = %v, want nil", got)
	}
}

func TestNextRunReturnsUTC(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	spec := job.Recurring{
		Frequency: job.FreqDaily,
		TimeOfDay: "09:00",
		Window:    job.Window{Timezone: "Asia/Tokyo"},
	}
	got, err := NextRun(spec, created, nil, created)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if got == nil {
		t.Fatal("NextRun = nil")
	}
	if got.Location() != time.UTC {
		t.Fatalf("NextRun location = %v, want UTC", got.Location())
	}
}
