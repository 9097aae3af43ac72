package job

import (
	"testing"
	"time"
)

func TestParamsMerge(t *testing.T) {
	t.Parallel()
	base := Params{
		"url":   "https://example.com",
		"count": float64(3),
		"opts":  Params{"retries": float64(2), "verbose": false},
	}
	over := Params{
		"count": float64(5),
		"opts":  Params{"verbose": true},
	}

	got := base.Merge(over)
	if got["count"] != float64(5) {
		t.Fatalf("count = %v, want 5", got["count"])
	}
	if got["url"] != "https://example.com" {
		t.Fatalf("url lost in merge: %v", got["url"])
	}
	opts, ok := got["opts"].(Params)
	if !ok {
		t.Fatalf("opts is %T, want Params", got["opts"])
	}
	if opts["verbose"] != true || opts["retries"] != float64(2) {
		t.Fatalf("nested merge wrong: %v", opts)
	}

	// Neither input is mutated.
	if base["count"] != float64(3) {
		t.Fatalf("base mutated: %v", base["count"])
	}
	if baseOpts := base["opts"].(Params); baseOpts["verbose"] != false {
		t.Fatalf("base nested mutated: %v", baseOpts)
	}
}

func TestParamsNormalize(t *testing.T) {
	t.Parallel()
	p := Params{
		"n":    42,
		"m":    map[string]any{"k": int64(7)},
		"list": []any{1, "two"},
	}
	got, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got["n"] != float64(42) {
		t.Fatalf("n = %v (%T), want float64", got["n"], got["n"])
	}
	m, ok := got["m"].(Params)
	if !ok || m["k"] != float64(7) {
		t.Fatalf("nested map not normalized: %v", got["m"])
	}
	if l := got["list"].([]any); l[0] != float64(1) || l[1] != "two" {
		t.Fatalf("list not normalized: %v", l)
	}

	if _, err := (Params{"bad": make(chan int)}).Normalize(); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusRetrying},
		{StatusRetrying, StatusRunning},
		{StatusRetrying, StatusFailed},
		{StatusRetrying, StatusCancelled},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Fatalf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusPending, StatusCompleted},
		{StatusRunning, StatusPending},
	}
	for _, tr := range denied {
		if tr.from.CanTransition(tr.to) {
			t.Fatalf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() || s.Active() {
			t.Fatalf("%s: Terminal=%v Active=%v", s, s.Terminal(), s.Active())
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusRetrying} {
		if s.Terminal() || !s.Active() {
			t.Fatalf("%s: Terminal=%v Active=%v", s, s.Terminal(), s.Active())
		}
	}
}

func TestScheduleWireForm(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   Schedule
	}{
		{name: "one_time", in: OneTime{RunAt: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}},
		{name: "interval", in: Interval{IntervalMinutes: 30, Window: Window{StartDate: &start}}},
		{name: "recurring", in: Recurring{
			Frequency:  FreqWeekly,
			DaysOfWeek: []time.Weekday{time.Monday, time.Friday},
			TimeOfDay:  "09:00",
			Window:     Window{Timezone: "Europe/Berlin"},
		}},
		{name: "cron", in: Cron{Expression: "*/5 * * * *"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			b, err := MarshalSchedule(tt.in)
			if err != nil {
				t.Fatalf("MarshalSchedule error: %v", err)
			}
			got, err := UnmarshalSchedule(b)
			if err != nil {
				t.Fatalf("UnmarshalSchedule error: %v", err)
			}
			if got.Kind() != tt.in.Kind() {
				t.Fatalf("Kind = %s, want %s", got.Kind(), tt.in.Kind())
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Job {
		return &Job{
			Name:     "nightly cleanup",
			Type:     TypeCron,
			Schedule: Cron{Expression: "0 3 * * *"},
			Action:   Action{Type: ActionDataCleanup},
			Enabled:  true,
		}
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{name: "missing name", mutate: func(j *Job) { j.Name = "" }},
		{name: "type mismatch", mutate: func(j *Job) { j.Type = TypeInterval }},
		{name: "bad cron", mutate: func(j *Job) { j.Schedule = Cron{Expression: "not a cron"} }},
		{name: "bad action type", mutate: func(j *Job) { j.Action.Type = "NOPE" }},
		{name: "negative timeout", mutate: func(j *Job) { j.Action.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			j := valid()
			tt.mutate(j)
			if err := Validate(j); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateRecurringRanges(t *testing.T) {
	t.Parallel()
	j := &Job{
		Name: "weekly report",
		Type: TypeRecurring,
		Schedule: Recurring{
			Frequency:  FreqWeekly,
			DaysOfWeek: []time.Weekday{time.Weekday(9)},
			TimeOfDay:  "09:00",
		},
		Action: Action{Type: ActionReportGenerate},
	}
	if err := Validate(j); err == nil {
		t.Fatal("expected error for weekday out of range")
	}
}
