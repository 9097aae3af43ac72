package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Window bounds a schedule: no runs before StartDate, none after EndDate.
// Timezone is an IANA name (e.g. "Asia/Jakarta"); empty means UTC.
type Window struct {
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
}

// Location resolves the window's timezone, defaulting to UTC.
func (w Window) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Timezone)
}

// Schedule is the variant payload matching Job.Type. Modeling it as a sealed
// sum type keeps the calculator's switch exhaustive instead of spreading
// nil-checks over one flat struct of optionals.
type Schedule interface {
	Kind() Type
	Bounds() Window

	// sealed marks the set of variants as closed.
	sealed()
}

// OneTime fires once at RunAt.
type OneTime struct {
	RunAt  time.Time `json:"run_at"`
	Window Window    `json:"window"`
}

// Delayed fires once, DelayMinutes after the job was created.
type Delayed struct {
	DelayMinutes int    `json:"delay_minutes"`
	Window       Window `json:"window"`
}

// Interval fires every IntervalMinutes, anchored at the last run (or the
// creation time before the first run).
type Interval struct {
	IntervalMinutes int    `json:"interval_minutes"`
	Window          Window `json:"window"`
}

// Recurring expands a calendar pattern. For CUSTOM frequency with none of the
// day/month constraints set, IntervalMinutes is used as a fallback cadence.
type Recurring struct {
	Frequency       Frequency      `json:"frequency"`
	DaysOfWeek      []time.Weekday `json:"days_of_week,omitempty"`
	DaysOfMonth     []int          `json:"days_of_month,omitempty"`
	MonthsOfYear    []time.Month   `json:"months_of_year,omitempty"`
	TimeOfDay       string         `json:"time,omitempty"` // "HH:mm"
	IntervalMinutes int            `json:"interval_minutes,omitempty"`
	Window          Window         `json:"window"`
}

// Cron fires per a 5-field cron expression evaluated in the window's timezone.
type Cron struct {
	Expression string `json:"cron_expression"`
	Window     Window `json:"window"`
}

func (OneTime) Kind() Type   { return TypeOneTime }
func (Delayed) Kind() Type   { return TypeDelayed }
func (Interval) Kind() Type  { return TypeInterval }
func (Recurring) Kind() Type { return TypeRecurring }
func (Cron) Kind() Type      { return TypeCron }

func (s OneTime) Bounds() Window   { return s.Window }
func (s Delayed) Bounds() Window   { return s.Window }
func (s Interval) Bounds() Window  { return s.Window }
func (s Recurring) Bounds() Window { return s.Window }
func (s Cron) Bounds() Window      { return s.Window }

func (OneTime) sealed()   {}
func (Delayed) sealed()   {}
func (Interval) sealed()  {}
func (Recurring) sealed() {}
func (Cron) sealed()      {}

// scheduleEnvelope is the flat wire form shared by all variants. Only the
// fields matching the discriminator are meaningful.
type scheduleEnvelope struct {
	Type            Type       `json:"type"`
	RunAt           *time.Time `json:"run_at,omitempty"`
	DelayMinutes    int        `json:"delay_minutes,omitempty"`
	IntervalMinutes int        `json:"interval_minutes,omitempty"`
	Frequency       Frequency  `json:"frequency,omitempty"`
	DaysOfWeek      []int      `json:"days_of_week,omitempty"`
	DaysOfMonth     []int      `json:"days_of_month,omitempty"`
	MonthsOfYear    []int      `json:"months_of_year,omitempty"`
	TimeOfDay       string     `json:"time,omitempty"`
	Expression      string     `json:"cron_expression,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
}

// MarshalSchedule flattens a schedule variant into its wire form.
func MarshalSchedule(s Schedule) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil schedule")
	}
	w := s.Bounds()
	env := scheduleEnvelope{
		Type:      s.Kind(),
		StartDate: w.StartDate,
		EndDate:   w.EndDate,
		Timezone:  w.Timezone,
	}
	switch v := s.(type) {
	case OneTime:
		t := v.RunAt
		env.RunAt = &t
	case Delayed:
		env.DelayMinutes = v.DelayMinutes
	case Interval:
		env.IntervalMinutes = v.IntervalMinutes
	case Recurring:
		env.Frequency = v.Frequency
		env.TimeOfDay = v.TimeOfDay
		env.IntervalMinutes = v.IntervalMinutes
		for _, d := range v.DaysOfWeek {
			env.DaysOfWeek = append(env.DaysOfWeek, int(d))
		}
		env.DaysOfMonth = append(env.DaysOfMonth, v.DaysOfMonth...)
		for _, m := range v.MonthsOfYear {
			env.MonthsOfYear = append(env.MonthsOfYear, int(m))
		}
	case Cron:
		env.Expression = v.Expression
	default:
		return nil, fmt.Errorf("unknown schedule variant %T", s)
	}
	return json.Marshal(env)
}

// UnmarshalSchedule restores the variant matching the envelope discriminator.
func UnmarshalSchedule(b []byte) (Schedule, error) {
	var env scheduleEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	w := Window{StartDate: env.StartDate, EndDate: env.EndDate, Timezone: env.Timezone}
	switch env.Type {
	case TypeOneTime:
		if env.RunAt == nil {
			return nil, fmt.Errorf("one_time schedule missing run_at")
		}
		return OneTime{RunAt: *env.RunAt, Window: w}, nil
	case TypeDelayed:
		return Delayed{DelayMinutes: env.DelayMinutes, Window: w}, nil
	case TypeInterval:
		return Interval{IntervalMinutes: env.IntervalMinutes, Window: w}, nil
	case TypeRecurring:
		r := Recurring{
			Frequency:       env.Frequency,
			TimeOfDay:       env.TimeOfDay,
			IntervalMinutes: env.IntervalMinutes,
			DaysOfMonth:     env.DaysOfMonth,
			Window:          w,
		}
		for _, d := range env.DaysOfWeek {
			r.DaysOfWeek = append(r.DaysOfWeek, time.Weekday(d))
		}
		for _, m := range env.MonthsOfYear {
			r.MonthsOfYear = append(r.MonthsOfYear, time.Month(m))
		}
		return r, nil
	case TypeCron:
		return Cron{Expression: env.Expression, Window: w}, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", env.Type)
	}
}
