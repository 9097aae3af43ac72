package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// ValidationError is surfaced synchronously at create/update time and is
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return "validation: " + e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Standard 5-field cron, same parser configuration the calculator uses, so a
// definition accepted here can never fail to parse at dispatch time.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a full job definition: struct-level constraints, schedule
// variant consistency, window sanity, and retry policy shape. The first
// violation is returned as a *ValidationError.
func Validate(j *Job) error {
	if j == nil {
		return invalid("", "nil job")
	}
	if err := structValidator.Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fe := verrs[0]
			return invalid(strings.ToLower(fe.Namespace()), "failed %q constraint", fe.Tag())
		}
		return invalid("", "%v", err)
	}
	if j.Schedule == nil {
		return invalid("schedule", "missing")
	}
	if j.Schedule.Kind() != j.Type {
		return invalid("schedule.type", "is %s, job type is %s", j.Schedule.Kind(), j.Type)
	}
	if err := validateWindow(j.Schedule.Bounds()); err != nil {
		return err
	}
	if err := validateVariant(j.Schedule); err != nil {
		return err
	}
	if j.Action.Retry != nil {
		if err := validateRetry(j.Action.Retry); err != nil {
			return err
		}
	}
	if j.Action.Timeout < 0 {
		return invalid("action.timeout", "must be >= 0")
	}
	return nil
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*out = verrs
	}
	return ok
}

func validateWindow(w Window) error {
	if _, err := w.Location(); err != nil {
		return invalid("schedule.timezone", "unknown timezone %q", w.Timezone)
	}
	if w.StartDate != nil && w.EndDate != nil && w.EndDate.Before(*w.StartDate) {
		return invalid("schedule.end_date", "before start_date")
	}
	return nil
}

func validateVariant(s Schedule) error {
	switch v := s.(type) {
	case OneTime:
		if v.RunAt.IsZero() {
			return invalid("schedule.run_at", "missing")
		}
	case Delayed:
		if v.DelayMinutes < 1 {
			return invalid("schedule.delay_minutes", "must be >= 1")
		}
	case Interval:
		if v.IntervalMinutes < 1 {
			return invalid("schedule.interval_minutes", "must be >= 1")
		}
	case Recurring:
		return validateRecurring(v)
	case Cron:
		if strings.TrimSpace(v.Expression) == "" {
			return invalid("schedule.cron_expression", "missing")
		}
		if _, err := cronParser.Parse(v.Expression); err != nil {
			return invalid("schedule.cron_expression", "%v", err)
		}
	default:
		return invalid("schedule", "unknown variant %T", s)
	}
	return nil
}

func validateRecurring(v Recurring) error {
	switch v.Frequency {
	case FreqDaily, FreqWeekly, FreqMonthly, FreqYearly:
	case FreqCustom:
		// CUSTOM with no calendar constraint degrades to interval cadence;
		// that fallback needs a usable interval.
		if len(v.DaysOfWeek) == 0 && len(v.DaysOfMonth) == 0 && len(v.MonthsOfYear) == 0 && v.IntervalMinutes < 1 {
			return invalid("schedule.interval_minutes", "CUSTOM frequency without day/month constraints requires interval_minutes >= 1")
		}
	default:
		return invalid("schedule.frequency", "unknown frequency %q", v.Frequency)
	}
	for _, d := range v.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return invalid("schedule.days_of_week", "day %d outside 0-6", d)
		}
	}
	for _, d := range v.DaysOfMonth {
		if d < 1 || d > 31 {
			return invalid("schedule.days_of_month", "day %d outside 1-31", d)
		}
	}
	for _, m := range v.MonthsOfYear {
		if m < time.January || m > time.December {
			return invalid("schedule.months_of_year", "month %d outside 1-12", m)
		}
	}
	if v.TimeOfDay != "" {
		if _, _, err := ParseTimeOfDay(v.TimeOfDay); err != nil {
			return invalid("schedule.time", "%v", err)
		}
	}
	return nil
}

func validateRetry(r *RetryPolicy) error {
	if r.MaxRetries < 0 {
		return invalid("action.retry.max_retries", "must be >= 0")
	}
	if r.RetryDelay < 0 {
		return invalid("action.retry.retry_delay", "must be >= 0")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return invalid("action.retry.multiplier", "must be >= 1")
	}
	if r.MaxRetryDelay < 0 {
		return invalid("action.retry.max_retry_delay", "must be >= 0")
	}
	return nil
}

// ParseTimeOfDay parses the "HH:mm" schedule time field.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
