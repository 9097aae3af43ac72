package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields in the config file (engine.default_timeout,
// engine.cancel_grace, dispatcher.interval, storage.busy_timeout,
// webhook.timeout) are Go duration strings like "5m" or "250ms". They are
// kept as strings on Config so reload diffs compare what the operator wrote,
// and parsed here at the point of use.

// ParseDurationField parses one such field. An empty value parses to zero;
// the caller decides whether zero means "disabled" or "use the default".
// Negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField for fields that must end up
// positive, such as the dispatcher tick interval. Empty or zero falls back
// to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
