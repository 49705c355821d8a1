package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"siemalert/internal/core"
)

// ErrInvalidDuration is wrapped by every duration parse failure.
var ErrInvalidDuration = errors.New("invalid duration")

// ParseDurationField parses an optional non-negative Go duration ("90s",
// "5m"). Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w %q", path, ErrInvalidDuration, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %w %q: must be >= 0", path, ErrInvalidDuration, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Runtime params hold strings because the config store keeps them as text.
// Windows accept a bare number of hours or a duration; counts must be
// positive integers.
var (
	runtimeWindowParams = []string{core.ParamDuplicateWindow, core.ParamLedgerRetention}
	runtimeCountParams  = []string{core.ParamQueryLimit, core.ParamMaxConcurrentJobs}
)

func validateRuntimeParams(rt map[string]string) error {
	var errs []error
	if raw, ok := rt[core.ParamCheckInterval]; ok {
		if _, err := core.ParseCheckInterval(raw); err != nil {
			errs = append(errs, fmt.Errorf("rules.runtime: %w", err))
		}
	}
	for _, key := range runtimeWindowParams {
		raw, ok := rt[key]
		if !ok {
			continue
		}
		if _, err := core.ParseHoursOrDuration(key, raw, 0); err != nil {
			errs = append(errs, fmt.Errorf("rules.runtime: %w", errors.Join(ErrInvalidDuration, err)))
		}
	}
	for _, key := range runtimeCountParams {
		raw, ok := rt[key]
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("rules.runtime: %s must be a positive integer, got %q", key, raw))
		}
	}
	return errors.Join(errs...)
}
