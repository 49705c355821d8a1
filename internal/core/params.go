package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Runtime parameter keys read live from the ConfigStore.
const (
	ParamCheckInterval     = "alert_check_interval"   // minutes
	ParamDuplicateWindow   = "alert_duplicate_window" // duration or hours
	ParamQueryLimit        = "alert_query_limit"
	ParamMaxConcurrentJobs = "max_concurrent_jobs"
	ParamLedgerRetention   = "ledger_retention" // duration or hours
)

// Defaults applied when a runtime parameter is unset.
const (
	DefaultCheckInterval     = 2 * time.Minute
	MinCheckInterval         = time.Minute
	DefaultDuplicateWindow   = 4 * time.Hour
	DefaultQueryLimit        = 100
	DefaultMaxConcurrentJobs = 5
	DefaultLedgerRetention   = 72 * time.Hour
)

// DefaultRuntimeParams is what a fresh deployment is seeded with.
func DefaultRuntimeParams() map[string]string {
	return map[string]string{
		ParamCheckInterval:     "2",
		ParamDuplicateWindow:   DefaultDuplicateWindow.String(),
		ParamQueryLimit:        strconv.Itoa(DefaultQueryLimit),
		ParamMaxConcurrentJobs: strconv.Itoa(DefaultMaxConcurrentJobs),
		ParamLedgerRetention:   DefaultLedgerRetention.String(),
	}
}

// ParseCheckInterval reads a number of minutes (or a Go duration) and clamps
// it to MinCheckInterval.
func ParseCheckInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultCheckInterval, nil
	}
	var d time.Duration
	if n, err := strconv.Atoi(raw); err == nil {
		d = time.Duration(n) * time.Minute
	} else {
		pd, perr := time.ParseDuration(raw)
		if perr != nil {
			return DefaultCheckInterval, fmt.Errorf("%s: invalid interval %q", ParamCheckInterval, raw)
		}
		d = pd
	}
	if d < MinCheckInterval {
		d = MinCheckInterval
	}
	return d, nil
}

// ParseHoursOrDuration accepts a bare integer (hours) or a Go duration string.
// Non-positive values yield def.
func ParseHoursOrDuration(key, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return def, nil
		}
		return time.Duration(n) * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParsePositiveInt returns def for empty, malformed or non-positive input.
func ParsePositiveInt(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
