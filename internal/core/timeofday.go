package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	colonTimeRE = regexp.MustCompile(`^(\d{1,2}):(\d{1,2})(?::(\d{1,2}))?$`)
	hourOnlyRE  = regexp.MustCompile(`^\d{1,2}$`)
)

// TimeOfDay is a wall-clock minute of the day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts H:MM, HH:MM, H:M, HH:MM:SS (seconds dropped) or a bare hour.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return TimeOfDay{}, fmt.Errorf("%w: empty", ErrInvalidTime)
	}

	var hour, minute int
	switch {
	case colonTimeRE.MatchString(raw):
		m := colonTimeRE.FindStringSubmatch(raw)
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
	case hourOnlyRE.MatchString(raw):
		hour, _ = strconv.Atoi(raw)
	default:
		return TimeOfDay{}, fmt.Errorf("%w: unrecognized format %q", ErrInvalidTime, s)
	}

	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: out of range %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// NormalizeTime returns the canonical HH:MM form, or false when s is not a valid time.
func NormalizeTime(s string) (string, bool) {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return "", false
	}
	return t.String(), true
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }
