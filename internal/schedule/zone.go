package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LoadZone resolves the reporting zone. An explicit UTC offset ("+05:00",
// "-0330", "+5") wins over an IANA name; both empty means UTC.
func LoadZone(offset, name string) (*time.Location, error) {
	offset = strings.TrimSpace(offset)
	if offset != "" {
		secs, err := parseOffset(offset)
		if err != nil {
			return nil, err
		}
		return time.FixedZone(zoneName(secs), secs), nil
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

func parseOffset(s string) (int, error) {
	raw := s
	s = strings.TrimPrefix(strings.ToUpper(s), "UTC")
	if s == "" || s == "Z" {
		return 0, nil
	}
	sign := 1
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	default:
		return 0, fmt.Errorf("utc offset %q: missing sign", raw)
	}

	var hh, mm string
	switch {
	case strings.Contains(s, ":"):
		parts := strings.SplitN(s, ":", 2)
		hh, mm = parts[0], parts[1]
	case len(s) == 4:
		hh, mm = s[:2], s[2:]
	default:
		hh, mm = s, "0"
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 14 || m < 0 || m > 59 {
		return 0, fmt.Errorf("utc offset %q: invalid", raw)
	}
	return sign * (h*3600 + m*60), nil
}

func zoneName(secs int) string {
	if secs == 0 {
		return "UTC"
	}
	sign := "+"
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	return fmt.Sprintf("UTC%s%02d:%02d", sign, secs/3600, (secs%3600)/60)
}
