package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Severity is a coarse tier over the numeric rule level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// LevelRange is an inclusive rule.level range. Max == 0 means unbounded.
type LevelRange struct {
	Min int
	Max int
}

var severityLevels = map[Severity]LevelRange{
	SeverityCritical: {Min: 15},
	SeverityHigh:     {Min: 12, Max: 14},
	SeverityMedium:   {Min: 7, Max: 11},
	SeverityLow:      {Min: 1, Max: 6},
}

// ParseSeverity accepts any casing and surrounding whitespace.
func ParseSeverity(s string) (Severity, error) {
	sv := Severity(s).canonical()
	if _, ok := severityLevels[sv]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sv, nil
}

func (s Severity) canonical() Severity {
	return Severity(strings.ToLower(strings.TrimSpace(string(s))))
}

// UnmarshalText lowercases the tier name. Unknown names are kept so config
// validation can report them.
func (s *Severity) UnmarshalText(b []byte) error {
	*s = Severity(b).canonical()
	return nil
}

// NormalizeSeverities returns in with every tier name lowercased.
func NormalizeSeverities(in []Severity) []Severity {
	if in == nil {
		return nil
	}
	out := make([]Severity, len(in))
	for i, s := range in {
		out[i] = s.canonical()
	}
	return out
}

// Levels returns the rule.level range covered by the tier.
func (s Severity) Levels() (LevelRange, bool) {
	r, ok := severityLevels[s.canonical()]
	return r, ok
}

// Urgent tiers bypass time-of-day gating.
func (s Severity) Urgent() bool {
	c := s.canonical()
	return c == SeverityCritical || c == SeverityHigh
}

func (s Severity) rank() int {
	switch s.canonical() {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// SeverityForLevel maps a numeric rule level onto its tier.
// Levels below 1 have no tier and return "".
func SeverityForLevel(level int) Severity {
	switch {
	case level >= 15:
		return SeverityCritical
	case level >= 12:
		return SeverityHigh
	case level >= 7:
		return SeverityMedium
	case level >= 1:
		return SeverityLow
	}
	return ""
}

// SortSeverities orders tiers from most to least severe and removes duplicates.
func SortSeverities(in []Severity) []Severity {
	seen := make(map[Severity]struct{}, len(in))
	out := make([]Severity, 0, len(in))
	for _, s := range in {
		s = s.canonical()
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rank() > out[j].rank() })
	return out
}

// Alert is a single finding returned by an AlertSource.
type Alert struct {
	// ID is whatever the source calls the document. It may be empty or unstable
	// across queries and is never used for deduplication.
	ID              string          `json:"id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Level           int             `json:"level"`
	RuleID          string          `json:"rule_id"`
	RuleDescription string          `json:"rule_description,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	AgentName       string          `json:"agent_name,omitempty"`
	AgentIP         string          `json:"agent_ip,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

func (a Alert) Severity() Severity { return SeverityForLevel(a.Level) }

// Field resolves a dotted field path in the alert's source document.
// Well-known paths are answered from the typed fields so they work even when
// Payload is empty.
func (a Alert) Field(path string) string {
	switch path {
	case "@timestamp", "timestamp":
		if a.Timestamp.IsZero() {
			return ""
		}
		return a.Timestamp.UTC().Format(time.RFC3339)
	case "rule.id":
		return a.RuleID
	case "rule.level":
		return strconv.Itoa(a.Level)
	case "rule.description":
		return a.RuleDescription
	case "agent.id":
		return a.AgentID
	case "agent.name":
		return a.AgentName
	case "agent.ip":
		return a.AgentIP
	}
	if len(a.Payload) == 0 {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(a.Payload, &doc); err != nil {
		return ""
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
