package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"siemalert/internal/core"
)

// Static filters an in-memory alert list.
type Static struct {
	mu     sync.RWMutex
	alerts []core.Alert
	err    error
}

var _ core.AlertSource = (*Static)(nil)

func NewStatic(alerts ...core.Alert) *Static {
	s := &Static{}
	s.Set(alerts...)
	return s
}

// LoadStatic reads a JSON array of wazuh-alerts documents.
func LoadStatic(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, fmt.Errorf("static source %s: %w", path, err)
	}
	alerts := make([]core.Alert, 0, len(docs))
	for i, d := range docs {
		a, err := DecodeAlert(fmt.Sprintf("static-%d", i), d)
		if err != nil {
			return nil, fmt.Errorf("static source %s[%d]: %w", path, i, err)
		}
		alerts = append(alerts, a)
	}
	return NewStatic(alerts...), nil
}

func (s *Static) Set(alerts ...core.Alert) {
	s.mu.Lock()
	s.alerts = append([]core.Alert(nil), alerts...)
	s.mu.Unlock()
}

// FailWith makes every Search return err (nil clears it).
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) Search(ctx context.Context, q core.SearchQuery) (core.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return core.SearchResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return core.SearchResult{}, s.err
	}

	want := map[core.Severity]struct{}{}
	for _, sv := range q.Severities {
		want[sv] = struct{}{}
	}
	var hits []core.Alert
	for _, a := range s.alerts {
		if _, ok := want[a.Severity()]; len(want) > 0 && !ok {
			continue
		}
		if !q.Window.Start.IsZero() && a.Timestamp.Before(q.Window.Start) {
			continue
		}
		if !q.Window.End.IsZero() && !a.Timestamp.Before(q.Window.End) {
			continue
		}
		hits = append(hits, a)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Timestamp.After(hits[j].Timestamp) })
	res := core.SearchResult{Total: len(hits)}
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	res.Alerts = hits
	return res, nil
}
