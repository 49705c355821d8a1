package configstore

import (
	"context"
	"strings"
	"sync"

	"siemalert/internal/core"
)

// Rules is a snapshot of file-backed configurations.
type Rules struct {
	Alerts  []core.AlertingConfiguration
	Reports []core.ReportConfiguration
	Runtime map[string]string
}

// FileStore serves the most recently applied Rules.
type FileStore struct {
	mu    sync.RWMutex
	rules Rules
}

var _ core.ConfigStore = (*FileStore)(nil)

func NewFileStore(r Rules) *FileStore {
	s := &FileStore{}
	s.Apply(r)
	return s
}

// Apply swaps the served rules (config reload).
func (s *FileStore) Apply(r Rules) {
	cp := Rules{
		Alerts:  append([]core.AlertingConfiguration(nil), r.Alerts...),
		Reports: append([]core.ReportConfiguration(nil), r.Reports...),
		Runtime: make(map[string]string, len(r.Runtime)),
	}
	for k, v := range r.Runtime {
		cp.Runtime[strings.TrimSpace(k)] = v
	}
	s.mu.Lock()
	s.rules = cp
	s.mu.Unlock()
}

func (s *FileStore) ListEnabledAlertConfigs(ctx context.Context) ([]core.AlertingConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.AlertingConfiguration, 0, len(s.rules.Alerts))
	for _, c := range s.rules.Alerts {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *FileStore) ListEnabledReportConfigs(ctx context.Context) ([]core.ReportConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ReportConfiguration, 0, len(s.rules.Reports))
	for _, c := range s.rules.Reports {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetRuntimeParam returns def for unset or blank keys.
func (s *FileStore) GetRuntimeParam(ctx context.Context, key, def string) (string, error) {
	if err := ctx.Err(); err != nil {
		return def, err
	}
	s.mu.RLock()
	v, ok := s.rules.Runtime[key]
	s.mu.RUnlock()
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strings.TrimSpace(v), nil
}
