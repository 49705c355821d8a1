package source

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"siemalert/internal/core"
	logx "siemalert/pkg/logx"
)

const DefaultIndex = "wazuh-alerts-*"

type OpenSearchConfig struct {
	URL                string
	Index              string
	Username           string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// OpenSearch searches a Wazuh indexer.
type OpenSearch struct {
	cfg    OpenSearchConfig
	client *http.Client
	log    logx.Logger
}

var _ core.AlertSource = (*OpenSearch)(nil)

func NewOpenSearch(cfg OpenSearchConfig, log logx.Logger) (*OpenSearch, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid opensearch url %q", cfg.URL)
	}
	cfg.URL = strings.TrimRight(u.String(), "/")
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenSearch{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify),
		log:    log.Component("source"),
	}, nil
}

func newHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed indexers
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Search returns alerts whose rule.level falls in any requested tier and
// whose @timestamp is inside the window, newest first.
func (o *OpenSearch) Search(ctx context.Context, q core.SearchQuery) (core.SearchResult, error) {
	body, err := json.Marshal(BuildQuery(q))
	if err != nil {
		return core.SearchResult{}, err
	}
	endpoint := o.cfg.URL + "/" + o.cfg.Index + "/_search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return core.SearchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.Username != "" {
		req.SetBasicAuth(o.cfg.Username, o.cfg.Password)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return core.SearchResult{}, fmt.Errorf("opensearch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return core.SearchResult{}, fmt.Errorf("opensearch: read: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return core.SearchResult{}, fmt.Errorf("opensearch: %w", ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.SearchResult{}, fmt.Errorf("opensearch: %w", &StatusError{Status: resp.StatusCode, Body: snippet(raw)})
	}

	res, err := DecodeSearchResponse(raw)
	if err != nil {
		return core.SearchResult{}, fmt.Errorf("opensearch: %w", err)
	}
	o.log.Debug("search done",
		logx.Int("hits", len(res.Alerts)),
		logx.Int("total", res.Total),
		logx.Duration("took", time.Since(start)),
	)
	return res, nil
}

// BuildQuery renders the indexer query DSL for q.
func BuildQuery(q core.SearchQuery) map[string]any {
	var should []any
	for _, s := range core.SortSeverities(q.Severities) {
		r, ok := s.Levels()
		if !ok {
			continue
		}
		rng := map[string]any{"gte": r.Min}
		if r.Max > 0 {
			rng["lte"] = r.Max
		}
		should = append(should, map[string]any{"range": map[string]any{"rule.level": rng}})
	}

	filter := []any{
		map[string]any{"range": map[string]any{"@timestamp": map[string]any{
			"gte":    q.Window.Start.UTC().Format(time.RFC3339Nano),
			"lt":     q.Window.End.UTC().Format(time.RFC3339Nano),
			"format": "strict_date_optional_time",
		}}},
	}
	boolQ := map[string]any{"filter": filter}
	if len(should) > 0 {
		boolQ["should"] = should
		boolQ["minimum_should_match"] = 1
	}

	size := q.Limit
	if size <= 0 {
		size = core.DefaultQueryLimit
	}
	return map[string]any{
		"size":             size,
		"track_total_hits": true,
		"sort":             []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
		"query":            map[string]any{"bool": boolQ},
	}
}

type searchResponse struct {
	Hits struct {
		Total json.RawMessage `json:"total"`
		Hits  []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// wazuhDoc is the subset of a wazuh-alerts document we read.
type wazuhDoc struct {
	Timestamp string `json:"@timestamp"`
	Rule      struct {
		ID          string `json:"id"`
		Level       int    `json:"level"`
		Description string `json:"description"`
	} `json:"rule"`
	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		IP   string `json:"ip"`
	} `json:"agent"`
}

// DecodeSearchResponse parses a _search reply. Documents with an unreadable
// timestamp are kept with a zero Timestamp.
func DecodeSearchResponse(raw []byte) (core.SearchResult, error) {
	var sr searchResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return core.SearchResult{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	out := core.SearchResult{Alerts: make([]core.Alert, 0, len(sr.Hits.Hits))}
	for _, h := range sr.Hits.Hits {
		a, err := DecodeAlert(h.ID, h.Source)
		if err != nil {
			continue
		}
		out.Alerts = append(out.Alerts, a)
	}
	out.Total = decodeTotal(sr.Hits.Total, len(out.Alerts))
	return out, nil
}

// DecodeAlert maps one wazuh-alerts _source document onto core.Alert.
func DecodeAlert(id string, src json.RawMessage) (core.Alert, error) {
	var d wazuhDoc
	if err := json.Unmarshal(src, &d); err != nil {
		return core.Alert{}, err
	}
	ts, _ := parseTimestamp(d.Timestamp)
	return core.Alert{
		ID:              id,
		Timestamp:       ts,
		Level:           d.Rule.Level,
		RuleID:          d.Rule.ID,
		RuleDescription: d.Rule.Description,
		AgentID:         d.Agent.ID,
		AgentName:       d.Agent.Name,
		AgentIP:         d.Agent.IP,
		Payload:         append(json.RawMessage(nil), src...),
	}, nil
}

// decodeTotal handles both {"value":N} and a bare number.
func decodeTotal(raw json.RawMessage, fallback int) int {
	if len(raw) == 0 {
		return fallback
	}
	var obj struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Value > 0 {
		return obj.Value
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return n
	}
	return fallback
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
