package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siemalert/internal/core"
	logx "siemalert/pkg/logx"
)

const searchReply = `{
  "hits": {
    "total": {"value": 7, "relation": "eq"},
    "hits": [
      {"_id": "x1", "_source": {
        "@timestamp": "2024-01-01T10:15:30.123+0000",
        "rule": {"id": "553", "level": 12, "description": "File deleted"},
        "agent": {"id": "001", "name": "WEB1", "ip": "10.0.0.5"}
      }},
      {"_id": "x2", "_source": {
        "@timestamp": "2024-01-01T10:14:00Z",
        "rule": {"id": "5710", "level": 5, "description": "sshd: invalid user"},
        "agent": {"id": "002", "name": "DB1", "ip": "10.0.0.6"}
      }}
    ]
  }
}`

func TestOpenSearchSearch(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wazuh-alerts-*/_search" {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = io.WriteString(w, searchReply)
	}))
	defer srv.Close()

	src, err := NewOpenSearch(OpenSearchConfig{URL: srv.URL + "/", Username: "admin", Password: "pw"}, logx.Nop())
	require.NoError(t, err)

	end := time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC)
	res, err := src.Search(context.Background(), core.SearchQuery{
		Severities: []core.Severity{core.SeverityHigh, core.SeverityLow},
		Window:     core.LastWindow(end, 2*time.Minute),
		Limit:      50,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Total)
	require.Len(t, res.Alerts, 2)

	a := res.Alerts[0]
	assert.Equal(t, "553", a.RuleID)
	assert.Equal(t, 12, a.Level)
	assert.Equal(t, "WEB1", a.AgentName)
	assert.Equal(t, "10.0.0.5", a.AgentIP)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 30, 123000000, time.UTC), a.Timestamp)
	assert.Equal(t, core.SeverityHigh, a.Severity())

	assert.EqualValues(t, 50, gotBody["size"])
}

func TestOpenSearchErrors(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = io.WriteString(w, "nope")
	}))
	defer srv.Close()

	src, err := NewOpenSearch(OpenSearchConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = src.Search(context.Background(), core.SearchQuery{})
	require.ErrorIs(t, err, ErrUnauthorized)

	status.Store(http.StatusServiceUnavailable)
	_, err = src.Search(context.Background(), core.SearchQuery{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)

	_, err = NewOpenSearch(OpenSearchConfig{URL: "not a url"}, logx.Nop())
	require.Error(t, err)
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	q := BuildQuery(core.SearchQuery{
		Severities: []core.Severity{core.SeverityMedium, core.SeverityCritical},
		Window:     core.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)},
	})
	assert.Equal(t, core.DefaultQueryLimit, q["size"])

	b, err := json.Marshal(q)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"rule.level":{"gte":15}`)
	assert.Contains(t, s, `"rule.level":{"gte":7,"lte":11}`)
	assert.Contains(t, s, `"minimum_should_match":1`)
	assert.Contains(t, s, `"lt":"1970-01-01T00:01:00Z"`)
}

func TestBuildQueryKeepsLevelFilterForCapitalizedTier(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(BuildQuery(core.SearchQuery{
		Severities: []core.Severity{"Critical"},
		Window:     core.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)},
	}))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"rule.level":{"gte":15}`)
}

func TestDecodeTotal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, decodeTotal(json.RawMessage(`{"value":3}`), 0))
	assert.Equal(t, 4, decodeTotal(json.RawMessage(`4`), 0))
	assert.Equal(t, 9, decodeTotal(nil, 9))
}

func TestManagerReauthOn401(t *testing.T) {
	t.Parallel()

	var auths, calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/security/user/authenticate":
			n := auths.Add(1)
			tok := "t1"
			if n > 1 {
				tok = "t2"
			}
			_, _ = io.WriteString(w, `{"data":{"token":"`+tok+`"},"error":0}`)
		case "/manager/info":
			calls.Add(1)
			if r.Header.Get("Authorization") != "Bearer t2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, `{"data":{},"error":0}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m, err := NewManager(ManagerConfig{URL: srv.URL, Username: "wazuh", Password: "pw"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Ping(context.Background()))
	assert.EqualValues(t, 2, auths.Load())
	assert.EqualValues(t, 2, calls.Load())
}

func TestManagerAuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m, err := NewManager(ManagerConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	err = m.Ping(context.Background())
	require.True(t, errors.Is(err, ErrUnauthorized), "err=%v", err)
}

func TestStaticSearch(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewStatic(
		core.Alert{RuleID: "1", Level: 15, Timestamp: base.Add(1 * time.Minute)},
		core.Alert{RuleID: "2", Level: 3, Timestamp: base.Add(2 * time.Minute)},
		core.Alert{RuleID: "3", Level: 13, Timestamp: base.Add(3 * time.Minute)},
		core.Alert{RuleID: "4", Level: 13, Timestamp: base.Add(10 * time.Minute)},
	)
	res, err := s.Search(context.Background(), core.SearchQuery{
		Severities: []core.Severity{core.SeverityCritical, core.SeverityHigh},
		Window:     core.Window{Start: base, End: base.Add(5 * time.Minute)},
	})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, "3", res.Alerts[0].RuleID, "newest first")

	res, err = s.Search(context.Background(), core.SearchQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, res.Alerts, 1)
	assert.Equal(t, 4, res.Total)

	s.FailWith(errors.New("down"))
	_, err = s.Search(context.Background(), core.SearchQuery{})
	require.Error(t, err)
}
