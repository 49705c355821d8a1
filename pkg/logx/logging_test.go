package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func (c *captureSender) SendOps(_ context.Context, target, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, target+"|"+text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestFormatOpsLine(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"x","message":"send failed","comp":"notifier","b":2,"a":"1"}` + "\n")
	got := formatOpsLine(line)
	want := "[WARN] send failed\n- a=1\n- b=2\n- comp=notifier"
	if got != want {
		t.Fatalf("formatOpsLine() = %q, want %q", got, want)
	}

	raw := formatOpsLine([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghijklmnop", 12, "abcdefghi..."},
		{"abcdef", 3, "abc"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncate(%q,%d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("cycle").With(String("cycle", "alert-check"))
	log.Info("done", Int("failed", 1))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "cycle" || m["cycle"] != "alert-check" || m["failed"] != float64(1) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["message"] != "done" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("no panic")
	if Nop().IsZero() {
		t.Fatalf("Nop logger should not be zero")
	}
}

func TestServiceForwardsWarnToOps(t *testing.T) {
	cs := &captureSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "info",
		Ops:   OpsConfig{Enabled: true, Target: "ops-room", MinLevel: "warn", RatePerSec: 5},
	})
	defer svc.Close()
	svc.SetSender(cs)

	log.Info("not forwarded")
	log.Warn("forwarded", String("config_id", "7"))

	select {
	case <-cs.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("ops sender was not called")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.lines) != 1 {
		t.Fatalf("ops lines = %d, want 1: %v", len(cs.lines), cs.lines)
	}
	if !strings.HasPrefix(cs.lines[0], "ops-room|[WARN] forwarded") {
		t.Fatalf("unexpected ops line: %q", cs.lines[0])
	}
	if !strings.Contains(cs.lines[0], "config_id=7") {
		t.Fatalf("ops line missing field: %q", cs.lines[0])
	}
}
