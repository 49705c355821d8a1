package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"siemalert/internal/core"
	"siemalert/internal/eventbus"
	logx "siemalert/pkg/logx"
)

type fakeChannel struct {
	name   string
	prefix string

	mu    sync.Mutex
	sent  []string
	fail  map[string][]error // recipient -> errors returned on successive attempts
	calls atomic.Int64
}

func (f *fakeChannel) Name() string                  { return f.name }
func (f *fakeChannel) Accepts(recipient string) bool { return strings.HasPrefix(recipient, f.prefix) }

func (f *fakeChannel) Send(_ context.Context, recipient string, _ core.Message) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.fail[recipient]; len(errs) > 0 {
		err := errs[0]
		f.fail[recipient] = errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, recipient)
	return nil
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Concurrency:   4,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 4 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func TestSendPartialFailure(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "fake", prefix: "f:", fail: map[string][]error{
		"f:bad": {Permanent(errors.New("mailbox unavailable"))},
	}}
	s := New(testConfig(), logx.Nop(), nil, ch)

	rep, err := s.Send(context.Background(), core.Message{
		Recipients: []string{"f:ok", "f:bad", "other:x", "f:ok", " "},
		Subject:    "s",
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("results=%d want 3 (deduped)", len(rep.Results))
	}
	if rep.Delivered() != 1 {
		t.Fatalf("delivered=%d want 1", rep.Delivered())
	}
	if !rep.AnyDelivered() {
		t.Fatalf("expected AnyDelivered")
	}
	var sawNoChannel, sawPermanent bool
	for _, r := range rep.Failed() {
		if errors.Is(r.Err, ErrNoChannel) {
			sawNoChannel = true
		}
		if IsPermanent(r.Err) {
			sawPermanent = true
			if r.Attempts != 1 {
				t.Fatalf("permanent failure retried: attempts=%d", r.Attempts)
			}
		}
	}
	if !sawNoChannel || !sawPermanent {
		t.Fatalf("failures=%+v", rep.Failed())
	}
}

func TestSendRetriesTransient(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "fake", prefix: "f:", fail: map[string][]error{
		"f:flaky": {errors.New("timeout"), errors.New("timeout")},
	}}
	s := New(testConfig(), logx.Nop(), nil, ch)

	rep, err := s.Send(context.Background(), core.Message{Recipients: []string{"f:flaky"}})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if rep.Delivered() != 1 {
		t.Fatalf("expected delivery after retries, got %+v", rep.Results)
	}
	if got := rep.Results[0].Attempts; got != 3 {
		t.Fatalf("attempts=%d want 3", got)
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "fake", prefix: "f:", fail: map[string][]error{
		"f:down": {errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4")},
	}}
	s := New(testConfig(), logx.Nop(), nil, ch)

	rep, _ := s.Send(context.Background(), core.Message{Recipients: []string{"f:down"}})
	if rep.AnyDelivered() {
		t.Fatalf("expected total failure")
	}
	if got := ch.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want 3", got)
	}
	if rep.Err() == nil {
		t.Fatalf("expected joined error")
	}
}

func TestSendDisabledAndEmpty(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, logx.Nop(), nil, &fakeChannel{name: "fake", prefix: "f:"})
	if _, err := s.Send(context.Background(), core.Message{Recipients: []string{"f:a"}}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}

	s.Apply(testConfig())
	if _, err := s.Send(context.Background(), core.Message{Recipients: []string{"  "}}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err=%v want ErrNoRecipients", err)
	}
}

func TestSendPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	ch := &fakeChannel{name: "fake", prefix: "f:"}
	s := New(testConfig(), logx.Nop(), bus, ch)
	if _, err := s.Send(context.Background(), core.Message{Recipients: []string{"f:a", "x:b"}, Tag: "alert:1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			got[e.Type]++
		case <-time.After(time.Second):
			t.Fatalf("missing event; got %v", got)
		}
	}
	if got[eventbus.TypeNotifierSent] != 1 || got[eventbus.TypeNotifierFailed] != 1 {
		t.Fatalf("events=%v", got)
	}
	if h := s.Snapshot(); len(h) != 2 {
		t.Fatalf("history=%d want 2", len(h))
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
}
