package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"siemalert/internal/eventbus"
	logx "siemalert/pkg/logx"
)

func newEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueSkipsOverlap(t *testing.T) {
	t.Parallel()

	s := newEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	var runs atomic.Int32
	task := Task{Name: "alert-check", Run: func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue = %v, want ErrOverlapSkip", err)
	}
	if !s.Running("alert-check") {
		t.Fatalf("expected task to be running")
	}
	close(release)
	waitFor(t, func() bool { return !s.Running("alert-check") })

	if err := s.Enqueue(Task{Name: "alert-check", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after finish: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d", got)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := newEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "report-cycle",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Error != "" || h.Attempts != 3 {
		t.Fatalf("history = %+v", h)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	s := newEngine(t, Config{Workers: 1, RetryMax: 5})
	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "prune", Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad config"))
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if got := s.Snapshot().History[0].Error; got != "bad config" {
		t.Fatalf("error = %q", got)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	s := newEngine(t, Config{Workers: 1, RetryMax: 2})
	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Attempts != 1 || h.Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	s := newEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour})
	fail := Task{Name: "alert-check", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { return errors.New("down") }}
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(fail); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		want := i + 1
		waitFor(t, func() bool { return len(s.Snapshot().History) == want })
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("enqueue = %v, want ErrCircuitOpen", err)
	}
	if open := s.Snapshot().CircuitOpen; len(open) != 1 || open[0] != "alert-check" {
		t.Fatalf("open circuits = %v", open)
	}
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()

	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}
	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{"first", 1, errors.New("x"), 100 * time.Millisecond},
		{"third", 3, errors.New("x"), 400 * time.Millisecond},
		{"capped", 10, errors.New("x"), time.Second},
		{"hint", 1, RetryAfter(errors.New("x"), 700*time.Millisecond), 700 * time.Millisecond},
		{"hint capped", 1, RetryAfter(errors.New("x"), time.Minute), time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.attempt, tt.err, rng); got != tt.want {
			t.Fatalf("%s: got %s want %s", tt.name, got, tt.want)
		}
	}
}
