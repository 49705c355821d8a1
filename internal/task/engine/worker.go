package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"siemalert/internal/eventbus"
	logx "siemalert/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.exec(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.dropped.Add(1)
		s.droppedStale.Add(1)
		s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.log.Warn("task dropped: stale queue", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.publish(eventbus.TypeTaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	for attempts < 1+qt.opt.RetryMax {
		attempts++
		err = s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || attempts > qt.opt.RetryMax {
			break
		}
		delay := backoffDelay(qt.opt, attempts, err, rng)
		s.log.Debug("task retry scheduled",
			logx.String("task", t.Name),
			logx.Int("attempt", attempts+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tm := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tm.Stop()
			err = ctx.Err()
		case <-stopCh:
			tm.Stop()
			err = ErrStopped
		case <-tm.C:
			continue
		}
		break
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error, ev.Error = err.Error(), err.Error()
		s.log.Warn("task failed",
			logx.String("task", t.Name),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur),
			logx.Err(err),
		)
		s.publish(eventbus.TypeTaskFailed, ev)
	} else {
		s.log.Debug("task completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TypeTaskFinished, ev)
	}
	s.breakers.record(t.Name, time.Now(), cfg, qt.opt, err)
	s.remember(cfg, item)
}

// runOnce runs the task under its timeout; a panic becomes a permanent error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked",
				logx.String("task", qt.task.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay is base*2^(attempt-1) or the error's retry-after hint,
// capped at RetryMaxDelay with symmetric jitter.
func backoffDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra retryAfterError
	d := opt.RetryBase
	if errors.As(err, &ra) {
		d = ra.after
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
