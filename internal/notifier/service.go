package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"siemalert/internal/core"
	"siemalert/internal/eventbus"
	logx "siemalert/pkg/logx"
)

// Service implements core.Notifier over a set of channels:
// bounded fan-out + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	channels []Channel

	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

var _ core.Notifier = (*Service)(nil)

func New(cfg Config, log logx.Logger, bus eventbus.Bus, channels ...Channel) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log.Component("notifier"), bus: bus}
	for _, ch := range channels {
		if ch != nil {
			s.channels = append(s.channels, ch)
		}
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits at runtime; in-flight sends keep the previous snapshot.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetChannels replaces the channel set (config reload).
func (s *Service) SetChannels(channels ...Channel) {
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch != nil {
			out = append(out, ch)
		}
	}
	s.mu.Lock()
	s.channels = out
	s.mu.Unlock()
}

// Channels returns the names of the configured channels.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Name())
	}
	return out
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) route(recipient string, channels []Channel) Channel {
	for _, ch := range channels {
		if ch.Accepts(recipient) {
			return ch
		}
	}
	return nil
}

// Send delivers msg to every recipient and reports per-recipient outcomes.
// It returns an error only when nothing could be attempted.
func (s *Service) Send(ctx context.Context, msg core.Message) (core.DeliveryReport, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	channels := append([]Channel(nil), s.channels...)
	s.mu.Unlock()

	if !cfg.Enabled {
		return core.DeliveryReport{}, ErrDisabled
	}

	recipients := dedupRecipients(msg.Recipients)
	if len(recipients) == 0 {
		return core.DeliveryReport{}, ErrNoRecipients
	}

	results := make([]core.RecipientResult, len(recipients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, rcpt := range recipients {
		i, rcpt := i, rcpt
		ch := s.route(rcpt, channels)
		if ch == nil {
			results[i] = core.RecipientResult{Recipient: rcpt, Err: ErrNoChannel}
			s.record(msg.Tag, "", rcpt, 0, ErrNoChannel)
			continue
		}
		g.Go(func() error {
			attempts, err := s.sendWithRetry(gctx, cfg, lim, ch, rcpt, msg)
			results[i] = core.RecipientResult{Recipient: rcpt, Channel: ch.Name(), Attempts: attempts, Err: err}
			s.record(msg.Tag, ch.Name(), rcpt, attempts, err)
			// Recipient failures never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	report := core.DeliveryReport{Results: results}
	if failed := report.Failed(); len(failed) > 0 {
		for _, f := range failed {
			s.log.Warn("delivery failed",
				logx.String("tag", msg.Tag),
				logx.String("channel", f.Channel),
				logx.String("recipient", f.Recipient),
				logx.Int("attempts", f.Attempts),
				logx.Err(f.Err),
			)
		}
	}
	s.log.Debug("message delivered",
		logx.String("tag", msg.Tag),
		logx.Int("ok", report.Delivered()),
		logx.Int("failed", len(report.Failed())),
	)
	return report, nil
}

// SendOps forwards a log line to an operator target; it satisfies logx.OpsSender.
func (s *Service) SendOps(ctx context.Context, target, text string) error {
	report, err := s.Send(ctx, core.Message{
		Recipients: []string{target},
		Subject:    "siemalert ops",
		Body:       text,
		Tag:        "ops",
	})
	if err != nil {
		return err
	}
	return report.Err()
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, ch Channel, rcpt string, msg core.Message) (int, error) {
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				return attempt - 1, lastErr
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := ch.Send(callCtx, rcpt, msg)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Debug("send attempt failed",
			logx.String("channel", ch.Name()),
			logx.String("recipient", rcpt),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if IsPermanent(err) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if errors.Is(err, ErrRateLimited) && delay < cfg.RetryMaxDelay/2 {
			delay = cfg.RetryMaxDelay / 2
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, lastErr
		}
	}
	return attempt, lastErr
}

func (s *Service) record(tag, channel, rcpt string, attempts int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Tag: tag, Channel: channel, Recipient: rcpt, Attempts: attempts}
	ev := DeliveryEvent{Tag: tag, Channel: channel, Recipient: rcpt, Attempts: attempts, At: now}
	typ := eventbus.TypeNotifierSent
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		typ = eventbus.TypeNotifierFailed
	}

	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func dedupRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
