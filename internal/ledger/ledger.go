// Package ledger answers "was this alert already sent to this configuration?"
// and "was this report already sent for this period?" on top of storage.
package ledger

import (
	"context"
	"time"

	"siemalert/internal/core"
	"siemalert/internal/storage"
	logx "siemalert/pkg/logx"
)

// ParamSource provides live runtime parameters. core.ConfigStore satisfies it.
type ParamSource interface {
	GetRuntimeParam(ctx context.Context, key, def string) (string, error)
}

// Ledger is the dedup ledger for alert notifications.
//
// The dedup window is re-read from ParamSource on every check so operators can
// change it without a restart. Read failures are treated as "not sent": an
// occasional duplicate beats silently suppressing an alert.
type Ledger struct {
	store  storage.Store
	params ParamSource
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Ledger)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(store storage.Store, params ParamSource, log logx.Logger, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, params: params, log: log.Component("ledger"), now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	return l
}

// Window returns the current dedup window.
func (l *Ledger) Window(ctx context.Context) time.Duration {
	if l.params == nil {
		return core.DefaultDuplicateWindow
	}
	raw, err := l.params.GetRuntimeParam(ctx, core.ParamDuplicateWindow, core.DefaultDuplicateWindow.String())
	if err != nil {
		l.log.Warn("dedup window unreadable; using default", logx.Err(err), logx.Duration("default", core.DefaultDuplicateWindow))
		return core.DefaultDuplicateWindow
	}
	d, err := core.ParseHoursOrDuration(core.ParamDuplicateWindow, raw, core.DefaultDuplicateWindow)
	if err != nil {
		l.log.Warn("dedup window invalid; using default", logx.Err(err))
	}
	return d
}

// Check reports whether a non-expired sent record exists. On a storage error
// it returns (false, err) so callers can both proceed and account for it.
func (l *Ledger) Check(ctx context.Context, configID, fingerprint string) (bool, error) {
	return l.checkWithin(ctx, configID, fingerprint, l.Window(ctx))
}

// WasAlreadyNotified is Check with the error folded into "not sent".
func (l *Ledger) WasAlreadyNotified(ctx context.Context, configID, fingerprint string) bool {
	sent, _ := l.Check(ctx, configID, fingerprint)
	return sent
}

func (l *Ledger) checkWithin(ctx context.Context, configID, fingerprint string, window time.Duration) (bool, error) {
	at, ok, err := l.store.GetSent(ctx, storage.SentKey{ConfigID: configID, Fingerprint: fingerprint})
	if err != nil {
		l.log.Warn("ledger read failed; assuming not sent",
			logx.String("config_id", configID),
			logx.String("fingerprint", shortFP(fingerprint)),
			logx.Err(err),
		)
		return false, err
	}
	if !ok {
		return false, nil
	}
	return !at.Before(l.now().Add(-window)), nil
}

// RecordNotified persists a sent record. Recording a pair that is already
// recorded within the window is a no-op, not an error.
func (l *Ledger) RecordNotified(ctx context.Context, configID, fingerprint string) error {
	return l.recordWithin(ctx, configID, fingerprint, l.Window(ctx))
}

func (l *Ledger) recordWithin(ctx context.Context, configID, fingerprint string, window time.Duration) error {
	now := l.now()
	inserted, err := l.store.PutSent(ctx, storage.SentKey{ConfigID: configID, Fingerprint: fingerprint}, now, now.Add(-window))
	if err != nil {
		return err
	}
	if !inserted {
		l.log.Debug("sent record already present", logx.String("config_id", configID), logx.String("fingerprint", shortFP(fingerprint)))
	}
	return nil
}

// Entry is an alert paired with its fingerprint.
type Entry struct {
	Alert       core.Alert
	Fingerprint string
}

// Partition is the dedup split of one configuration's candidate alerts.
type Partition struct {
	New        []Entry
	Duplicates int // already sent, or repeated within the batch
	ReadErrors int
}

// Partition fingerprints alerts and splits them into new and duplicate.
// The window is read once for the whole batch.
func (l *Ledger) Partition(ctx context.Context, configID string, alerts []core.Alert) Partition {
	var p Partition
	window := l.Window(ctx)
	seen := make(map[string]struct{}, len(alerts))
	for _, a := range alerts {
		fp := core.Fingerprint(a)
		if _, dup := seen[fp]; dup {
			p.Duplicates++
			continue
		}
		seen[fp] = struct{}{}

		sent, err := l.checkWithin(ctx, configID, fp, window)
		if err != nil {
			p.ReadErrors++
		}
		if sent {
			p.Duplicates++
			continue
		}
		p.New = append(p.New, Entry{Alert: a, Fingerprint: fp})
	}
	return p
}

// RecordAll records every entry; it returns the number of failed writes and the first error.
func (l *Ledger) RecordAll(ctx context.Context, configID string, entries []Entry) (int, error) {
	window := l.Window(ctx)
	var (
		failed   int
		firstErr error
	)
	for _, e := range entries {
		if err := l.recordWithin(ctx, configID, e.Fingerprint, window); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return failed, firstErr
}

// Prune deletes sent records older than the ledger_retention parameter (never
// shorter than the dedup window) and markers older than storage.DefaultMarkerTTL.
func (l *Ledger) Prune(ctx context.Context) (storage.PruneResult, error) {
	retention := core.DefaultLedgerRetention
	if l.params != nil {
		raw, err := l.params.GetRuntimeParam(ctx, core.ParamLedgerRetention, core.DefaultLedgerRetention.String())
		if err == nil {
			retention, _ = core.ParseHoursOrDuration(core.ParamLedgerRetention, raw, core.DefaultLedgerRetention)
		}
	}
	if w := l.Window(ctx); retention < w {
		retention = w
	}
	now := l.now()
	res, err := l.store.Prune(ctx, now.Add(-retention), now.Add(-storage.DefaultMarkerTTL))
	if err != nil {
		return res, err
	}
	l.log.Info("ledger pruned",
		logx.Int64("sent", res.Sent),
		logx.Int64("markers", res.Markers),
		logx.Duration("retention", retention),
	)
	return res, nil
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
