package cycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siemalert/internal/core"
	"siemalert/internal/eventbus"
	"siemalert/internal/ledger"
	"siemalert/internal/render"
	"siemalert/internal/schedule"
	"siemalert/internal/storage"
	logx "siemalert/pkg/logx"
)

type fakeConfigs struct {
	alerts  []core.AlertingConfiguration
	reports []core.ReportConfiguration
	params  map[string]string
	err     error
}

func (f *fakeConfigs) ListEnabledAlertConfigs(context.Context) ([]core.AlertingConfiguration, error) {
	return f.alerts, f.err
}

func (f *fakeConfigs) ListEnabledReportConfigs(context.Context) ([]core.ReportConfiguration, error) {
	return f.reports, f.err
}

func (f *fakeConfigs) GetRuntimeParam(_ context.Context, key, def string) (string, error) {
	if v, ok := f.params[key]; ok {
		return v, nil
	}
	return def, nil
}

type fakeSource struct {
	alerts []core.Alert
	// fail returns an error for queries matching the predicate.
	fail  func(q core.SearchQuery) error
	block bool
}

func (f *fakeSource) Search(ctx context.Context, q core.SearchQuery) (core.SearchResult, error) {
	if f.block {
		<-ctx.Done()
		return core.SearchResult{}, ctx.Err()
	}
	if f.fail != nil {
		if err := f.fail(q); err != nil {
			return core.SearchResult{}, err
		}
	}
	return core.SearchResult{Alerts: f.alerts, Total: len(f.alerts)}, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	msgs    []core.Message
	failAll bool
	failFor map[string]bool
	err     error
	// delay holds every send, widening race windows between runs.
	delay time.Duration
}

func (f *fakeNotifier) Send(_ context.Context, msg core.Message) (core.DeliveryReport, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return core.DeliveryReport{}, f.err
	}
	f.msgs = append(f.msgs, msg)
	var rep core.DeliveryReport
	for _, r := range msg.Recipients {
		res := core.RecipientResult{Recipient: r, Channel: "fake", Attempts: 1}
		if f.failAll || f.failFor[r] {
			res.Err = errors.New("smtp: connection refused")
		}
		rep.Results = append(rep.Results, res)
	}
	return rep, nil
}

func (f *fakeNotifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type auditSink struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditSink) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

type harness struct {
	runner   *Runner
	configs  *fakeConfigs
	source   *fakeSource
	notifier *fakeNotifier
	store    storage.Store
	audit    *auditSink
	now      time.Time
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	return newHarnessOn(t, now, storage.NewMemory(), &fakeNotifier{failFor: map[string]bool{}})
}

// newHarnessOn builds a harness over a store and notifier that other
// harnesses may share, like two processes on one ledger database.
func newHarnessOn(t *testing.T, now time.Time, store storage.Store, notifier *fakeNotifier) *harness {
	t.Helper()
	h := &harness{
		configs:  &fakeConfigs{params: map[string]string{}},
		source:   &fakeSource{},
		notifier: notifier,
		store:    store,
		audit:    &auditSink{},
		now:      now,
	}
	clock := func() time.Time { return h.now }
	h.runner = NewRunner(Deps{
		Configs:  h.configs,
		Source:   h.source,
		Notifier: h.notifier,
		Renderer: render.New(time.UTC),
		Ledger:   ledger.New(h.store, h.configs, logx.Nop(), ledger.WithClock(clock)),
		Markers:  ledger.NewMarkers(h.store, logx.Nop()),
		Audit:    h.audit,
		Bus:      eventbus.New(),
		Log:      logx.Nop(),
		Now:      clock,
	}, schedule.New(time.UTC, schedule.DefaultTolerance, time.Monday), Options{Workers: 4})
	return h
}

func resultFor(t *testing.T, s Summary, id string) Result {
	t.Helper()
	for _, r := range s.Results {
		if r.ConfigID == id {
			return r
		}
	}
	t.Fatalf("no result for %q in %+v", id, s.Results)
	return Result{}
}

func webAlert(ts time.Time) core.Alert {
	return core.Alert{Timestamp: ts, Level: 12, RuleID: "553", AgentIP: "10.0.0.5", AgentName: "WEB1", RuleDescription: "File deleted"}
}

func TestAlertCheckSuppressesSameMinuteRepeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 30, 0, time.UTC))
	h.configs.alerts = []core.AlertingConfiguration{{
		ID: "web", Name: "web", Enabled: true,
		Severities: []core.Severity{core.SeverityHigh},
		Recipients: []string{"soc@example.com"},
	}}
	h.source.alerts = []core.Alert{
		webAlert(time.Date(2024, 1, 1, 10, 15, 30, 0, time.UTC)),
		webAlert(time.Date(2024, 1, 1, 10, 15, 55, 0, time.UTC)),
	}

	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	require.True(t, s.OK(), s.String())
	r := resultFor(t, s, "web")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, schedule.ReasonUrgent, r.Reason)
	assert.Equal(t, 2, r.Alerts)
	assert.Equal(t, 1, r.New)
	assert.Equal(t, 1, r.Duplicates)
	require.Equal(t, 1, h.notifier.calls())
	assert.Contains(t, h.notifier.msgs[0].Subject, "1 new alert")

	// Same alerts on the next tick are duplicates; nothing is sent.
	h.now = h.now.Add(time.Minute)
	s = h.runner.RunAlertCheck(context.Background(), RunOptions{})
	r = resultFor(t, s, "web")
	assert.Equal(t, ReasonNoNewAlerts, r.Reason)
	assert.Equal(t, 0, r.New)
	assert.Equal(t, 2, r.Duplicates)
	assert.Equal(t, 1, h.notifier.calls())

	// Past the dedup window the alert is new again.
	h.configs.params[core.ParamDuplicateWindow] = "1"
	h.now = h.now.Add(2 * time.Hour)
	s = h.runner.RunAlertCheck(context.Background(), RunOptions{})
	assert.Equal(t, 1, resultFor(t, s, "web").New)
	assert.Equal(t, 2, h.notifier.calls())
}

func TestAlertCheckPartialFailureIsolation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
	h.configs.alerts = []core.AlertingConfiguration{
		{ID: "a", Enabled: true, Severities: []core.Severity{core.SeverityLow}, Recipients: []string{"a@example.com"}},
		{ID: "b", Enabled: true, Severities: []core.Severity{core.SeverityHigh}, Recipients: []string{"b@example.com"}},
	}
	h.source.alerts = []core.Alert{webAlert(h.now.Add(-time.Minute))}
	h.source.fail = func(q core.SearchQuery) error {
		if len(q.Severities) == 1 && q.Severities[0] == core.SeverityLow {
			return errors.New("connection reset")
		}
		return nil
	}

	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Succeeded)
	assert.False(t, s.OK())

	a := resultFor(t, s, "a")
	assert.Equal(t, StatusFailed, a.Status)
	assert.True(t, strings.HasPrefix(a.Reason, "source error: "), a.Reason)
	assert.Equal(t, StatusOK, resultFor(t, s, "b").Status)
	assert.Equal(t, 1, h.notifier.calls())
}

func TestAlertCheckTotalNotifierFailureRecordsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
	h.configs.alerts = []core.AlertingConfiguration{{
		ID: "web", Enabled: true, Severities: []core.Severity{core.SeverityCritical, core.SeverityHigh},
		Recipients: []string{"x@example.com", "y@example.com"},
	}}
	h.source.alerts = []core.Alert{webAlert(h.now.Add(-30 * time.Second))}
	h.notifier.failAll = true

	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	r := resultFor(t, s, "web")
	assert.Equal(t, StatusFailed, r.Status)
	assert.True(t, strings.HasPrefix(r.Reason, ReasonNotifierDown), r.Reason)
	assert.Equal(t, 2, r.Recipients.Failed)

	h.notifier.failAll = false
	s = h.runner.RunAlertCheck(context.Background(), RunOptions{})
	r = resultFor(t, s, "web")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, 1, r.New, "alert must be retried after total failure")
}

func TestAlertCheckPartialRecipientsStillRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
	h.configs.alerts = []core.AlertingConfiguration{{
		ID: "web", Enabled: true, Severities: []core.Severity{core.SeverityHigh},
		Recipients: []string{"ok@example.com", "bad@example.com"},
	}}
	h.source.alerts = []core.Alert{webAlert(h.now.Add(-30 * time.Second))}
	h.notifier.failFor["bad@example.com"] = true

	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	r := resultFor(t, s, "web")
	assert.Equal(t, StatusPartial, r.Status)
	assert.Equal(t, 1, r.Recipients.OK)
	assert.Equal(t, 1, s.Succeeded)

	s = h.runner.RunAlertCheck(context.Background(), RunOptions{})
	assert.Equal(t, ReasonNoNewAlerts, resultFor(t, s, "web").Reason)
}

func TestAlertCheckSkipsAndForce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
	h.configs.alerts = []core.AlertingConfiguration{
		{ID: "no-rcpt", Enabled: true, Severities: []core.Severity{core.SeverityLow}},
		{ID: "no-sev", Enabled: true, Recipients: []string{"x@example.com"}},
		{ID: "later", Enabled: true, Severities: []core.Severity{core.SeverityLow}, Recipients: []string{"x@example.com"}, NotifyTime: "14:05"},
		{ID: "bad-time", Enabled: true, Severities: []core.Severity{core.SeverityLow}, Recipients: []string{"x@example.com"}, NotifyTime: "25:00"},
	}
	h.source.alerts = []core.Alert{{Timestamp: h.now.Add(-time.Minute), Level: 3, RuleID: "1"}}

	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	assert.Equal(t, 4, s.Skipped)
	assert.Equal(t, core.ErrNoRecipients.Error(), resultFor(t, s, "no-rcpt").Reason)
	assert.Equal(t, core.ErrNoSeverities.Error(), resultFor(t, s, "no-sev").Reason)
	assert.Equal(t, schedule.ReasonNotDue, resultFor(t, s, "later").Reason)
	assert.Equal(t, schedule.ReasonInvalidTime, resultFor(t, s, "bad-time").Reason)
	assert.Equal(t, 0, h.notifier.calls())

	s = h.runner.RunAlertCheck(context.Background(), RunOptions{Force: true, ConfigIDs: []string{"later"}, Trigger: TriggerManual})
	require.Len(t, s.Results, 1)
	r := resultFor(t, s, "later")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, ReasonForced, r.Reason)
	assert.Equal(t, TriggerManual, s.Trigger)
	assert.Equal(t, 1, h.notifier.calls())
}

func TestForcedAlertCheckSendsTestMessage(t *testing.T) {
	t.Parallel()

	newCfg := func() []core.AlertingConfiguration {
		return []core.AlertingConfiguration{{
			ID: "web", Name: "Web servers", Enabled: true,
			Severities: []core.Severity{core.SeverityMedium},
			Recipients: []string{"soc@example.com"}, NotifyTime: "14:05",
		}}
	}
	forced := RunOptions{Force: true, Trigger: TriggerManual}

	t.Run("nothing new", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
		h.configs.alerts = newCfg()

		s := h.runner.RunAlertCheck(context.Background(), forced)
		r := resultFor(t, s, "web")
		assert.Equal(t, StatusOK, r.Status)
		assert.Equal(t, ReasonNoNewAlerts+"; "+ReasonTestSent, r.Reason)
		assert.Equal(t, 1, r.Recipients.OK)
		require.Equal(t, 1, h.notifier.calls())
		assert.True(t, strings.HasPrefix(h.notifier.msgs[0].Subject, TestSubjectPrefix), h.notifier.msgs[0].Subject)

		// Unforced runs stay quiet.
		h.runner.RunAlertCheck(context.Background(), RunOptions{})
		assert.Equal(t, 1, h.notifier.calls())
	})

	t.Run("duplicates are not recorded again", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
		h.configs.alerts = newCfg()
		h.source.alerts = []core.Alert{{Timestamp: h.now.Add(-time.Minute), Level: 8, RuleID: "31101"}}

		s := h.runner.RunAlertCheck(context.Background(), forced)
		assert.Equal(t, 1, resultFor(t, s, "web").New)
		s = h.runner.RunAlertCheck(context.Background(), forced)
		r := resultFor(t, s, "web")
		assert.Equal(t, 1, r.Duplicates)
		assert.Contains(t, r.Reason, ReasonTestSent)
		assert.Equal(t, 2, h.notifier.calls())
		assert.True(t, strings.HasPrefix(h.notifier.msgs[1].Subject, TestSubjectPrefix))
	})

	t.Run("notifier down", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
		h.configs.alerts = newCfg()
		h.notifier.failAll = true

		s := h.runner.RunAlertCheck(context.Background(), forced)
		r := resultFor(t, s, "web")
		assert.Equal(t, StatusFailed, r.Status)
		assert.True(t, strings.HasPrefix(r.Reason, ReasonNotifierDown), r.Reason)
		assert.Equal(t, 1, r.Recipients.Failed)
	})

	t.Run("source down", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, time.Date(2024, 1, 1, 10, 16, 0, 0, time.UTC))
		h.configs.alerts = newCfg()
		h.source.fail = func(core.SearchQuery) error { return errors.New("indexer down") }

		s := h.runner.RunAlertCheck(context.Background(), forced)
		r := resultFor(t, s, "web")
		assert.Equal(t, StatusFailed, r.Status)
		assert.Contains(t, r.Reason, "source error: indexer down")
		assert.Contains(t, r.Reason, ReasonTestSent)
		assert.Equal(t, 1, h.notifier.calls())
	})
}

func TestAlertCheckScheduledTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Date(2024, 1, 1, 14, 5, 40, 0, time.UTC))
	h.configs.alerts = []core.AlertingConfiguration{{
		ID: "daily", Enabled: true, Severities: []core.Severity{core.SeverityMedium},
		Recipients: []string{"x@example.com"}, NotifyTime: "14:05",
	}}
	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	r := resultFor(t, s, "daily")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, ReasonNoNewAlerts, r.Reason)
}

func TestCycleConfigStoreDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Now())
	h.configs.err = errors.New("db down")
	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	assert.False(t, s.OK())
	assert.Contains(t, s.Error, "db down")
	s = h.runner.RunReportCycle(context.Background(), RunOptions{})
	assert.Contains(t, s.Error, "db down")
	assert.Len(t, h.audit.entries, 2)
}

func TestCycleTimeoutIsPerConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Now())
	h.runner.SetOptions(Options{Workers: 2, ConfigTimeout: 50 * time.Millisecond})
	h.configs.alerts = []core.AlertingConfiguration{{
		ID: "slow", Enabled: true, Severities: []core.Severity{core.SeverityHigh}, Recipients: []string{"x@example.com"},
	}}
	h.source.block = true

	s := h.runner.RunAlertCheck(context.Background(), RunOptions{})
	r := resultFor(t, s, "slow")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, ReasonTimeout, r.Reason)
}

func weeklyReport() core.ReportConfiguration {
	return core.ReportConfiguration{
		ID: "weekly", Name: "Weekly", Enabled: true,
		Schedule: core.ScheduleWeekly, ScheduleTime: "09:00", Format: core.FormatCSV,
		Recipients: []string{"soc@example.com"},
	}
}

// 2024-01-01 is a Monday.
var monday0900 = time.Date(2024, 1, 1, 9, 0, 20, 0, time.UTC)

func TestReportOncePerPeriod(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900)
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}
	h.source.alerts = []core.Alert{webAlert(monday0900.Add(-time.Hour))}

	s := h.runner.RunReportCycle(context.Background(), RunOptions{})
	r := resultFor(t, s, "weekly")
	require.Equal(t, StatusOK, r.Status, s.String())
	assert.Equal(t, "weekly:2024-01-01:mon", r.PeriodKey)
	require.Equal(t, 1, h.notifier.calls())
	require.Len(t, h.notifier.msgs[0].Attachments, 1)
	assert.True(t, strings.HasSuffix(h.notifier.msgs[0].Attachments[0].Name, ".csv"))

	h.now = monday0900.Add(40 * time.Second)
	s = h.runner.RunReportCycle(context.Background(), RunOptions{})
	r = resultFor(t, s, "weekly")
	assert.Equal(t, StatusSkipped, r.Status)
	assert.Equal(t, ReasonAlreadySent, r.Reason)
	assert.Equal(t, 1, h.notifier.calls())

	ok, err := h.store.HasMarker(context.Background(), "weekly", "weekly:2024-01-01:mon")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReportOncePerPeriodAcrossRunners(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	notifier := &fakeNotifier{failFor: map[string]bool{}, delay: 200 * time.Millisecond}
	runs := []*harness{
		newHarnessOn(t, monday0900, store, notifier),
		newHarnessOn(t, monday0900, store, notifier),
	}
	for _, h := range runs {
		h.configs.reports = []core.ReportConfiguration{weeklyReport()}
	}

	sums := make([]Summary, len(runs))
	var wg sync.WaitGroup
	for i, h := range runs {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			sums[i] = h.runner.RunReportCycle(context.Background(), RunOptions{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, notifier.calls(), "one period must be sent once")
	statuses := []Status{resultFor(t, sums[0], "weekly").Status, resultFor(t, sums[1], "weekly").Status}
	assert.ElementsMatch(t, []Status{StatusOK, StatusSkipped}, statuses)
}

func TestReportClaimReleasedWhenRenderFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900)
	h.runner.deps.Renderer = failingRenderer{}
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}

	s := h.runner.RunReportCycle(context.Background(), RunOptions{})
	r := resultFor(t, s, "weekly")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Reason, "render error")
	has, err := h.store.HasMarker(context.Background(), "weekly", "weekly:2024-01-01:mon")
	require.NoError(t, err)
	assert.False(t, has)
}

type failingRenderer struct{}

func (failingRenderer) RenderAlertDigest(core.AlertingConfiguration, []core.Alert, core.Window) (string, string, error) {
	return "", "", errors.New("template broken")
}

func (failingRenderer) RenderReport(core.ReportConfiguration, []core.Alert, core.Window) (string, string, core.Attachment, error) {
	return "", "", core.Attachment{}, errors.New("template broken")
}

func TestReportNotDueOnOtherDays(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900.Add(24*time.Hour))
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}
	s := h.runner.RunReportCycle(context.Background(), RunOptions{})
	assert.Equal(t, schedule.ReasonNotDue, resultFor(t, s, "weekly").Reason)
	assert.Equal(t, 0, h.notifier.calls())
}

func TestReportMarkerWrittenAfterFailedAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900)
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}
	h.notifier.failAll = true

	s := h.runner.RunReportCycle(context.Background(), RunOptions{})
	r := resultFor(t, s, "weekly")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, ReasonNotifierDown, r.Reason)

	s = h.runner.RunReportCycle(context.Background(), RunOptions{})
	assert.Equal(t, ReasonAlreadySent, resultFor(t, s, "weekly").Reason)
	assert.Equal(t, 1, h.notifier.calls())
}

func TestReportSourceFailureLeavesNoMarker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900)
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}
	h.source.fail = func(core.SearchQuery) error { return errors.New("indexer down") }

	s := h.runner.RunReportCycle(context.Background(), RunOptions{})
	r := resultFor(t, s, "weekly")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Reason, "indexer down")
	assert.Equal(t, 0, h.notifier.calls())

	h.source.fail = nil
	h.now = monday0900.Add(30 * time.Second)
	s = h.runner.RunReportCycle(context.Background(), RunOptions{})
	assert.Equal(t, StatusOK, resultFor(t, s, "weekly").Status)
	assert.Equal(t, 1, h.notifier.calls())
}

func TestReportNotifierRefusedLeavesNoMarker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900)
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}
	h.notifier.err = errors.New("notifier disabled")

	s := h.runner.RunReportCycle(context.Background(), RunOptions{})
	assert.Equal(t, StatusFailed, resultFor(t, s, "weekly").Status)
	ok, err := h.store.HasMarker(context.Background(), "weekly", "weekly:2024-01-01:mon")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReportForceIgnoreMarker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900.Add(48*time.Hour))
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}

	opts := RunOptions{Force: true, IgnoreMarker: true, Trigger: TriggerManual}
	for i := 0; i < 2; i++ {
		s := h.runner.RunReportCycle(context.Background(), opts)
		r := resultFor(t, s, "weekly")
		assert.Equal(t, StatusOK, r.Status)
		assert.Equal(t, ReasonForced, r.Reason)
	}
	assert.Equal(t, 2, h.notifier.calls())

	// Forced runs that honour markers send once per period.
	s := h.runner.RunReportCycle(context.Background(), RunOptions{Force: true})
	assert.Equal(t, StatusOK, resultFor(t, s, "weekly").Status)
	s = h.runner.RunReportCycle(context.Background(), RunOptions{Force: true})
	assert.Equal(t, ReasonAlreadySent, resultFor(t, s, "weekly").Reason)
	assert.Equal(t, 3, h.notifier.calls())
}

func TestReportSkipsInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900)
	h.configs.reports = []core.ReportConfiguration{
		{ID: "no-time", Enabled: true, Schedule: core.ScheduleDaily, Recipients: []string{"x@example.com"}},
		{ID: "yearly", Enabled: true, Schedule: "yearly", ScheduleTime: "09:00", Recipients: []string{"x@example.com"}},
	}
	s := h.runner.RunReportCycle(context.Background(), RunOptions{Force: true})
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, core.ErrNoSchedule.Error(), resultFor(t, s, "no-time").Reason)
	assert.Equal(t, schedule.ReasonBadSchedule, resultFor(t, s, "yearly").Reason)
}

func TestSummaryAuditAndString(t *testing.T) {
	t.Parallel()

	h := newHarness(t, monday0900)
	h.configs.reports = []core.ReportConfiguration{weeklyReport()}
	s := h.runner.RunReportCycle(context.Background(), RunOptions{})

	require.Len(t, h.audit.entries, 1)
	e := h.audit.entries[0]
	assert.Equal(t, s.RunID, e.RunID)
	assert.Equal(t, string(KindReport), e.Cycle)
	assert.Equal(t, TriggerSchedule, e.Trigger)
	assert.Equal(t, 1, e.Succeeded)

	out := s.String()
	assert.Contains(t, out, "report-cycle run "+s.RunID)
	assert.Contains(t, out, "weekly")
}
