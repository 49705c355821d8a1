// Package metrics exports Prometheus metrics derived from event bus traffic:
// cycle outcomes, per-configuration results, deliveries and engine tasks.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"siemalert/internal/cycle"
	"siemalert/internal/eventbus"
	"siemalert/internal/notifier"
	"siemalert/internal/task/engine"
)

const namespace = "siemalert"

// Collector owns a private registry so tests and multiple instances never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	cycleRuns     *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	cycleLast     *prometheus.GaugeVec
	configResults *prometheus.CounterVec
	alertsNew     prometheus.Counter
	alertsDup     prometheus.Counter
	ledgerErrors  prometheus.Counter
	deliveries    *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskQueue     prometheus.Histogram
	busDropped    prometheus.GaugeFunc
}

func New(bus eventbus.Bus) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{registry: reg}
	c.cycleRuns = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cycle_runs_total",
		Help: "Cycle runs by cycle kind, trigger and outcome (ok, failed, error).",
	}, []string{"cycle", "trigger", "outcome"})
	c.cycleDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "cycle_duration_seconds",
		Help:    "Wall time of a cycle run.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"cycle"})
	c.cycleLast = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "cycle_last_run_timestamp_seconds",
		Help: "Unix time the last run of each cycle started.",
	}, []string{"cycle"})
	c.configResults = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "config_results_total",
		Help: "Per-configuration outcomes.",
	}, []string{"cycle", "status"})
	c.alertsNew = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "alerts_new_total",
		Help: "Alerts that passed deduplication.",
	})
	c.alertsDup = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "alerts_duplicate_total",
		Help: "Alerts suppressed as already notified.",
	})
	c.ledgerErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ledger_errors_total",
		Help: "Ledger reads or writes that failed.",
	})
	c.deliveries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "notifications_total",
		Help: "Per-recipient delivery outcomes.",
	}, []string{"channel", "result"})
	c.tasks = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "task_events_total",
		Help: "Task engine lifecycle events by task name.",
	}, []string{"task", "event"})
	c.taskQueue = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "task_queue_delay_seconds",
		Help:    "Time tasks spent queued before starting.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	if bus != nil {
		c.busDropped = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "eventbus_dropped_total",
			Help: "Events a full subscriber missed.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) })
	}
	return c
}

// Registry exposes the private registry (tests use it to gather).
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe updates metrics for a single event; unknown events are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeCycleStarted:
		if s, ok := ev.Data.(cycle.Summary); ok {
			c.cycleLast.WithLabelValues(string(s.Cycle)).Set(float64(s.StartedAt.Unix()))
		}
	case eventbus.TypeCycleFinished:
		s, ok := ev.Data.(cycle.Summary)
		if !ok {
			return
		}
		kind := string(s.Cycle)
		outcome := "ok"
		switch {
		case s.Error != "":
			outcome = "error"
		case s.Failed > 0:
			outcome = "failed"
		}
		c.cycleRuns.WithLabelValues(kind, s.Trigger, outcome).Inc()
		c.cycleDuration.WithLabelValues(kind).Observe(s.Duration.Seconds())
		for _, r := range s.Results {
			c.configResults.WithLabelValues(kind, string(r.Status)).Inc()
			c.alertsNew.Add(float64(r.New))
			c.alertsDup.Add(float64(r.Duplicates))
			c.ledgerErrors.Add(float64(r.LedgerErrors))
		}
	case eventbus.TypeNotifierSent, eventbus.TypeNotifierFailed:
		d, ok := ev.Data.(notifier.DeliveryEvent)
		if !ok {
			return
		}
		result := "sent"
		if ev.Type == eventbus.TypeNotifierFailed {
			result = "failed"
		}
		ch := d.Channel
		if ch == "" {
			ch = "none"
		}
		c.deliveries.WithLabelValues(ch, result).Inc()
	case eventbus.TypeTaskStarted, eventbus.TypeTaskFinished, eventbus.TypeTaskFailed,
		eventbus.TypeTaskSkipped, eventbus.TypeTaskDropped:
		t, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		c.tasks.WithLabelValues(t.Name, ev.Type).Inc()
		if ev.Type == eventbus.TypeTaskStarted {
			c.taskQueue.Observe(t.QueueDelay.Seconds())
		}
	}
}
