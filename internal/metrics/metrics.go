// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"moodping/internal/checkin"
	"moodping/internal/eventbus"
	"moodping/internal/notifier"
	"moodping/internal/reconcile"
	"moodping/internal/task/engine"
	"moodping/internal/task/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moodping"

type Metrics struct {
	reg      *prometheus.Registry
	firings  *prometheus.CounterVec
	misfires *prometheus.CounterVec
	runs     *prometheus.CounterVec
	runTime  *prometheus.HistogramVec
	dropped  *prometheus.CounterVec
	recon    *prometheus.CounterVec
	delivery *prometheus.CounterVec
	sends    *prometheus.CounterVec
	retries  prometheus.Counter
}

// New builds the collectors on a private registry. jobs reports the current
// registry size and may be nil.
func New(jobs func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		firings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_firings_total",
			Help:      "Due job occurrences handed to the task engine.",
		}, []string{"category", "result"}),
		misfires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misfires_dropped_total",
			Help:      "Occurrences dropped because they were later than the grace window.",
		}, []string{"category"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Job callback executions by outcome.",
		}, []string{"category", "result"}),
		runTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "callback_duration_seconds",
			Help:      "Job callback duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Firings rejected by the task engine.",
		}, []string{"category", "reason"}),
		recon: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Per-user reconciliations by result.",
		}, []string{"result"}),
		delivery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by kind and status.",
		}, []string{"kind", "result"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_sends_total",
			Help:      "Outbound Telegram messages by kind and result.",
		}, []string{"kind", "result"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_send_retries_total",
			Help:      "Extra send attempts after a transport error.",
		}),
	}
	if jobs != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_registered",
			Help:      "Jobs currently in the registry.",
		}, func() float64 { return float64(jobs()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe updates collectors for one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case scheduler.FireEvent:
		switch e.Type {
		case "job.fired":
			result := "enqueued"
			if d.Error != "" {
				result = "rejected"
			}
			m.firings.WithLabelValues(d.Category, result).Inc()
		case "job.misfire_dropped":
			m.misfires.WithLabelValues(d.Category).Inc()
		}
	case engine.TaskEvent:
		switch e.Type {
		case "task.finished":
			m.runs.WithLabelValues(d.Name, "ok").Inc()
			m.runTime.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case "task.failed":
			result := "error"
			if d.Panic {
				result = "panic"
			}
			m.runs.WithLabelValues(d.Name, result).Inc()
			m.runTime.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case "task.dropped":
			m.dropped.WithLabelValues(d.Name, d.Error).Inc()
		}
	case reconcile.UserEvent:
		if d.Error != "" {
			m.recon.WithLabelValues("failed").Inc()
		} else if d.Result.Mutations() > 0 {
			m.recon.WithLabelValues("changed").Inc()
		} else {
			m.recon.WithLabelValues("unchanged").Inc()
		}
	case checkin.DeliveryEvent:
		m.delivery.WithLabelValues(d.Kind, d.Status).Inc()
	case notifier.NotificationEvent:
		result := "sent"
		if e.Type == "notifier.failed" {
			result = "failed"
		}
		m.sends.WithLabelValues(d.Kind, result).Inc()
		if d.Attempts > 1 {
			m.retries.Add(float64(d.Attempts - 1))
		}
	}
}
