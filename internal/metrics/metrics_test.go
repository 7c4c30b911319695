package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"moodping/internal/checkin"
	"moodping/internal/eventbus"
	"moodping/internal/notifier"
	"moodping/internal/reconcile"
	"moodping/internal/task/engine"
	"moodping/internal/task/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return pb.GetCounter().GetValue()
}

func TestObserve(t *testing.T) {
	t.Parallel()

	m := New(func() int { return 7 })
	events := []eventbus.Event{
		{Type: "job.fired", Data: scheduler.FireEvent{Category: "ping"}},
		{Type: "job.fired", Data: scheduler.FireEvent{Category: "ping", Error: engine.ErrInFlightCap.Error()}},
		{Type: "job.misfire_dropped", Data: scheduler.FireEvent{Category: "digest"}},
		{Type: "task.failed", Data: engine.TaskEvent{Name: "ping", Panic: true, Duration: time.Millisecond}},
		{Type: "task.finished", Data: engine.TaskEvent{Name: "ping", Duration: time.Millisecond}},
		{Type: "task.dropped", Data: engine.TaskEvent{Name: "ping", Error: "in_flight_cap"}},
		{Type: "reconcile.user", Data: reconcile.UserEvent{Result: reconcile.Result{Added: 2}}},
		{Type: "reconcile.user", Data: reconcile.UserEvent{Error: "bad tz"}},
		{Type: "delivery.suppressed", Data: checkin.DeliveryEvent{Kind: "ping", Status: "suppressed"}},
		{Type: "notifier.sent", Data: notifier.NotificationEvent{Kind: "ping", Attempts: 3}},
		{Type: "notifier.failed", Data: notifier.NotificationEvent{Kind: "digest", Attempts: 1}},
		{Type: "unrelated", Data: 42},
	}
	for _, e := range events {
		m.Observe(e)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"fired", value(t, m.firings.WithLabelValues("ping", "enqueued")), 1},
		{"rejected", value(t, m.firings.WithLabelValues("ping", "rejected")), 1},
		{"misfire", value(t, m.misfires.WithLabelValues("digest")), 1},
		{"panic", value(t, m.runs.WithLabelValues("ping", "panic")), 1},
		{"ok", value(t, m.runs.WithLabelValues("ping", "ok")), 1},
		{"dropped", value(t, m.dropped.WithLabelValues("ping", "in_flight_cap")), 1},
		{"recon changed", value(t, m.recon.WithLabelValues("changed")), 1},
		{"recon failed", value(t, m.recon.WithLabelValues("failed")), 1},
		{"suppressed", value(t, m.delivery.WithLabelValues("ping", "suppressed")), 1},
		{"sent", value(t, m.sends.WithLabelValues("ping", "sent")), 1},
		{"send failed", value(t, m.sends.WithLabelValues("digest", "failed")), 1},
		{"retries", value(t, m.retries), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s=%v want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerExposesJobsGauge(t *testing.T) {
	t.Parallel()

	m := New(func() int { return 7 })
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "moodping_jobs_registered 7") {
		t.Fatalf("gauge missing from output")
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	m := New(nil)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for value(t, m.misfires.WithLabelValues("ping")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event not observed")
		}
		bus.Publish(eventbus.Event{Type: "job.misfire_dropped", Data: scheduler.FireEvent{Category: "ping"}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
}
