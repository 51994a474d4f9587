package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voodoo-go/internal/bus"
	"voodoo-go/internal/report"
	"voodoo-go/internal/store"
)

type metrics struct {
	testsFinished *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	watchdogs     prometheus.Counter
	testDuration  prometheus.Histogram
	running       prometheus.Gauge
	asserts       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		testsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voodoo",
			Name:      "tests_finished_total",
			Help:      "Tests finished, by result.",
		}, []string{"result"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voodoo",
			Name:      "runs_finished_total",
			Help:      "Runs finished, by status.",
		}, []string{"status"}),
		watchdogs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "voodoo",
			Name:      "watchdog_total",
			Help:      "Tests stopped by the inactivity watchdog.",
		}),
		testDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voodoo",
			Name:      "test_duration_seconds",
			Help:      "Wall time of finished tests.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "voodoo",
			Name:      "run_active",
			Help:      "1 while a run is in progress.",
		}),
		asserts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voodoo",
			Name:      "asserts_total",
			Help:      "Assertions evaluated, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *metrics) observe(ev bus.Event) {
	switch ev.Type {
	case bus.EventRunStarted:
		m.running.Set(1)
	case bus.EventRunFinished:
		m.running.Set(0)
		if run, ok := ev.Data.(store.Run); ok {
			m.runsFinished.WithLabelValues(run.Status).Inc()
		}
	case bus.EventWatchdog:
		m.watchdogs.Inc()
	case bus.EventTestFinished:
		res, ok := ev.Data.(report.Results)
		if !ok {
			return
		}
		m.testsFinished.WithLabelValues(res.Result).Inc()
		if res.PassedAsserts > 0 {
			m.asserts.WithLabelValues("passed").Add(float64(res.PassedAsserts))
		}
		if res.FailedAsserts > 0 {
			m.asserts.WithLabelValues("failed").Add(float64(res.FailedAsserts))
		}
		if !res.Start.IsZero() && res.End.After(res.Start) {
			m.testDuration.Observe(res.End.Sub(res.Start).Seconds())
		}
	}
}
