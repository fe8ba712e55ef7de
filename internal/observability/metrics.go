package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"autochat/internal/autochat"
	"autochat/internal/dispatch"
	"autochat/internal/eventbus"
	"autochat/internal/notifier"
	rtsup "autochat/internal/runtime/supervisor"
	logx "autochat/pkg/logx"
)

// Metrics holds the scheduler collectors. They are fed from the event bus,
// so no component imports this package.
type Metrics struct {
	reg *prometheus.Registry

	dispatches    *prometheus.CounterVec
	dispatchTook  *prometheus.HistogramVec
	cyclesArmed   *prometheus.CounterVec
	armedDuration prometheus.Histogram
	starts        prometheus.Counter
	stops         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	running       prometheus.Gauge
	tasks         *prometheus.CounterVec
}

// CountdownSource reports the seconds left in the current cycle.
type CountdownSource func() float64

// MustNewMetrics registers the collectors on a fresh registry. countdown may
// be nil.
func MustNewMetrics(countdown CountdownSource) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autochat",
			Name:      "dispatches_total",
			Help:      "Scheduled message dispatches, by outcome and mode.",
		}, []string{"status", "mode"}),
		dispatchTook: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autochat",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent posting or generating a scheduled message.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}),
		cyclesArmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autochat",
			Name:      "cycles_armed_total",
			Help:      "Timer cycles armed, split by startup and random draws.",
		}, []string{"startup"}),
		armedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autochat",
			Name:      "cycle_duration_seconds",
			Help:      "Durations drawn for armed cycles.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autochat",
			Name:      "engine_starts_total",
			Help:      "Transitions from stopped to running.",
		}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autochat",
			Name:      "engine_stops_total",
			Help:      "Transitions from running to stopped; terminal means the repeat limit was reached.",
		}, []string{"terminal"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autochat",
			Name:      "notifier_events_total",
			Help:      "Notifier pipeline events (queued, deduped, dropped, sent, failed).",
		}, []string{"event"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autochat",
			Name:      "engine_running",
			Help:      "1 while the scheduler is running.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autochat",
			Name:      "task_events_total",
			Help:      "Supervised task lifecycle events (started, failed, panicked, restarted).",
		}, []string{"task", "event"}),
	}
	reg.MustRegister(
		m.dispatches, m.dispatchTook, m.cyclesArmed, m.armedDuration,
		m.starts, m.stops, m.notifications, m.running, m.tasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if countdown != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "autochat",
			Name:      "countdown_seconds",
			Help:      "Seconds until the pending cycle expires (0 when stopped).",
		}, countdown))
	}
	return m
}

// Registry is the gatherer served on the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe folds one bus event into the collectors. Unknown types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeEngineStarted:
		m.starts.Inc()
		m.running.Set(1)
	case eventbus.TypeEngineStopped:
		terminal := false
		if p, ok := ev.Data.(autochat.StoppedEvent); ok {
			terminal = p.Terminal
		}
		m.stops.WithLabelValues(strconv.FormatBool(terminal)).Inc()
		m.running.Set(0)
	case eventbus.TypeCycleArmed:
		if p, ok := ev.Data.(autochat.ArmedEvent); ok {
			m.cyclesArmed.WithLabelValues(strconv.FormatBool(p.Startup)).Inc()
			m.armedDuration.Observe(p.Duration.Seconds())
		}
	case eventbus.TypeDispatched:
		if r, ok := ev.Data.(dispatch.Result); ok {
			m.dispatches.WithLabelValues(string(r.Status), string(r.Mode)).Inc()
			if r.Status != dispatch.StatusSkipped {
				m.dispatchTook.WithLabelValues(string(r.Mode)).Observe(r.Took.Seconds())
			}
		}
	case notifier.TypeQueued, notifier.TypeDeduped, notifier.TypeDropped, notifier.TypeSent, notifier.TypeFailed:
		m.notifications.WithLabelValues(eventLabel(ev.Type)).Inc()
	}
}

// ObserveTask counts supervisor task events. It is installed with
// supervisor.WithObserver.
func (m *Metrics) ObserveTask(ev rtsup.TaskEvent) {
	m.tasks.WithLabelValues(ev.Task, string(ev.Kind)).Inc()
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	if !log.IsZero() {
		log.Debug("metrics collector started")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// CountdownFrom adapts the engine snapshot to a CountdownSource.
func CountdownFrom(e interface{ Snapshot() autochat.Snapshot }) CountdownSource {
	return func() float64 {
		return float64(e.Snapshot().Remaining / time.Second)
	}
}

func eventLabel(typ string) string { return strings.TrimPrefix(typ, "notifier.") }
