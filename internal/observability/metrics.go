package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"instabot/internal/engine"
	"instabot/internal/eventbus"
	"instabot/internal/notifier"
)

// Metrics mirrors scheduler events into Prometheus collectors.
type Metrics struct {
	reg *prometheus.Registry

	actions       *prometheus.CounterVec
	actionSeconds *prometheus.HistogramVec
	blocks        *prometheus.CounterVec
	thresholds    prometheus.Counter
	pauses        *prometheus.CounterVec
	pauseSeconds  *prometheus.CounterVec
	quotaDone     prometheus.Counter
	daily         *prometheus.GaugeVec
	limit         *prometheus.GaugeVec
	lifetime      *prometheus.GaugeVec
	sessionErrors prometheus.Gauge
	state         *prometheus.GaugeVec
	notifications *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry, plus the Go and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "instabot_actions_total",
			Help: "Executed actions by kind and result (ok, transient, block_detected).",
		}, []string{"kind", "result"}),
		actionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "instabot_action_duration_seconds",
			Help:    "Executor call duration per action kind.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
		blocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "instabot_blocks_total",
			Help: "Failures classified as a block, by kind.",
		}, []string{"kind"}),
		thresholds: f.NewCounter(prometheus.CounterOpts{
			Name: "instabot_error_threshold_total",
			Help: "Times the per-session error threshold forced a cycle pause.",
		}),
		pauses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "instabot_pauses_total",
			Help: "Waits taken by the scheduler, by reason.",
		}, []string{"reason"}),
		pauseSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "instabot_pause_seconds_total",
			Help: "Scheduled wait time by reason.",
		}, []string{"reason"}),
		quotaDone: f.NewCounter(prometheus.CounterOpts{
			Name: "instabot_quota_exhausted_total",
			Help: "Times every daily quota was reached.",
		}),
		daily: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instabot_daily_actions",
			Help: "Successful actions in the current daily window.",
		}, []string{"kind"}),
		limit: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instabot_daily_limit",
			Help: "Configured daily quota.",
		}, []string{"kind"}),
		lifetime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instabot_lifetime_actions",
			Help: "Successful actions across restarts.",
		}, []string{"kind"}),
		sessionErrors: f.NewGauge(prometheus.GaugeOpts{
			Name: "instabot_session_errors",
			Help: "Failed actions in the current session.",
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instabot_scheduler_state",
			Help: "1 for the current scheduler state.",
		}, []string{"state"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "instabot_notifications_total",
			Help: "Operator notifications by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// SetLimits publishes the configured quota.
func (m *Metrics) SetLimits(limits engine.Counts) {
	for _, k := range engine.Kinds() {
		m.limit.WithLabelValues(k.String()).Set(float64(limits.Get(k)))
	}
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.ActionSucceeded, eventbus.ActionFailed:
		ev, ok := e.Data.(engine.ActionEvent)
		if !ok {
			return
		}
		result := "ok"
		if !ev.OK {
			result = ev.Class
		}
		m.actions.WithLabelValues(ev.Kind.String(), result).Inc()
		m.actionSeconds.WithLabelValues(ev.Kind.String()).Observe(ev.Took.Seconds())
		m.sessionErrors.Set(float64(ev.Errors))
	case eventbus.BlockDetected:
		if ev, ok := e.Data.(engine.ActionEvent); ok {
			m.blocks.WithLabelValues(ev.Kind.String()).Inc()
		}
	case eventbus.ErrorThreshold:
		m.thresholds.Inc()
	case eventbus.Paused:
		if p, ok := e.Data.(engine.PauseInfo); ok {
			m.pauses.WithLabelValues(p.Reason.String()).Inc()
			m.pauseSeconds.WithLabelValues(p.Reason.String()).Add(p.Duration.Seconds())
		}
	case eventbus.QuotaExhausted:
		m.quotaDone.Inc()
	case eventbus.StatsUpdated:
		if snap, ok := e.Data.(engine.Snapshot); ok {
			for _, k := range engine.Kinds() {
				m.daily.WithLabelValues(k.String()).Set(float64(snap.Daily.Get(k)))
				m.lifetime.WithLabelValues(k.String()).Set(float64(snap.Totals.Get(k)))
			}
			m.sessionErrors.Set(float64(snap.Errors))
		}
	case eventbus.StateChanged:
		if ev, ok := e.Data.(engine.StateEvent); ok {
			m.setState(ev.To)
		}
	case notifier.EventSent:
		m.notifications.WithLabelValues("sent").Inc()
	case notifier.EventFailed:
		m.notifications.WithLabelValues("failed").Inc()
	case notifier.EventDropped:
		m.notifications.WithLabelValues("dropped").Inc()
	}
}

func (m *Metrics) setState(cur engine.RunState) {
	for _, st := range []engine.RunState{engine.StateIdle, engine.StateRunning, engine.StatePaused, engine.StateStopped} {
		v := 0.0
		if st == cur {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

// Consume feeds bus events into Observe until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	m.setState(engine.StateIdle)
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
