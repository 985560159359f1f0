// Package metrics exposes working memory lifecycle counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/pkg/types"
)

const namespace = "working_memory"

// StatsFunc reports current item counts. It is called on every scrape.
type StatsFunc func(ctx context.Context, now time.Time) (store.Stats, error)

// Metrics holds the Prometheus collectors for one process. It implements
// memory.Observer.
type Metrics struct {
	Triggers      *prometheus.CounterVec
	Promotions    *prometheus.CounterVec
	Fades         prometheus.Counter
	Restorations  prometheus.Counter
	Sweeps        prometheus.Counter
	SweepErrors   prometheus.Counter
	SweepDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New registers the lifecycle collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Triggers applied to pending items, by type.",
		}, []string{"type"}),
		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Items promoted to long-term memory, by node type.",
		}, []string{"node_type"}),
		Fades: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fades_total",
			Help:      "Items moved to the dormant archive.",
		}),
		Restorations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restorations_total",
			Help:      "Dormant items restored to long-term memory.",
		}),
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed batch sweeps.",
		}),
		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_item_errors_total",
			Help:      "Items that failed evaluation or persistence during a sweep.",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of batch sweeps.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}
	return m
}

// WatchItems adds per-status item gauges read from stats on every scrape.
func (m *Metrics) WatchItems(stats StatsFunc) {
	m.registry.MustRegister(&itemCollector{stats: stats})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TriggerRecorded(t types.TriggerType) {
	m.Triggers.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Promoted(res types.PromotionResult) {
	m.Promotions.WithLabelValues(res.NodeType).Inc()
}

func (m *Metrics) Faded(types.FadeResult) {
	m.Fades.Inc()
}

func (m *Metrics) Restored(types.RestorationResult) {
	m.Restorations.Inc()
}

func (m *Metrics) SweepCompleted(res types.EvaluationResult) {
	m.Sweeps.Inc()
	m.SweepErrors.Add(float64(len(res.Errors)))
	m.SweepDuration.Observe(float64(res.DurationMs) / 1000)
}

var itemsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "items"),
	"Items by lifecycle status.",
	[]string{"status"}, nil,
)

var overdueDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "overdue_pending_items"),
	"Pending items whose trial has expired but which no sweep has resolved yet.",
	nil, nil,
)

// itemCollector reads store stats once per scrape.
type itemCollector struct {
	stats StatsFunc
}

func (c *itemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- itemsDesc
	ch <- overdueDesc
}

func (c *itemCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.stats(ctx, time.Now())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(itemsDesc, err)
		return
	}
	for status, n := range map[string]int64{
		string(types.StatusPending):  st.Pending,
		string(types.StatusPromoted): st.Promoted,
		string(types.StatusFaded):    st.Faded,
		"restored":                   st.Restored,
	} {
		ch <- prometheus.MustNewConstMetric(itemsDesc, prometheus.GaugeValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(overdueDesc, prometheus.GaugeValue, float64(st.OverduePending))
}
