package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacktea/chunkvault/pkg/meta"
)

// Metrics exports audit outcomes and allocation state. A nil *Metrics
// records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
	next     *prometheus.GaugeVec
	verified *prometheus.GaugeVec
	score    *prometheus.GaugeVec
	cycle    prometheus.Histogram
}

// NewMetrics registers the audit collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkvault", Subsystem: "audit", Name: "challenges_total",
			Help: "Challenges by result.",
		}, []string{"result"}),
		next: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chunkvault", Subsystem: "audit", Name: "next_chunks",
			Help: "Optimistic allocation per node.",
		}, []string{"node"}),
		verified: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chunkvault", Subsystem: "audit", Name: "verified_chunks",
			Help: "Audited allocation per node.",
		}, []string{"node"}),
		score: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chunkvault", Subsystem: "audit", Name: "score",
			Help: "Moving-average audit score per node.",
		}, []string{"node"}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chunkvault", Subsystem: "audit", Name: "cycle_seconds",
			Help:    "Duration of audit cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	for _, c := range []prometheus.Collector{m.outcomes, m.next, m.verified, m.score, m.cycle} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) outcome(r Result) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) record(rec meta.AllocationRecord) {
	if m == nil {
		return
	}
	id := string(rec.Node)
	m.next.WithLabelValues(id).Set(float64(rec.NextChunks))
	m.verified.WithLabelValues(id).Set(float64(rec.VerifiedChunks))
	m.score.WithLabelValues(id).Set(rec.Score)
}

func (m *Metrics) cycleDone(d time.Duration) {
	if m == nil {
		return
	}
	m.cycle.Observe(d.Seconds())
}
