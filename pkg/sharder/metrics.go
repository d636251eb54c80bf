package sharder

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts pipeline events. A nil *Metrics records nothing.
type Metrics struct {
	chunksPlaced    prometheus.Counter
	underReplicated prometheus.Counter
	storeFailures   *prometheus.CounterVec
	chunksRetrieved prometheus.Counter
	hashMismatches  prometheus.Counter
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		chunksPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkvault", Subsystem: "store", Name: "chunks_placed_total",
			Help: "Chunks that reached at least one holder.",
		}),
		underReplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkvault", Subsystem: "store", Name: "chunks_under_replicated_total",
			Help: "Chunks placed on fewer holders than the redundancy target.",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkvault", Subsystem: "store", Name: "rpc_failures_total",
			Help: "Store calls that failed or returned the sentinel key.",
		}, []string{"reason"}),
		chunksRetrieved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkvault", Subsystem: "retrieve", Name: "chunks_total",
			Help: "Chunks retrieved and verified.",
		}),
		hashMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkvault", Subsystem: "retrieve", Name: "hash_mismatches_total",
			Help: "Holder responses rejected by hash verification.",
		}),
	}
	for _, c := range []prometheus.Collector{m.chunksPlaced, m.underReplicated, m.storeFailures, m.chunksRetrieved, m.hashMismatches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) placed(holders, want int) {
	if m == nil {
		return
	}
	m.chunksPlaced.Inc()
	if holders < want {
		m.underReplicated.Inc()
	}
}

func (m *Metrics) storeFailure(reason string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) retrieved() {
	if m == nil {
		return
	}
	m.chunksRetrieved.Inc()
}

func (m *Metrics) mismatch() {
	if m == nil {
		return
	}
	m.hashMismatches.Inc()
}
