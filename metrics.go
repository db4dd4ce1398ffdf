package vmo

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the ReclaimCounts / pin / dirty / ShouldWait series
// named in SPEC_FULL §3. Nothing in this module registers one
// (cmd/cowvmoctl serves only the default registry); nodes and reclaimers
// just call the increment/set methods and don't care whether a registry
// is attached.
type Metrics struct {
	EvictedPages       prometheus.Counter
	CompressedPages    prometheus.Counter
	DiscardedPages     prometheus.Counter
	LoanReplacedPages  prometheus.Counter
	PinnedPages        prometheus.Gauge
	DirtyPages         prometheus.Gauge
	OutstandingWaiters prometheus.Gauge
}

// NewMetrics builds an unregistered Metrics instance; call
// Metrics.MustRegister(reg) to attach it to a prometheus.Registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		EvictedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cowvmo", Name: "evicted_pages_total",
			Help: "Pages freed via the evict reclaim strategy.",
		}),
		CompressedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cowvmo", Name: "compressed_pages_total",
			Help: "Pages replaced with compressor references.",
		}),
		DiscardedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cowvmo", Name: "discarded_pages_total",
			Help: "Pages dropped via the discard reclaim strategy.",
		}),
		LoanReplacedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cowvmo", Name: "loan_replaced_pages_total",
			Help: "Loaned pages replaced with non-loaned pages.",
		}),
		PinnedPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cowvmo", Name: "pinned_pages",
			Help: "Pages currently pinned across all nodes.",
		}),
		DirtyPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cowvmo", Name: "dirty_pages",
			Help: "Pages currently in the Dirty or AwaitingClean state.",
		}),
		OutstandingWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cowvmo", Name: "outstanding_should_wait",
			Help: "Page requests currently awaiting a page-source callback.",
		}),
	}
}

func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.EvictedPages, m.CompressedPages, m.DiscardedPages,
		m.LoanReplacedPages, m.PinnedPages, m.DirtyPages, m.OutstandingWaiters)
}

// defaultMetrics is the Metrics every node uses (no constructor takes a
// Metrics); it is never itself registered.
var defaultMetrics = NewMetrics()
