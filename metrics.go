package rehabflow

import "github.com/prometheus/client_golang/prometheus"

var DrainPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rehabflow",
	Subsystem: "sync",
	Name:      "drain_passes",
}, []string{"result"})

var ItemsDrained = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rehabflow",
	Subsystem: "sync",
	Name:      "items_drained",
}, []string{"kind", "result"})

var PendingItems = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "rehabflow",
	Subsystem: "sync",
	Name:      "pending_items",
})

// RegisterMetrics registers the sync layer's collectors on reg. The store
// engine collector is separate; see store.NewCollector.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{DrainPasses, ItemsDrained, PendingItems} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
