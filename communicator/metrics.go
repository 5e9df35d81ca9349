package communicator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	communicatorPrometheusMetrics sync.Once

	communicatorMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "communicator",
			Name:      "block_moves_total",
			Help:      "Number of blocks reassigned by redistribution",
		},
		[]string{"name"},
	)
	communicatorMigratedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "communicator",
			Name:      "migrated_rows_total",
			Help:      "Number of store rows migrated between ranks by redistribution",
		},
		[]string{"name", "direction"},
	)
	communicatorStoreRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "m7",
			Subsystem: "communicator",
			Name:      "store_rows",
			Help:      "Number of rows held in the local store",
		},
		[]string{"name"},
	)
)

func registerMetrics() {
	communicatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(communicatorMoves)
		prometheus.MustRegister(communicatorMigratedRows)
		prometheus.MustRegister(communicatorStoreRows)
	})
}
