package table

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tablePrometheusMetrics sync.Once

	tableLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "table",
			Name:      "lookups_total",
			Help:      "Number of counted key lookups in a mapped table",
		},
		[]string{"name"},
	)
	tableLookupSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "table",
			Name:      "lookup_skips_total",
			Help:      "Number of bucket entries visited by lookups that did not match, which indicates the bucket array is too small",
		},
		[]string{"name"},
	)
	tableRemaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "table",
			Name:      "remaps_total",
			Help:      "Number of times the bucket array of a mapped table was rebuilt",
		},
		[]string{"name"},
	)
	tableBuckets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "m7",
			Subsystem: "table",
			Name:      "buckets",
			Help:      "Current size of the bucket array of a mapped table",
		},
		[]string{"name"},
	)
	tableTransferredRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "table",
			Name:      "transferred_records_total",
			Help:      "Number of records moved between ranks by TransferRecords",
		},
		[]string{"name", "direction"},
	)
)

func registerMetrics() {
	tablePrometheusMetrics.Do(func() {
		prometheus.MustRegister(tableLookups)
		prometheus.MustRegister(tableLookupSkips)
		prometheus.MustRegister(tableRemaps)
		prometheus.MustRegister(tableBuckets)
		prometheus.MustRegister(tableTransferredRecords)
	})
}
