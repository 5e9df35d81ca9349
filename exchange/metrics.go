package exchange

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	exchangePrometheusMetrics sync.Once

	exchangeRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "exchange",
			Name:      "rows_total",
			Help:      "Number of rows moved by Communicate",
		},
		[]string{"name", "direction"},
	)
	exchangeBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "exchange",
			Name:      "bytes_total",
			Help:      "Number of bytes moved by Communicate, after compression",
		},
		[]string{"name", "direction"},
	)
	exchangeRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "m7",
			Subsystem: "exchange",
			Name:      "communicate_total",
			Help:      "Number of completed Communicate calls",
		},
		[]string{"name"},
	)
)

func registerMetrics() {
	exchangePrometheusMetrics.Do(func() {
		prometheus.MustRegister(exchangeRows)
		prometheus.MustRegister(exchangeBytes)
		prometheus.MustRegister(exchangeRounds)
	})
}
