package m7

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives one call per collective operation of a
// simulation. Implementations must be safe for concurrent use since every
// rank reports from its own goroutine.
type MetricsCollector interface {
	// RecordCommunicate is called after each Communicate; rows is the
	// number of rows the rank emitted in that cycle.
	RecordCommunicate(rows int, duration time.Duration, err error)

	// RecordRedistribute is called after each Redistribute.
	RecordRedistribute(moves int, duration time.Duration, err error)

	// RecordStoreRows is called with the rows a rank holds when a cycle ends.
	RecordStoreRows(rows int)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

// RecordCommunicate implements MetricsCollector.
func (NoopMetricsCollector) RecordCommunicate(int, time.Duration, error) {}

// RecordRedistribute implements MetricsCollector.
func (NoopMetricsCollector) RecordRedistribute(int, time.Duration, error) {}

// RecordStoreRows implements MetricsCollector.
func (NoopMetricsCollector) RecordStoreRows(int) {}

// BasicMetricsCollector keeps counters in memory.
type BasicMetricsCollector struct {
	CommunicateCount       atomic.Int64
	CommunicateErrors      atomic.Int64
	CommunicateRows        atomic.Int64
	CommunicateTotalNanos  atomic.Int64
	RedistributeCount      atomic.Int64
	RedistributeErrors     atomic.Int64
	RedistributeMoves      atomic.Int64
	RedistributeTotalNanos atomic.Int64
	PeakStoreRows          atomic.Int64
}

// RecordCommunicate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommunicate(rows int, duration time.Duration, err error) {
	b.CommunicateCount.Add(1)
	b.CommunicateRows.Add(int64(rows))
	b.CommunicateTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommunicateErrors.Add(1)
	}
}

// RecordRedistribute implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRedistribute(moves int, duration time.Duration, err error) {
	b.RedistributeCount.Add(1)
	b.RedistributeMoves.Add(int64(moves))
	b.RedistributeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RedistributeErrors.Add(1)
	}
}

// RecordStoreRows implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStoreRows(rows int) {
	n := int64(rows)
	for {
		cur := b.PeakStoreRows.Load()
		if n <= cur || b.PeakStoreRows.CompareAndSwap(cur, n) {
			return
		}
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CommunicateCount:     b.CommunicateCount.Load(),
		CommunicateErrors:    b.CommunicateErrors.Load(),
		CommunicateRows:      b.CommunicateRows.Load(),
		CommunicateAvgNanos:  avg(b.CommunicateTotalNanos.Load(), b.CommunicateCount.Load()),
		RedistributeCount:    b.RedistributeCount.Load(),
		RedistributeErrors:   b.RedistributeErrors.Load(),
		RedistributeMoves:    b.RedistributeMoves.Load(),
		RedistributeAvgNanos: avg(b.RedistributeTotalNanos.Load(), b.RedistributeCount.Load()),
		PeakStoreRows:        b.PeakStoreRows.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CommunicateCount     int64
	CommunicateErrors    int64
	CommunicateRows      int64
	CommunicateAvgNanos  int64
	RedistributeCount    int64
	RedistributeErrors   int64
	RedistributeMoves    int64
	RedistributeAvgNanos int64
	PeakStoreRows        int64
}
