// Package monitor tracks workload counters for a store and exposes them to
// Prometheus.
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkloadStats counts store operations. All methods are safe for concurrent
// use. It implements prometheus.Collector.
type WorkloadStats struct {
	ReadCount     uint64
	HitCount      uint64
	PutCount      uint64
	DeleteCount   uint64
	SnapshotCount uint64
	RecoveryCount uint64
	AppendedBytes uint64

	readDesc     *prometheus.Desc
	hitDesc      *prometheus.Desc
	writeDesc    *prometheus.Desc
	snapshotDesc *prometheus.Desc
	recoveryDesc *prometheus.Desc
	bytesDesc    *prometheus.Desc

	appendLatency    prometheus.Histogram
	snapshotDuration prometheus.Histogram
}

func NewWorkloadStats(namespace string) *WorkloadStats {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", name), help, labels, nil)
	}
	return &WorkloadStats{
		readDesc:     desc("reads_total", "Number of Get calls."),
		hitDesc:      desc("read_hits_total", "Number of Get calls that found the key."),
		writeDesc:    desc("writes_total", "Number of acknowledged mutations.", "op"),
		snapshotDesc: desc("snapshots_total", "Number of snapshots written."),
		recoveryDesc: desc("recoveries_total", "Number of completed recoveries."),
		bytesDesc:    desc("log_appended_bytes_total", "Bytes appended to log segments."),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "append_duration_seconds",
			Help:      "Bucketed histogram of durable append latency (s).",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "snapshot_duration_seconds",
			Help:      "Bucketed histogram of snapshot time (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}),
	}
}

func (ws *WorkloadStats) RecordRead(hit bool) {
	atomic.AddUint64(&ws.ReadCount, 1)
	if hit {
		atomic.AddUint64(&ws.HitCount, 1)
	}
}

func (ws *WorkloadStats) RecordPut(d time.Duration) {
	atomic.AddUint64(&ws.PutCount, 1)
	ws.appendLatency.Observe(d.Seconds())
}

func (ws *WorkloadStats) RecordDelete(d time.Duration) {
	atomic.AddUint64(&ws.DeleteCount, 1)
	ws.appendLatency.Observe(d.Seconds())
}

func (ws *WorkloadStats) RecordSnapshot(d time.Duration) {
	atomic.AddUint64(&ws.SnapshotCount, 1)
	ws.snapshotDuration.Observe(d.Seconds())
}

func (ws *WorkloadStats) RecordRecovery() {
	atomic.AddUint64(&ws.RecoveryCount, 1)
}

// SetAppendedBytes publishes the log's running byte count.
func (ws *WorkloadStats) SetAppendedBytes(n uint64) {
	atomic.StoreUint64(&ws.AppendedBytes, n)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Reads         uint64
	Hits          uint64
	Puts          uint64
	Deletes       uint64
	Snapshots     uint64
	Recoveries    uint64
	AppendedBytes uint64
}

func (ws *WorkloadStats) Load() Snapshot {
	return Snapshot{
		Reads:         atomic.LoadUint64(&ws.ReadCount),
		Hits:          atomic.LoadUint64(&ws.HitCount),
		Puts:          atomic.LoadUint64(&ws.PutCount),
		Deletes:       atomic.LoadUint64(&ws.DeleteCount),
		Snapshots:     atomic.LoadUint64(&ws.SnapshotCount),
		Recoveries:    atomic.LoadUint64(&ws.RecoveryCount),
		AppendedBytes: atomic.LoadUint64(&ws.AppendedBytes),
	}
}

func (ws *WorkloadStats) GetReadWriteRatio() float64 {
	reads := atomic.LoadUint64(&ws.ReadCount)
	writes := atomic.LoadUint64(&ws.PutCount) + atomic.LoadUint64(&ws.DeleteCount)

	if writes == 0 {
		if reads > 0 {
			return 100.0
		}
		return 0.0
	}
	return float64(reads) / float64(writes)
}

func (ws *WorkloadStats) Describe(ch chan<- *prometheus.Desc) {
	ch <- ws.readDesc
	ch <- ws.hitDesc
	ch <- ws.writeDesc
	ch <- ws.snapshotDesc
	ch <- ws.recoveryDesc
	ch <- ws.bytesDesc
	ws.appendLatency.Describe(ch)
	ws.snapshotDuration.Describe(ch)
}

func (ws *WorkloadStats) Collect(ch chan<- prometheus.Metric) {
	s := ws.Load()
	ch <- prometheus.MustNewConstMetric(ws.readDesc, prometheus.CounterValue, float64(s.Reads))
	ch <- prometheus.MustNewConstMetric(ws.hitDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(ws.writeDesc, prometheus.CounterValue, float64(s.Puts), "put")
	ch <- prometheus.MustNewConstMetric(ws.writeDesc, prometheus.CounterValue, float64(s.Deletes), "delete")
	ch <- prometheus.MustNewConstMetric(ws.snapshotDesc, prometheus.CounterValue, float64(s.Snapshots))
	ch <- prometheus.MustNewConstMetric(ws.recoveryDesc, prometheus.CounterValue, float64(s.Recoveries))
	ch <- prometheus.MustNewConstMetric(ws.bytesDesc, prometheus.CounterValue, float64(s.AppendedBytes))
	ws.appendLatency.Collect(ch)
	ws.snapshotDuration.Collect(ch)
}
