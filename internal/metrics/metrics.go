// Package metrics defines Prometheus metrics of the storage engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

var (
	// TransactionsTotal counts finished transactions by type and outcome
	// ("completed", "canceled", "failed").
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nstore_transactions_total",
			Help: "Finished transactions by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// BytesWrittenTotal counts bytes stored into version files.
	BytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nstore_bytes_written_total",
			Help: "Bytes written into version files",
		},
	)

	// ObjReadsTotal counts object reads by kind ("current", "archived").
	ObjReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nstore_obj_reads_total",
			Help: "Object version reads",
		},
		[]string{"kind"},
	)

	// OpenStores tracks user stores held open by the registry.
	OpenStores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nstore_open_stores",
			Help: "User stores currently open",
		},
	)
)

// Register registers all collectors with the default registry. It is safe
// to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TransactionsTotal,
			BytesWrittenTotal,
			ObjReadsTotal,
			OpenStores,
		)
	})
}
