// Package metrics exposes the Heartbeat counters of spec.md §3 as
// Prometheus collectors, grounded on the client_golang usage in the
// retrieval pack's linkflow-go repo. Every running shuffle's heartbeat
// updates the same vector, labeled by shuffle_id so /metrics stays one flat
// surface regardless of how many shuffles are in flight.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/shuffle/internal/cluster"
)

// Registry wraps the Heartbeat counter/gauge vectors for one process
// (worker or scheduler). Register it with a prometheus.Registerer (or the
// default registry) once at process startup.
type Registry struct {
	bytesWritten  *prometheus.GaugeVec
	bytesSent     *prometheus.GaugeVec
	bytesAcked    *prometheus.GaugeVec
	bytesReceived *prometheus.GaugeVec
	diskBytes     *prometheus.GaugeVec
	activeMemory  *prometheus.GaugeVec
	errors        *prometheus.GaugeVec
	elapsedSecs   *prometheus.GaugeVec
}

// NewRegistry builds and registers a Registry against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	labels := []string{"shuffle_id", "run_id", "worker_id"}
	newVec := func(name, help string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shuffle",
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(v)
		return v
	}

	return &Registry{
		bytesWritten:  newVec("bytes_written", "Bytes of locally owned shards this run appended to its own partition store during ingest."),
		bytesSent:     newVec("bytes_sent", "Bytes handed to a transport send by this run."),
		bytesAcked:    newVec("bytes_acked", "Bytes acknowledged by peers for this run."),
		bytesReceived: newVec("bytes_received", "Bytes received and committed to disk by this run."),
		diskBytes:     newVec("disk_bytes_in_use", "Disk limiter bytes currently in use by this run."),
		activeMemory:  newVec("active_memory_bytes", "Memory limiter bytes currently in use by this run."),
		errors:        newVec("errors_total", "Cumulative error count observed by this run."),
		elapsedSecs:   newVec("elapsed_seconds", "Seconds since this run was created."),
	}
}

// Observe records one Heartbeat snapshot.
func (r *Registry) Observe(hb cluster.Heartbeat) {
	runID := strconv.FormatInt(int64(hb.RunID), 10)
	r.bytesWritten.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(float64(hb.BytesWritten))
	r.bytesSent.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(float64(hb.BytesSent))
	r.bytesAcked.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(float64(hb.BytesAcked))
	r.bytesReceived.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(float64(hb.BytesReceived))
	r.diskBytes.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(float64(hb.DiskBytes))
	r.activeMemory.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(float64(hb.ActiveMemory))
	r.errors.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(float64(hb.Errors))
	r.elapsedSecs.WithLabelValues(string(hb.ShuffleID), runID, hb.WorkerID).Set(hb.Elapsed.Seconds())
}
